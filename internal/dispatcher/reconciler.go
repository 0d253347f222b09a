package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
	"github.com/bgdnvk/bouncer/internal/store"
)

// DefaultReconcileGrace is how long a pending record may sit with no
// MessageID before the reconciler treats its first Notify call as failed
// and retries it.
const DefaultReconcileGrace = 2 * time.Minute

// reconcileBatchLimit bounds one Reconcile pass so a large pending backlog
// cannot turn a reconcile tick into an unbounded scan.
const reconcileBatchLimit = 100

// Run ticks every interval, calling Reconcile, until ctx is canceled. It is
// meant to run as its own goroutine for the lifetime of the serve process.
func (d *Dispatcher) Run(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reconcile(ctx, grace, d.clock())
		}
	}
}

// Reconcile re-emits the approval notification for pending records whose
// first Notify call failed and left MessageID empty (pipeline.Admit's
// fail-open path for a notifier error). A record is eligible once it has
// sat pending for at least grace. The re-emit is recorded through the same
// conditional pending-to-pending Transition the happy path uses, so a record
// that left pending in the meantime is not updated. That Transition does not
// check MessageID: two overlapping passes over the same record can each send
// a notification.
func (d *Dispatcher) Reconcile(ctx context.Context, grace time.Duration, now time.Time) (int, error) {
	if d.notifier == nil {
		return 0, nil
	}

	pending, err := d.requests.ListPending(ctx, "", reconcileBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: reconcile list pending: %w", err)
	}

	reemitted := 0
	for _, record := range pending {
		if record.MessageID != "" || now.Sub(record.CreatedAt) < grace {
			continue
		}
		msgID, err := d.notifier.Notify(ctx, notifier.BuildMessage(record, notifier.ButtonsStandard, 15))
		if err != nil {
			continue
		}
		if _, err := d.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
			Status: model.StatusPending, MessageID: &msgID, UpdatedAt: now,
		}); err != nil {
			continue
		}
		reemitted++
	}
	return reemitted, nil
}
