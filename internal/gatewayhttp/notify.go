package gatewayhttp

import (
	"context"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
)

// notifyPending renders and sends the approver-facing prompt for a pending
// record, same as pipeline.Notifier does for a command submission, for the
// kinds Admit never sees: grants, account changes, deploys. Delivery
// failure is swallowed — a missing message id just means the record sits
// pending until an operator notices and approves it out of band.
func (s *Server) notifyPending(ctx context.Context, record *model.ApprovalRequest, buttons notifier.ButtonSet) {
	if s.notify == nil {
		return
	}
	msg := notifier.BuildMessage(record, buttons, 0)
	messageID, err := s.notify.Notify(ctx, msg)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", record.RequestID).Msg("notify pending request")
		return
	}
	record.MessageID = messageID
}

func (s *Server) notifyGrant(ctx context.Context, record *model.ApprovalRequest) {
	s.notifyPending(ctx, record, notifier.ButtonsGrant)
}
