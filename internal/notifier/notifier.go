// Package notifier emits approval prompts to a chat surface. Notifier is the
// narrow interface pipeline and the dispatcher depend on; slacknotifier and
// webhooknotifier are its two concrete implementations.
package notifier

import (
	"context"

	"github.com/bgdnvk/bouncer/internal/model"
)

// ButtonSet names one of the fixed button-row shapes defines per request
// kind.
type ButtonSet string

const (
	ButtonsStandard  ButtonSet = "standard"  // approve, trust-N-min, deny
	ButtonsDangerous ButtonSet = "dangerous" // confirm, deny
	ButtonsGrant     ButtonSet = "grant"     // approve-all, approve-safe, deny
	ButtonsBatch     ButtonSet = "batch"     // approve, approve+trust, deny
)

// Message is the fully-rendered approval prompt content, already escaped per
// ("every field that carries user input is escape-transformed.. values
// placed inside code entities are not escaped").
type Message struct {
	Title          string // includes emoji
	Source         string
	Reason         string
	AccountID      string
	AccountName    string
	Summary        string // command/summary block, inline code or fenced depending on length
	RequestID      string
	ExpiresAt      string
	Buttons        ButtonSet
	TrustMinutes   int // populated when Buttons == ButtonsStandard
}

// Notifier sends an approval prompt and returns an opaque message id the
// dispatcher later edits in place (approve/deny/expire).
type Notifier interface {
	Notify(ctx context.Context, msg Message) (messageID string, err error)
	Edit(ctx context.Context, messageID string, resultText string) error
}

// BuildMessage renders a Message from a pending ApprovalRequest, escaping
// every user-supplied field via Escape and attaching the button set the
// caller passes in.
func BuildMessage(record *model.ApprovalRequest, buttons ButtonSet, trustMinutes int) Message {
	summary := record.DisplaySummary
	block := summary
	if len(summary) > 60 {
		block = "```\n" + summary + "\n```"
	} else {
		block = "`" + summary + "`"
	}

	return Message{
		Title:        titleFor(record),
		Source:       Escape(record.Source),
		Reason:       Escape(record.Reason),
		AccountID:    Escape(record.AccountID),
		Summary:      block,
		RequestID:    record.RequestID,
		ExpiresAt:    record.ExpiresAt.Format("15:04:05 MST"),
		Buttons:      buttons,
		TrustMinutes: trustMinutes,
	}
}

func titleFor(record *model.ApprovalRequest) string {
	switch record.Kind {
	case model.ActionUpload, model.ActionUploadBatch:
		return "📤 Upload approval requested"
	case model.ActionDeploy:
		return "🚀 Deploy approval requested"
	case model.ActionGrant:
		return "📋 Command grant requested"
	case model.ActionAddAccount, model.ActionRemoveAccount:
		return "🏦 Account change requested"
	default:
		return "⚠️ Command approval requested"
	}
}

// PipelineAdapter adapts a full Notifier to pipeline.Notifier's narrower
// single-method shape, fixing the button set a given pipeline instance uses
// for its pending-command prompts.
type PipelineAdapter struct {
	Inner     Notifier
	ButtonSet ButtonSet
}

// Notify satisfies pipeline.Notifier by rendering and sending a standard
// message for a record the pipeline has already decided must go pending.
func (a PipelineAdapter) Notify(ctx context.Context, record *model.ApprovalRequest) (string, error) {
	return a.Inner.Notify(ctx, BuildMessage(record, a.ButtonSet, 15))
}
