// Package slacknotifier implements notifier.Notifier on top of
// github.com/slack-go/slack, posting Block Kit messages with the button rows
// defines per request kind.
package slacknotifier

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/bgdnvk/bouncer/internal/notifier"
)

// Notifier posts and edits approval prompts in a single configured Slack
// channel.
type Notifier struct {
	client  *slack.Client
	channel string
}

func New(token, channel string) *Notifier {
	return &Notifier{client: slack.New(token), channel: channel}
}

func (n *Notifier) Notify(ctx context.Context, msg notifier.Message) (string, error) {
	blocks := buildBlocks(msg)
	_, timestamp, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", fmt.Errorf("slacknotifier: post message: %w", err)
	}
	return timestamp, nil
}

func (n *Notifier) Edit(ctx context.Context, messageID, resultText string) error {
	_, _, _, err := n.client.UpdateMessageContext(ctx, n.channel, messageID,
		slack.MsgOptionText(resultText, false))
	if err != nil {
		return fmt.Errorf("slacknotifier: edit message %s: %w", messageID, err)
	}
	return nil
}

func buildBlocks(msg notifier.Message) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, msg.Title, false, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Source:* "+msg.Source, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Reason:* "+msg.Reason, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Account:* "+msg.AccountName+" ("+msg.AccountID+")", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Expires:* "+msg.ExpiresAt, false, false),
	}
	fieldsBlock := slack.NewSectionBlock(nil, fields, nil)

	summaryBlock := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, msg.Summary, false, false), nil, nil)

	footer := slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, "request_id: "+msg.RequestID, false, false))

	return []slack.Block{header, fieldsBlock, summaryBlock, buildActions(msg), footer}
}

func buildActions(msg notifier.Message) *slack.ActionBlock {
	switch msg.Buttons {
	case notifier.ButtonsDangerous:
		return slack.NewActionBlock("", button("confirm", "Confirm", "primary", msg.RequestID), button("deny", "Deny", "danger", msg.RequestID))
	case notifier.ButtonsGrant:
		return slack.NewActionBlock("", button("grant_approve_all", "Approve all", "primary", msg.RequestID),
			button("grant_approve_safe", "Approve safe only", "", msg.RequestID),
			button("grant_deny", "Deny", "danger", msg.RequestID))
	case notifier.ButtonsBatch:
		return slack.NewActionBlock("", button("upload_batch_approve", "Approve", "primary", msg.RequestID),
			button("upload_batch_approve_trust", "Approve + trust", "", msg.RequestID),
			button("upload_batch_deny", "Deny", "danger", msg.RequestID))
	default:
		return slack.NewActionBlock("", button("cmd_approve", "Approve", "primary", msg.RequestID),
			button("cmd_approve_trust", fmt.Sprintf("Trust %dm", msg.TrustMinutes), "", msg.RequestID),
			button("cmd_deny", "Deny", "danger", msg.RequestID))
	}
}

func button(actionID, label, style, value string) *slack.ButtonBlockElement {
	btn := slack.NewButtonBlockElement(actionID, value, slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
	if style != "" {
		btn.Style = slack.Style(style)
	}
	return btn
}
