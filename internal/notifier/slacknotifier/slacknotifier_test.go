package slacknotifier

import (
	"testing"

	"github.com/bgdnvk/bouncer/internal/notifier"
)

func TestBuildBlocksIncludesRequestID(t *testing.T) {
	msg := notifier.Message{
		Title:     "⚠️ Command approval requested",
		Source:    "slack-bot-A",
		Reason:    "scale down the service",
		AccountID: "111122223333",
		Summary:   "`aws ec2 terminate-instances --instance-ids i-1`",
		RequestID: "req_abc123",
		ExpiresAt: "14:05:00 UTC",
		Buttons:   notifier.ButtonsStandard,
	}

	blocks := buildBlocks(msg)
	if len(blocks) != 5 {
		t.Fatalf("expected 5 blocks (header, fields, summary, actions, footer), got %d", len(blocks))
	}
}

func TestBuildActionsStandardHasThreeButtons(t *testing.T) {
	msg := notifier.Message{RequestID: "req_1", TrustMinutes: 15, Buttons: notifier.ButtonsStandard}
	actions := buildActions(msg)
	if len(actions.Elements) != 3 {
		t.Fatalf("expected 3 action elements for standard buttons, got %d", len(actions.Elements))
	}
}

func TestBuildActionsDangerousHasTwoButtons(t *testing.T) {
	msg := notifier.Message{RequestID: "req_2", Buttons: notifier.ButtonsDangerous}
	actions := buildActions(msg)
	if len(actions.Elements) != 2 {
		t.Fatalf("expected 2 action elements for dangerous buttons, got %d", len(actions.Elements))
	}
}

func TestBuildActionsGrantHasThreeButtons(t *testing.T) {
	msg := notifier.Message{RequestID: "req_3", Buttons: notifier.ButtonsGrant}
	actions := buildActions(msg)
	if len(actions.Elements) != 3 {
		t.Fatalf("expected 3 action elements for grant buttons, got %d", len(actions.Elements))
	}
}

func TestBuildActionsBatchHasThreeButtons(t *testing.T) {
	msg := notifier.Message{RequestID: "req_4", Buttons: notifier.ButtonsBatch}
	actions := buildActions(msg)
	if len(actions.Elements) != 3 {
		t.Fatalf("expected 3 action elements for batch buttons, got %d", len(actions.Elements))
	}
}
