package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewProductionEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false)
	log.Info().Str("request_id", "req_1").Msg("hello")
	if !strings.Contains(buf.String(), `"request_id":"req_1"`) {
		t.Errorf("expected JSON field in output, got %s", buf.String())
	}
}

func TestDecisionLogsExpectedFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false)
	Decision(log, "req_1", "bot-A", "bot-A", "acct-A", "safelist", 12)
	out := buf.String()
	for _, field := range []string{"req_1", "bot-A", "acct-A", "safelist"} {
		if !strings.Contains(out, field) {
			t.Errorf("expected %q in log output, got %s", field, out)
		}
	}
}
