// Package webhooknotifier implements notifier.Notifier as a generic JSON
// POST, for chat transports reached without a direct SDK: a bounded-timeout
// http.Client, a JSON-marshaled body, and a narrow error wrap per failure
// mode instead of a generic client abstraction.
package webhooknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bgdnvk/bouncer/internal/notifier"
)

// Notifier posts approval prompts to a single configured webhook URL and
// edit requests to the same URL with a different event type.
type Notifier struct {
	url        string
	httpClient *http.Client
}

func New(url string) *Notifier {
	return &Notifier{url: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type payload struct {
	Event     string            `json:"event"`
	MessageID string            `json:"message_id,omitempty"`
	Message   notifier.Message  `json:"message,omitempty"`
	Result    string            `json:"result,omitempty"`
}

type response struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (n *Notifier) Notify(ctx context.Context, msg notifier.Message) (string, error) {
	resp, err := n.post(ctx, payload{Event: "notify", Message: msg})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("webhooknotifier: notify rejected: %s", resp.Error)
	}
	return resp.MessageID, nil
}

func (n *Notifier) Edit(ctx context.Context, messageID, resultText string) error {
	resp, err := n.post(ctx, payload{Event: "edit", MessageID: messageID, Result: resultText})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("webhooknotifier: edit rejected: %s", resp.Error)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, body payload) (*response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("webhooknotifier: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("webhooknotifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhooknotifier: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webhooknotifier: read response: %w", err)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("webhooknotifier: decode response: %w", err)
	}
	return &out, nil
}
