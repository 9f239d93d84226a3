package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message summarizes the outcome of one build.
type Message struct {
	BuildID   string   `json:"build_id"`
	Project   string   `json:"project"`
	Branch    string   `json:"branch"`
	URL       string   `json:"url"`
	LogURL    string   `json:"log_url"`
	Success   bool     `json:"success"`
	Text      string   `json:"text"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Notifier delivers build outcomes to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// HTTPNotifier posts messages as JSON to a webhook.
type HTTPNotifier struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPNotifier creates a notifier posting to endpoint.
func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.Text == "" {
		msg.Text = Summary(msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("notification rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}

// Summary renders the human readable text of a message.
func Summary(msg Message) string {
	var b strings.Builder
	if msg.Success {
		fmt.Fprintf(&b, "Build of %s (%s) succeeded.", msg.Project, msg.Branch)
	} else {
		fmt.Fprintf(&b, "Build of %s (%s) failed.", msg.Project, msg.Branch)
	}
	fmt.Fprintf(&b, "\nRepository: %s\nLogs: %s", msg.URL, msg.LogURL)
	if msg.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", msg.Error)
	}
	return b.String()
}
