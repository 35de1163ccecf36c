// Package notify is the fire-and-forget notification collaborator. Delivery
// guarantees are the receiver's responsibility.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event describes an escalation or terminal-state notification.
type Event struct {
	Type       string `json:"type"` // "escalation", "complete", "failed"
	WorkflowID string `json:"workflow_id"`
	ProjectID  string `json:"project_id,omitempty"`
	StoryID    string `json:"story_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Notifier delivers events. Implementations must not block the caller.
type Notifier interface {
	Notify(e Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Notify(Event) {}

// Webhook POSTs events as JSON to a configured URL in a background goroutine.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify posts the event without waiting for the result. Failures are logged
// and dropped.
func (w *Webhook) Notify(e Event) {
	go func() {
		body, err := json.Marshal(e)
		if err != nil {
			w.logger.Error("marshal notification", "error", err)
			return
		}
		resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
		if err != nil {
			w.logger.Error("deliver notification", "type", e.Type, "workflow", e.WorkflowID, "error", err)
			return
		}
		resp.Body.Close()
	}()
}
