// Package sink implements the injected alert transports. The dispatcher
// only sees the domain.AlertSink contract; retry policy lives there, each
// sink handles a single delivery attempt.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Payload is the JSON body shared by the webhook and command sinks.
type Payload struct {
	Hostname        string          `json:"hostname"`
	Source          domain.Source   `json:"source"`
	Severity        domain.Severity `json:"severity"`
	Category        string          `json:"category"`
	Entity          string          `json:"entity"`
	Detail          string          `json:"detail"`
	DetectedAt      time.Time       `json:"detected_at"`
	Remediated      bool            `json:"remediated"`
	Summary         bool            `json:"summary"`
	OccurrenceCount int             `json:"occurrence_count,omitempty"`
	WindowStart     time.Time       `json:"window_start,omitempty"`
}

func payloadFor(alert domain.Alert) Payload {
	return Payload{
		Hostname:        alert.Hostname,
		Source:          alert.Event.Source,
		Severity:        alert.Event.Severity,
		Category:        alert.Event.Category,
		Entity:          alert.Event.Entity,
		Detail:          alert.Event.Detail,
		DetectedAt:      alert.Event.DetectedAt,
		Remediated:      alert.Event.Remediated,
		Summary:         alert.Summary,
		OccurrenceCount: alert.OccurrenceCount,
		WindowStart:     alert.WindowStart,
	}
}

// Webhook posts alert JSON to an HTTP endpoint. Any 2xx response counts
// as delivered.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook sink. The client timeout is a backstop;
// the per-attempt deadline arrives via the Send context.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements domain.AlertSink.
func (w *Webhook) Name() string { return "webhook" }

// Send implements domain.AlertSink.
func (w *Webhook) Send(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(payloadFor(alert))
	if err != nil {
		return &domain.SinkError{Sink: w.Name(), Err: fmt.Errorf("encode alert: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &domain.SinkError{Sink: w.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tunnelguard")

	resp, err := w.client.Do(req)
	if err != nil {
		return &domain.SinkError{Sink: w.Name(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.SinkError{
			Sink: w.Name(),
			Err:  fmt.Errorf("endpoint returned status %d", resp.StatusCode),
		}
	}
	return nil
}

// Ensure Webhook implements domain.AlertSink.
var _ domain.AlertSink = (*Webhook)(nil)
