package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"quota-dispatch/internal/models"
)

// Payload render modes. Rich is the full card; text is the degraded
// representation used when a rich send fails.
const (
	ModeRich = "rich"
	ModeText = "text"
)

// Payload is a rendered, channel-agnostic delivery body.
type Payload struct {
	Mode      string `json:"mode"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
}

// Channel is one bound delivery transport. The router never implements
// channel protocols itself.
type Channel interface {
	Name() string
	// SupportsDegraded reports whether the channel accepts a lower-fidelity
	// text payload when the rich one fails.
	SupportsDegraded() bool
	Send(ctx context.Context, recipient string, p Payload) error
}

// RenderFunc produces the channel payload for a completed job in the given mode.
type RenderFunc func(job models.Job, mode string) Payload

// DefaultRender builds a plain result card from the job record.
func DefaultRender(job models.Job, mode string) Payload {
	subject := fmt.Sprintf("Job %s %s", job.ID, job.Status)
	body := subject
	if mode == ModeRich && job.ResultRef != nil {
		body = fmt.Sprintf("%s\nresult: %s", subject, *job.ResultRef)
	}
	if job.FailureReason != nil {
		body = fmt.Sprintf("%s\nreason: %s", body, *job.FailureReason)
	}
	p := Payload{
		Mode:    mode,
		Subject: subject,
		Body:    body,
		JobID:   job.ID,
		Status:  job.Status,
	}
	if job.ResultRef != nil {
		p.ResultRef = *job.ResultRef
	}
	return p
}

// Webhook posts payloads to the recipient URL. Rich mode sends the full card;
// degraded mode sends a minimal text document to the same endpoint.
type Webhook struct {
	client *http.Client
}

func NewWebhook(timeout time.Duration) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Name() string           { return "webhook" }
func (w *Webhook) SupportsDegraded() bool { return true }

func (w *Webhook) Send(ctx context.Context, recipient string, p Payload) error {
	var body any = p
	if p.Mode == ModeText {
		body = map[string]string{"text": p.Body}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Notify publishes payloads on a Redis pub/sub channel per recipient, serving
// in-app web notifications. Rich only; there is no degraded representation.
type Notify struct {
	client *redis.Client
	prefix string
}

func NewNotify(client *redis.Client, prefix string) *Notify {
	if prefix == "" {
		prefix = "notify:"
	}
	return &Notify{client: client, prefix: prefix}
}

func (n *Notify) Name() string           { return "notify" }
func (n *Notify) SupportsDegraded() bool { return false }

func (n *Notify) Send(ctx context.Context, recipient string, p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.client.Publish(ctx, n.prefix+recipient, raw).Err()
}
