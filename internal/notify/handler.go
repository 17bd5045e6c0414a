// ABOUTME: Job handler for the notification category: webhook or email, rate limited process-wide.
// ABOUTME: Receivers may see the same delivery twice; X-Jobrunner-Delivery carries the job token.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/scarson/jobrunner/internal/job"
)

// Handler delivers notification jobs.
type Handler struct {
	client  *http.Client
	limiter *rate.Limiter
	email   emailSender
}

// NewHandler returns a Handler. limiter gates every delivery, across all
// channels.
func NewHandler(client *http.Client, smtp SmtpConfig, limiter *rate.Limiter) *Handler {
	return &Handler{client: client, limiter: limiter, email: NewSMTPSender(smtp)}
}

// Handle delivers the notification carried by j.
func (h *Handler) Handle(ctx context.Context, j job.Job) error {
	decoded, err := j.Decode()
	if err != nil {
		return err
	}
	p, ok := decoded.(job.NotificationPayload)
	if !ok {
		return fmt.Errorf("%w: %s job carries %T", job.ErrInvalidPayload, j.Category, decoded)
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}

	switch p.Channel {
	case job.ChannelWebhook:
		return Send(ctx, h.client, WebhookConfig{
			URL:           p.URL,
			SigningSecret: p.SigningSecret,
			CustomHeaders: p.Headers,
			DeliveryID:    j.PublicToken,
		}, webhookBody(p.Body))
	case job.ChannelEmail:
		subject, html, text, err := RenderEmail(EmailTemplateData{
			Subject:  p.Subject,
			Body:     textBody(p.Body),
			JobToken: j.PublicToken,
		})
		if err != nil {
			return err
		}
		return h.email.Send(ctx, Email{
			Recipients: p.Recipients,
			Subject:    subject,
			Text:       text,
			HTML:       html,
			DeliveryID: j.PublicToken,
		})
	default:
		return fmt.Errorf("%w: unsupported channel %q", job.ErrInvalidPayload, p.Channel)
	}
}

func webhookBody(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// textBody renders a JSON string body as its plain value and anything else
// as the JSON text itself.
func textBody(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
