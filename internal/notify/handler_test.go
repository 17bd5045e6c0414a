package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/scarson/jobrunner/internal/job"
)

func notificationJob(t *testing.T, p job.NotificationPayload) job.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return job.Job{ID: 1, PublicToken: "job_n1", Category: job.CategoryNotification, Payload: raw}
}

func plainClient() *http.Client { return &http.Client{Timeout: 5 * time.Second} }

func TestHandler_Webhook(t *testing.T) {
	var gotBody []byte
	var gotDelivery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotDelivery = r.Header.Get("X-Jobrunner-Delivery")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHandler(plainClient(), SmtpConfig{}, rate.NewLimiter(rate.Inf, 1))
	err := h.Handle(context.Background(), notificationJob(t, job.NotificationPayload{
		Channel: job.ChannelWebhook,
		URL:     srv.URL,
		Body:    json.RawMessage(`{"status":"done"}`),
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"done"}`, string(gotBody))
	assert.Equal(t, "job_n1", gotDelivery)
}

// sendFunc adapts a func to emailSender.
type sendFunc func(ctx context.Context, e Email) error

func (f sendFunc) Send(ctx context.Context, e Email) error { return f(ctx, e) }

func TestHandler_Email(t *testing.T) {
	var got Email
	h := NewHandler(plainClient(), SmtpConfig{Host: "smtp.test"}, rate.NewLimiter(rate.Inf, 1))
	h.email = sendFunc(func(_ context.Context, e Email) error {
		got = e
		return nil
	})

	err := h.Handle(context.Background(), notificationJob(t, job.NotificationPayload{
		Channel:    job.ChannelEmail,
		Recipients: []string{"ops@example.com"},
		Subject:    "Render finished",
		Body:       json.RawMessage(`"Your render is ready."`),
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, got.Recipients)
	assert.Equal(t, "Render finished", got.Subject)
	assert.Equal(t, "job_n1", got.DeliveryID)
	assert.Contains(t, got.Text, "Your render is ready.")
	assert.Contains(t, got.Text, "job_n1")
	assert.Contains(t, got.HTML, "Your render is ready.")
}

func TestHandler_EmailSendFailureFailsJob(t *testing.T) {
	h := NewHandler(plainClient(), SmtpConfig{}, rate.NewLimiter(rate.Inf, 1))
	h.email = sendFunc(func(context.Context, Email) error { return errors.New("relay refused") })

	err := h.Handle(context.Background(), notificationJob(t, job.NotificationPayload{
		Channel:    job.ChannelEmail,
		Recipients: []string{"ops@example.com"},
		Body:       json.RawMessage(`"x"`),
	}))
	assert.EqualError(t, err, "relay refused")
}

func TestHandler_InvalidPayloadFails(t *testing.T) {
	h := NewHandler(plainClient(), SmtpConfig{}, rate.NewLimiter(rate.Inf, 1))
	err := h.Handle(context.Background(), job.Job{Category: job.CategoryNotification, Payload: []byte(`{"channel":"sms"}`)})
	assert.ErrorIs(t, err, job.ErrInvalidPayload)
}

func TestHandler_RateLimitHonoursContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow()) // drain the only token

	h := NewHandler(plainClient(), SmtpConfig{}, limiter)
	h.email = sendFunc(func(context.Context, Email) error {
		return errors.New("must not send")
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Handle(ctx, notificationJob(t, job.NotificationPayload{
		Channel:    job.ChannelEmail,
		Recipients: []string{"ops@example.com"},
		Body:       json.RawMessage(`"x"`),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notification rate limit")
}

func TestTextBody(t *testing.T) {
	assert.Equal(t, "plain", textBody(json.RawMessage(`"plain"`)))
	assert.Equal(t, `{"a":1}`, textBody(json.RawMessage(`{"a":1}`)))
}
