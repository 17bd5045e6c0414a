// ABOUTME: Tests for outbound webhook delivery: HMAC signing, header denylist, redirect rejection.
package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/notify"
)

func buildTestClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestSend_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig, gotDelivery string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-Jobrunner-Timestamp")
		gotSig = r.Header.Get("X-Jobrunner-Signature")
		gotDelivery = r.Header.Get("X-Jobrunner-Delivery")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := []byte(`{"event":"render.finished","asset":"a-123"}`)
	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: secret,
		DeliveryID:    "job_123",
	}, payload)
	require.NoError(t, err)

	require.NotEmpty(t, gotTS)
	tsInt, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)
	assert.Equal(t, notify.Sign(secret, gotTS, gotBody), gotSig)
	assert.Equal(t, "job_123", gotDelivery)
}

func TestSend_UnsignedWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Jobrunner-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{URL: srv.URL}, []byte(`{}`)))
	assert.Empty(t, gotSig)
}

func TestSend_Non2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: srv.URL, SigningSecret: "x",
	}, []byte(`[]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSend_DeniedHeaderStripped(t *testing.T) {
	var gotHost, gotCustom, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotCustom = r.Header.Get("X-Custom")
		gotSig = r.Header.Get("X-Jobrunner-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: "x",
		CustomHeaders: map[string]string{
			"Host":                  "evil.internal",
			"X-Jobrunner-Signature": "sha256=forged",
			"X-Custom":              "ok",
		},
	}, []byte(`[]`))
	require.NoError(t, err)
	assert.NotEqual(t, "evil.internal", gotHost)
	assert.NotEqual(t, "sha256=forged", gotSig)
	assert.Equal(t, "ok", gotCustom)
}

func TestSend_RedirectRejected(t *testing.T) {
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()

	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	err := notify.Send(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: outer.URL, SigningSecret: "x",
	}, []byte(`[]`))
	// Non-2xx (302) → error
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
}
