// ABOUTME: Outbound webhook delivery: HMAC signing, safeurl client, response body discard.
// ABOUTME: Send is a pure function; the http.Client is injected (constructed once at worker startup).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WebhookConfig is the delivery-time view of a webhook notification job.
type WebhookConfig struct {
	URL           string
	SigningSecret string            // empty sends the request unsigned
	CustomHeaders map[string]string // applied after denylist filtering
	// DeliveryID is sent as X-Jobrunner-Delivery so receivers can drop
	// repeats of the same job.
	DeliveryID string
}

// headerDelivery carries the job token on webhooks and emails.
const headerDelivery = "X-Jobrunner-Delivery"

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":                  true,
	"content-type":          true,
	"content-length":        true,
	"transfer-encoding":     true,
	"connection":            true,
	"x-jobrunner-timestamp": true,
	"x-jobrunner-signature": true,
	"x-jobrunner-delivery":  true,
}

// Sign returns the signature header value for payload sent at ts.
func Sign(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts payload to the webhook URL, signs with HMAC-SHA256, and discards the response body.
// The caller constructs client once at startup (safeurl-wrapped, redirect-disabled).
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range cfg.CustomHeaders {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}
	if cfg.DeliveryID != "" {
		req.Header.Set(headerDelivery, cfg.DeliveryID)
	}

	// HMAC-SHA256 over "timestamp.body".
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Jobrunner-Timestamp", ts)
	if cfg.SigningSecret != "" {
		req.Header.Set("X-Jobrunner-Signature", Sign(cfg.SigningSecret, ts, payload))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced architecturally by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant for io.Discard writes

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
