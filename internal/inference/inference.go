// Package inference implements the inference job handler: it submits the
// job's model and input to a generation provider over HTTP.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/scarson/jobrunner/internal/job"
)

// ErrNoProvider is returned when neither the job nor the worker names a
// provider URL.
var ErrNoProvider = errors.New("no inference provider configured")

// Handler executes inference jobs.
type Handler struct {
	client      *http.Client
	providerURL string
	apiKey      string
}

// NewHandler returns a Handler posting to providerURL unless a job names
// its own provider.
func NewHandler(client *http.Client, providerURL, apiKey string) *Handler {
	return &Handler{client: client, providerURL: providerURL, apiKey: apiKey}
}

type request struct {
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input,omitempty"`
	JobToken string          `json:"job_token"`
}

// Handle submits j to the provider. Any non-2xx response fails the attempt.
func (h *Handler) Handle(ctx context.Context, j job.Job) error {
	decoded, err := j.Decode()
	if err != nil {
		return err
	}
	p, ok := decoded.(job.InferencePayload)
	if !ok {
		return fmt.Errorf("%w: %s job carries %T", job.ErrInvalidPayload, j.Category, decoded)
	}

	url := p.ProviderURL
	if url == "" {
		url = h.providerURL
	}
	if url == "" {
		return ErrNoProvider
	}

	body, err := json.Marshal(request{Model: p.Model, Input: p.Input, JobToken: j.PublicToken})
	if err != nil {
		return fmt.Errorf("encode inference request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", j.PublicToken)
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("inference POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Keep a short excerpt of the body for the failure reason; discard the rest.
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck,gosec // G104: discard errors are irrelevant

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inference POST: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}
