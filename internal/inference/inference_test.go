package inference_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/inference"
	"github.com/scarson/jobrunner/internal/job"
)

func inferenceJob(t *testing.T, p job.InferencePayload) job.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return job.Job{ID: 9, PublicToken: "job_i9", Category: job.CategoryInference, Payload: raw}
}

func client() *http.Client { return &http.Client{Timeout: 5 * time.Second} }

func TestHandle_PostsToProvider(t *testing.T) {
	var got map[string]any
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := inference.NewHandler(client(), srv.URL, "secret-key")
	err := h.Handle(context.Background(), inferenceJob(t, job.InferencePayload{
		Model: "tts-large",
		Input: json.RawMessage(`{"text":"hello"}`),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "job_i9", gotKey)
	assert.Equal(t, "tts-large", got["model"])
	assert.Equal(t, "job_i9", got["job_token"])
	assert.Equal(t, map[string]any{"text": "hello"}, got["input"])
}

func TestHandle_PayloadProviderOverridesDefault(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := inference.NewHandler(client(), "", "")
	require.NoError(t, h.Handle(context.Background(), inferenceJob(t, job.InferencePayload{Model: "m", ProviderURL: srv.URL})))
	assert.True(t, hit)
}

func TestHandle_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := inference.NewHandler(client(), srv.URL, "").Handle(context.Background(), inferenceJob(t, job.InferencePayload{Model: "m"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exhausted")

	err = inference.NewHandler(client(), "", "").Handle(context.Background(), inferenceJob(t, job.InferencePayload{Model: "m"}))
	assert.ErrorIs(t, err, inference.ErrNoProvider)

	err = inference.NewHandler(client(), srv.URL, "").Handle(context.Background(), job.Job{Category: job.CategoryInference, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, job.ErrInvalidPayload)
}
