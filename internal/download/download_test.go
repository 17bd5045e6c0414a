package download_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/download"
	"github.com/scarson/jobrunner/internal/job"
)

func downloadJob(t *testing.T, url, filename string) job.Job {
	t.Helper()
	raw, err := json.Marshal(job.DownloadPayload{URL: url, Filename: filename})
	require.NoError(t, err)
	return job.Job{ID: 1, PublicToken: "job_d1", Category: job.CategoryDownload, Payload: raw}
}

func client() *http.Client { return &http.Client{Timeout: 5 * time.Second} }

func TestHandle_WritesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("model weights"))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "downloads")
	h := download.NewHandler(client(), dir, 1024)
	require.NoError(t, h.Handle(context.Background(), downloadJob(t, srv.URL, "weights.bin")))

	got, err := os.ReadFile(filepath.Join(dir, "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "model weights", string(got))

	// A retry overwrites the earlier result.
	require.NoError(t, h.Handle(context.Background(), downloadJob(t, srv.URL, "weights.bin")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandle_TooLargeLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Chunked, so the cap is enforced while streaming.
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	h := download.NewHandler(client(), dir, 16)
	err := h.Handle(context.Background(), downloadJob(t, srv.URL, "big.bin"))
	require.ErrorIs(t, err, download.ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandle_Non200Fails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := download.NewHandler(client(), t.TempDir(), 0).Handle(context.Background(), downloadJob(t, srv.URL, "a.bin"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHandle_RejectsPathInFilename(t *testing.T) {
	h := download.NewHandler(client(), t.TempDir(), 0)
	for _, name := range []string{"../escape.bin", "sub/dir.bin", ".."} {
		err := h.Handle(context.Background(), downloadJob(t, "https://example.com/x", name))
		assert.ErrorIs(t, err, job.ErrInvalidPayload, name)
	}
}
