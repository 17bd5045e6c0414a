// Package download implements the download job handler: it fetches a URL
// into the worker's download directory.
//
// Files are streamed to a temp file in the target directory and renamed
// into place, so a retried job overwrites its earlier result and readers
// never see a partial file.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/scarson/jobrunner/internal/job"
)

// ErrTooLarge is returned when a response exceeds the configured byte cap.
var ErrTooLarge = errors.New("download exceeds size limit")

// Handler executes download jobs.
type Handler struct {
	client   *http.Client
	dir      string
	maxBytes int64
}

// NewHandler returns a Handler writing into dir. maxBytes caps a single
// download; 0 means no cap.
func NewHandler(client *http.Client, dir string, maxBytes int64) *Handler {
	return &Handler{client: client, dir: dir, maxBytes: maxBytes}
}

// Handle downloads the payload URL to dir/filename.
func (h *Handler) Handle(ctx context.Context, j job.Job) error {
	decoded, err := j.Decode()
	if err != nil {
		return err
	}
	p, ok := decoded.(job.DownloadPayload)
	if !ok {
		return fmt.Errorf("%w: %s job carries %T", job.ErrInvalidPayload, j.Category, decoded)
	}
	name := filepath.Base(p.Filename)
	if name != p.Filename || name == "." || name == ".." {
		return fmt.Errorf("%w: filename %q must not contain a path", job.ErrInvalidPayload, p.Filename)
	}

	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := h.client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("download GET: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download GET: HTTP %d from %s", resp.StatusCode, p.URL)
	}
	if h.maxBytes > 0 && resp.ContentLength > h.maxBytes {
		return fmt.Errorf("%w: content length %d > %d", ErrTooLarge, resp.ContentLength, h.maxBytes)
	}

	f, err := os.CreateTemp(h.dir, "."+name+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp) //nolint:gosec // G703: path from os.CreateTemp, not user input
		return err
	}

	var body io.Reader = resp.Body
	if h.maxBytes > 0 {
		body = io.LimitReader(resp.Body, h.maxBytes+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return fail(fmt.Errorf("copy to temp: %w", err))
	}
	if h.maxBytes > 0 && n > h.maxBytes {
		return fail(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, h.maxBytes))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp) //nolint:gosec // G703: path from os.CreateTemp, not user input
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(h.dir, name)); err != nil {
		_ = os.Remove(tmp) //nolint:gosec // G703: path from os.CreateTemp, not user input
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}
