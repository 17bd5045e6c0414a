// ABOUTME: Constructs the SSRF-safe HTTP client shared by all outbound job handlers.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package safehttp

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultTimeout bounds a single outbound request when the caller passes 0.
const DefaultTimeout = 30 * time.Second

// NewClient returns an SSRF-safe *http.Client. Private, loopback and
// link-local destinations are refused and redirects are not followed.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
