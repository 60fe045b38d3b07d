package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves a named remote artifact by logical path relative to the
// content repository root, e.g. "info.json" or "updates/21/updates.sql".
type Fetcher interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// RemoteError is the failure condition for remote retrieval. StatusCode is
// zero for transport-level failures.
type RemoteError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote fetch of %s failed with status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("remote fetch of %s failed: %v", e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a RemoteError for a missing artifact.
func IsNotFound(err error) bool {
	re, ok := err.(*RemoteError)
	return ok && re.StatusCode == http.StatusNotFound
}

// HTTPFetcher retrieves artifacts over HTTP(S) from a base URL.
type HTTPFetcher struct {
	base   string
	client *http.Client
}

// NewHTTPFetcher creates a fetcher rooted at base (no trailing slash).
func NewHTTPFetcher(base string) *HTTPFetcher {
	return &HTTPFetcher{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Get implements Fetcher.
func (f *HTTPFetcher) Get(ctx context.Context, path string) ([]byte, error) {
	url := f.base + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RemoteError{Path: path, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &RemoteError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteError{Path: path, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Path: path, Err: err}
	}
	return body, nil
}
