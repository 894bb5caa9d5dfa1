package blobstore

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
)

// HTTPStore downloads http(s) URIs. It is read-only.
type HTTPStore struct {
	client *http.Client
}

// NewHTTPStore creates an HTTPStore; nil uses a client with a 5 minute
// timeout.
func NewHTTPStore(client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPStore{client: client}
}

// Get implements Store.
func (h *HTTPStore) Get(ctx context.Context, uri string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid URL").WithDetail("uri", uri)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "download failed").WithDetail("uri", uri)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Newf(errors.KindAuthError, "download refused: %s", resp.Status).WithDetail("uri", uri)
	case resp.StatusCode >= 300:
		return errors.Newf(errors.KindSourceUnavailable, "download failed: %s", resp.Status).WithDetail("uri", uri)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "download interrupted").WithDetail("uri", uri)
	}
	return nil
}

// Put implements Store.
func (h *HTTPStore) Put(context.Context, string, io.Reader, string) error {
	return errors.New(errors.KindUnsupportedFormat, "http locations are read-only")
}
