package store

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/glacier/pkg/regerr"
)

// HTTPDriver fetches image bodies from arbitrary "http://"/"https://"
// URLs. It is read-only: images whose location is a plain web URL are
// assumed to live somewhere this registry doesn't own; like most
// read-only HTTP-backed stores, it has never supported put or delete.
type HTTPDriver struct {
	client *http.Client
}

// NewHTTPDriver builds a driver using client, or http.DefaultClient if
// client is nil.
func NewHTTPDriver(client *http.Client) *HTTPDriver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDriver{client: client}
}

// Get issues a GET against location and returns its body stream. The
// Content-Length header, when present, is reported as size; -1
// otherwise.
func (d *HTTPDriver) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, regerr.Wrap(regerr.ClientConnectionError, "fetch image body", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status fetching %s: %s", location, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// Put always fails: the http driver is read-only.
func (d *HTTPDriver) Put(_ context.Context, _ string, _ io.Reader, _ int64) (string, int64, string, error) {
	return "", 0, "", regerr.New(regerr.Invalid, "http store does not support put")
}

// Delete always fails with StoreDeleteNotSupported, letting the
// scrubber swallow it.
func (d *HTTPDriver) Delete(_ context.Context, _ string) error {
	return ErrDeleteNotSupported("http")
}
