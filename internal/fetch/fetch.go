// Package fetch retrieves the remote manifest and individual release files
// over HTTP with cache-defeating headers and bounded timeouts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taozi8887/toa-launcher/internal/manifest"
)

// ErrRemoteUnavailable covers network errors, timeouts and non-2xx responses.
// The updater recovers from it by skipping the update cycle entirely.
var ErrRemoteUnavailable = errors.New("remote unavailable")

const (
	manifestTimeout  = 10 * time.Second
	firstByteTimeout = 30 * time.Second
)

// Client fetches release artifacts from a single remote base URL.
type Client struct {
	baseURL      string
	manifestName string

	// manifestClient bounds the whole manifest request; fileClient only
	// bounds time to first byte, since file bodies can be large.
	manifestClient *http.Client
	fileClient     *http.Client
}

func New(baseURL, manifestName string) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		manifestName:   manifestName,
		manifestClient: &http.Client{Timeout: manifestTimeout},
		fileClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: firstByteTimeout,
			},
		},
	}
}

// Manifest fetches and parses the remote version descriptor.
func (c *Client) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	resp, err := c.get(ctx, c.manifestClient, c.manifestName)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", ErrRemoteUnavailable, err)
	}
	return manifest.Parse(data)
}

// File opens a streaming GET for one release file and returns the body
// together with the declared content length. The caller owns the body.
func (c *Client) File(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	resp, err := c.get(ctx, c.fileClient, path)
	if err != nil {
		return nil, 0, err
	}
	if resp.ContentLength < 0 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: no content length for %s", ErrRemoteUnavailable, path)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) get(ctx context.Context, client *http.Client, path string) (*http.Response, error) {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	// Defeat intermediary caches: a stale manifest or file here means the
	// digest check fails later for no good reason.
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrRemoteUnavailable, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: HTTP %d", ErrRemoteUnavailable, path, resp.StatusCode)
	}
	return resp, nil
}
