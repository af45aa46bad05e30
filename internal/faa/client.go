package faa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const clientTimeout = 10 * time.Second

// Client queries the registration authority over HTTP. It is deliberately
// thin: the engine only depends on the Fetcher contract, and deployments
// point it at whatever lookup service they run.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL; the identifier is
// appended as a path segment.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// FetchRegistration implements Fetcher. A 404 from the authority is a
// confirmed not-found; any transport failure or unexpected status is a
// transient error and must not be cached.
func (c *Client) FetchRegistration(ctx context.Context, identifier string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(identifier))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying registry: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound

	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("registry returned status %s", resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading registry response: %w", err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("registry returned invalid JSON")
	}
	return payload, nil
}
