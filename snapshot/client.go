package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcus-crane/signpost/config"
	"github.com/marcus-crane/signpost/utils"
)

// Snapshots are a few hundred KB at most. Anything larger is not a snapshot.
const maxSnapshotBytes = 32 << 20

type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewClient builds a client for the snapshot route. When httpClient is nil, a
// client bounded by timeout is created.
func NewClient(cfg config.CMSConfig, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = utils.NewHTTPClient(timeout)
	}
	return &Client{
		url:    cfg.RouteSnapshot,
		apiKey: cfg.APIKey,
		http:   httpClient,
	}
}

// Fetch retrieves and validates the current snapshot. Failing to reach the CMS
// yields an error wrapping ErrTransport while a body that can't be trusted
// yields a *ValidationError.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %w", ErrTransport, err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		slog.Error("Failed to fetch snapshot",
			slog.String("url", c.url),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		slog.Error("CMS returned an unexpected status for snapshot",
			slog.String("url", c.url),
			slog.Int("status", res.StatusCode))
		return nil, fmt.Errorf("%w: unexpected status %s", ErrTransport, res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxSnapshotBytes))
	if err != nil {
		slog.Error("Failed to read snapshot body", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: failed to read body: %w", ErrTransport, err)
	}

	return Parse(body)
}

// Parse decodes and validates a snapshot payload, keeping a copy of the raw bytes
func Parse(body []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}, Err: err}
	}
	if err := Validate(&snap); err != nil {
		return nil, err
	}
	snap.Raw = append([]byte(nil), body...)
	return &snap, nil
}
