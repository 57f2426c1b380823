package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/httputil"
	"github.com/banshee-data/noise.report/internal/slice"
	"github.com/banshee-data/noise.report/internal/stream"
)

// Client talks to a running noise server.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient creates a Client for the server at base, e.g.
// "http://localhost:8080". A nil hc uses a client with a 10 s timeout.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// Snapshot fetches the live view.
func (c *Client) Snapshot(ctx context.Context) (stream.Snapshot, error) {
	var snap stream.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, &snap)
	return snap, err
}

// Slices fetches the stored slices overlapping [from, to]. Zero times leave
// the range open.
func (c *Client) Slices(ctx context.Context, from, to time.Time) ([]slice.Summary, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		q.Set("to", strconv.FormatInt(to.UnixMilli(), 10))
	}
	path := "/api/slices"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list []slice.Summary
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

// Settings fetches the effective settings.
func (c *Client) Settings(ctx context.Context) (*config.Settings, error) {
	var resp settingsResponse
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// ChangeSettings posts a partial settings patch for event and returns the
// effective settings afterwards.
func (c *Client) ChangeSettings(ctx context.Context, event config.Event, patch *config.Settings) (*config.Settings, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var resp changeResponse
	if err := c.do(ctx, http.MethodPost, "/api/settings/"+url.PathEscape(string(event)), body, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// Restart asks the server to restart capture.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/restart", []byte("{}"), nil)
}

// ClearHistory deletes every stored slice.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/slices", nil, nil)
}
