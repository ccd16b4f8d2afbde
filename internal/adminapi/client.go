package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/automation"
)

// Client talks to a running daemon's admin API.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient accepts "host:port" or a full base URL.
func NewClient(addr string, hc *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{base: base, hc: hc}
}

func (c *Client) do(ctx context.Context, method, path string, want map[int]bool, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, http.NoBody)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "read response")
	}
	if !want[resp.StatusCode] {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			return resp.StatusCode, errors.Newf("%s %s: %d %s", method, path, resp.StatusCode, eb.Error)
		}
		return resp.StatusCode, errors.Newf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode response")
		}
	}
	return resp.StatusCode, nil
}

var okOnly = map[int]bool{http.StatusOK: true}

// Health returns the health body. An unhealthy scheduler (503) is reported
// through Status, not as an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	_, err := c.do(ctx, http.MethodGet, "/healthz",
		map[int]bool{http.StatusOK: true, http.StatusServiceUnavailable: true}, &h)
	return h, err
}

func (c *Client) Automations(ctx context.Context) ([]automation.Info, error) {
	var out []automation.Info
	_, err := c.do(ctx, http.MethodGet, "/automations", okOnly, &out)
	return out, err
}

func (c *Client) Automation(ctx context.Context, name automation.Name) (automation.Info, error) {
	var out automation.Info
	_, err := c.do(ctx, http.MethodGet, "/automations/"+url.PathEscape(string(name)), okOnly, &out)
	return out, err
}

// Trigger requests a manual run. Conflicts and accepted-but-running answers
// are returned as results, not errors.
func (c *Client) Trigger(ctx context.Context, name automation.Name) (TriggerResult, error) {
	var out TriggerResult
	_, err := c.do(ctx, http.MethodPost, "/automations/"+url.PathEscape(string(name))+"/trigger",
		map[int]bool{
			http.StatusOK:                  true,
			http.StatusAccepted:            true,
			http.StatusConflict:            true,
			http.StatusInternalServerError: true,
		}, &out)
	return out, err
}

func (c *Client) Stale(ctx context.Context) (StaleResponse, error) {
	var out StaleResponse
	_, err := c.do(ctx, http.MethodGet, "/stale", okOnly, &out)
	return out, err
}
