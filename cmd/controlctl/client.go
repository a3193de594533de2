package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/admin"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
)

const apiPrefix = "/admin/v1"

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin API returned %d", e.Status)
	}
	return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string, timeout time.Duration) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

type LoopList struct {
	Loops    []loop.Snapshot `json:"loops"`
	Rejected []struct {
		LoopID int64  `json:"loop_id"`
		Reason string `json:"reason"`
	} `json:"rejected,omitempty"`
}

type TuneRequest struct {
	RelayAmplitude  float64 `json:"relay_amplitude,omitempty"`
	RelayHysteresis float64 `json:"relay_hysteresis,omitempty"`
	MinCycles       int     `json:"min_cycles,omitempty"`
	MaxCycles       int     `json:"max_cycles,omitempty"`
	MaxAmplitude    float64 `json:"max_amplitude,omitempty"`
	TimeoutSec      int     `json:"timeout_sec,omitempty"`
	IntervalMS      int     `json:"interval_ms,omitempty"`
	Rule            string  `json:"rule,omitempty"`
}

func (c *Client) ListLoops(ctx context.Context) (*LoopList, error) {
	var out LoopList
	if err := c.do(ctx, http.MethodGet, "/loops", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetLoop(ctx context.Context, id int64) (*loop.Snapshot, error) {
	var out loop.Snapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/loops/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) ([]loop.HealthSnapshot, error) {
	var out []loop.HealthSnapshot
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartTuning(ctx context.Context, loopID int64, req TuneRequest) (*admin.SessionResponse, error) {
	var out admin.SessionResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/loops/%d/tuning", loopID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*admin.SessionResponse, error) {
	var out admin.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/tuning/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelSession(ctx context.Context, id string) (*admin.SessionResponse, error) {
	var out admin.SessionResponse
	if err := c.do(ctx, http.MethodDelete, "/tuning/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rollback(ctx context.Context, id string) (*admin.SessionResponse, error) {
	var out admin.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/tuning/"+url.PathEscape(id)+"/rollback", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) History(ctx context.Context, loopID int64, limit int) ([]admin.SessionResponse, error) {
	path := fmt.Sprintf("/loops/%d/tuning", loopID)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []admin.SessionResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Reload(ctx context.Context, loopIDs []int64) error {
	body := struct {
		LoopIDs []int64 `json:"loop_ids,omitempty"`
	}{LoopIDs: loopIDs}
	return c.do(ctx, http.MethodPost, "/config/reload", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
