// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/ledgerflow/internal/backoff"
	"github.com/tombee/ledgerflow/internal/scheduler"
)

// APIError is a non-2xx reply from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %s (%d)", e.Message, e.StatusCode)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how many times idempotent requests are retried.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// Client talks to a node's admin API.
type Client struct {
	base    string
	token   string
	retries int
	http    *http.Client
}

// NewClient returns a client for the API at baseURL authenticating with
// token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		retries: 3,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 90 * time.Second}
	}
	if c.retries > 0 {
		hc := *c.http
		hc.Transport = &retryTransport{
			base:     c.http.Transport,
			attempts: c.retries + 1,
			backoff:  backoff.NewExponential(100*time.Millisecond, 5*time.Second),
		}
		c.http = &hc
	}
	return c
}

// ListFlows returns live flows, optionally filtered by status and name.
func (c *Client) ListFlows(ctx context.Context, status, name string) ([]scheduler.FlowInfo, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if name != "" {
		q.Set("name", name)
	}
	var out FlowListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/flows", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Flows, nil
}

// StartFlow starts the named flow and returns its id.
func (c *Client) StartFlow(ctx context.Context, name string, args json.RawMessage) (string, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/flows", nil, StartRequest{Name: name, Args: args}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetFlow describes a flow, waiting up to wait for it to finish.
func (c *Client) GetFlow(ctx context.Context, id string, wait time.Duration) (*FlowResponse, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var out FlowResponse
	if err := c.do(ctx, http.MethodGet, "/v1/flows/"+url.PathEscape(id), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry discharges a hospitalized flow.
func (c *Client) Retry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/flows/"+url.PathEscape(id)+"/retry", nil, nil, nil)
}

// Kill fails a flow.
func (c *Client) Kill(ctx context.Context, id, reason string) error {
	var body any
	if reason != "" {
		body = KillRequest{Reason: reason}
	}
	return c.do(ctx, http.MethodPost, "/v1/flows/"+url.PathEscape(id)+"/kill", nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "ledgerflow-cli")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// retryTransport retries idempotent requests that failed on the network or
// with a 5xx, 408 or 429 status.
type retryTransport struct {
	base     http.RoundTripper
	attempts int
	backoff  backoff.Strategy
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if attempt > 1 {
			delay := t.backoff.Delay(req.URL.Path, attempt-1)
			if resp != nil {
				if after := retryAfter(resp); after > 0 && after < delay {
					delay = after
				}
				resp.Body.Close()
			}
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}
		resp, err = base.RoundTrip(req)
		if err != nil {
			if !retryableErr(err) || attempt == t.attempts {
				return nil, err
			}
			resp = nil
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func retryableErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		return time.Until(at)
	}
	return 0
}
