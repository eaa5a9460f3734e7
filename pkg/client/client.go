// Package client provides the HTTP transport used by the coordination core.
//
// It never retries side-effecting requests: every failure is classified
// (cancelled, rejected, malformed, network) and returned to the caller.
package client

import (
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
	"sync"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

const maxBodySize = 8 << 20

// Client talks to the file server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// Response is the transport-level result of a request.
type Response struct {
	OK         bool
	Status     int
	Data       json.RawMessage
	Redirected bool
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: hc,
		online:     true,
		authToken:  cfg.AuthToken,
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

func (c *Client) applyAuth(req *http.Request) {
	if t := c.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}

// IsOnline returns false after a transport failure until the next success.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", logging.String("server", c.baseURL))
		} else {
			logging.Warn("server is unreachable", logging.String("server", c.baseURL))
		}
	}
	c.online = online
}

// GetJSON issues a GET and returns the raw JSON body. Cancelling ctx aborts
// the request and yields ErrCancelled.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values) (*Response, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(ctx, req)
}

// PostForm issues a form-encoded POST. It is never retried.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) (*Response, error) {
	c.applyAuth(req)
	op := req.Method + " " + req.URL.Path

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%s: %w", op, ErrCancelled)
		}
		c.setOnline(false)
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%s: %w", op, ErrCancelled)
		}
		c.setOnline(false)
		return nil, &NetworkError{Op: op, Err: err}
	}
	c.setOnline(true)

	out := &Response{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		Redirected: resp.Request != nil && resp.Request.URL.String() != req.URL.String(),
	}
	if !json.Valid(body) {
		return out, &MalformedError{Status: resp.StatusCode, Preview: preview(body), Err: errors.New("body is not JSON")}
	}
	out.Data = body
	return out, nil
}

// decode unmarshals a JSON response into v, turning transport-level
// failures into the error taxonomy.
func decode(resp *Response, v any) error {
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return &MalformedError{Status: resp.Status, Preview: preview(resp.Data), Err: err}
	}
	return nil
}

func rejected(resp *Response) error {
	var er protocol.ErrorResponse
	if json.Unmarshal(resp.Data, &er) == nil && er.Error != "" {
		return &RejectedError{Status: resp.Status, Message: er.Error}
	}
	return &RejectedError{Status: resp.Status}
}

// ListFiles fetches one page of the filtered file list.
func (c *Client) ListFiles(ctx context.Context, q protocol.ListQuery) (*protocol.ListResponse, error) {
	params := url.Values{}
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("limit", strconv.Itoa(q.Limit))
	if s := strings.TrimSpace(q.Query.Text); s != "" {
		params.Set("q", s)
	}
	if q.Query.From != "" {
		params.Set("from", q.Query.From)
	}
	if q.Query.To != "" {
		params.Set("to", q.Query.To)
	}
	if q.Query.Visibility != "" {
		params.Set("vis", string(q.Query.Visibility))
	}

	resp, err := c.GetJSON(ctx, "/api/list", params)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, rejected(resp)
	}

	var lr protocol.ListResponse
	if err := decode(resp, &lr); err != nil {
		return nil, err
	}
	if !bool(lr.OK) {
		return nil, &RejectedError{Status: resp.Status, Message: lr.Error}
	}
	return &lr, nil
}

// Stats fetches the index summary.
func (c *Client) Stats(ctx context.Context) (*protocol.Stats, error) {
	resp, err := c.GetJSON(ctx, "/api/stats", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, rejected(resp)
	}

	var sr protocol.StatsResponse
	if err := decode(resp, &sr); err != nil {
		return nil, err
	}
	if !bool(sr.OK) {
		return nil, &RejectedError{Status: resp.Status, Message: sr.Error}
	}
	if sr.Stats == nil {
		return nil, &MalformedError{Status: resp.Status, Preview: preview(resp.Data), Err: errors.New("missing stats")}
	}
	return sr.Stats, nil
}

// Action posts a mutating action. A response carrying err messages is not an
// error at this level; the caller reports it.
func (c *Client) Action(ctx context.Context, action string, form url.Values) (*protocol.ActionResponse, error) {
	if form == nil {
		form = url.Values{}
	}
	form.Set("action", action)

	resp, err := c.PostForm(ctx, "/api/action", form)
	if err != nil {
		return nil, err
	}

	var ar protocol.ActionResponse
	if err := decode(resp, &ar); err != nil {
		return nil, err
	}
	if !resp.OK && len(ar.Err) == 0 && len(ar.OK) == 0 && ar.Redirect == "" {
		return nil, rejected(resp)
	}
	return &ar, nil
}

// Delete removes one file.
func (c *Client) Delete(ctx context.Context, name string) (*protocol.ActionResponse, error) {
	return c.Action(ctx, protocol.ActionDelete, url.Values{"name": {name}})
}

// SetShared toggles the share state of one file.
func (c *Client) SetShared(ctx context.Context, name string, shared bool) (*protocol.ActionResponse, error) {
	action := protocol.ActionUnshare
	if shared {
		action = protocol.ActionShare
	}
	return c.Action(ctx, action, url.Values{"name": {name}})
}

// DeleteAll removes every file from storage.
func (c *Client) DeleteAll(ctx context.Context) (*protocol.ActionResponse, error) {
	return c.Action(ctx, protocol.ActionDeleteAll, nil)
}

// CheckIndex asks the server to compare its index with storage.
func (c *Client) CheckIndex(ctx context.Context) (*protocol.ActionResponse, error) {
	return c.Action(ctx, protocol.ActionCheckIndex, nil)
}

// RebuildIndex asks the server to rebuild its index from storage.
func (c *Client) RebuildIndex(ctx context.Context) (*protocol.ActionResponse, error) {
	return c.Action(ctx, protocol.ActionRebuildIndex, nil)
}
