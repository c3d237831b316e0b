// Package rest implements the backend store and blob contracts over the
// hosted service's HTTP API (PostgREST-style row filters, a storage bucket
// endpoint and an OTP auth endpoint).
package rest

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

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/model"
)

// Client talks to the hosted backend. It is safe for concurrent use once
// configured; the session token is set before the engine starts.
type Client struct {
	baseURL string
	apiKey  string
	bucket  string
	token   string
	user    *model.User
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBucket sets the storage bucket used for attachment uploads.
func WithBucket(name string) Option {
	return func(c *Client) { c.bucket = name }
}

// New creates a client for the backend at baseURL authenticated with the
// project API key. Per-user authorization is added via SetSession.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  "attachments",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSession attaches a user access token to subsequent requests.
func (c *Client) SetSession(token string) {
	c.token = token
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// apiError is the backend's error document.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rest: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotAcceptable || resp.StatusCode == http.StatusNotFound {
		return backend.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("rest: %s %s: %s (%s)", req.Method, req.URL.Path, ae.Message, ae.Code)
		}
		return fmt.Errorf("rest: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if dest == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	return nil
}

func encodeQuery(q backend.Query) string {
	params := url.Values{}
	if q.Select != "" {
		params.Set("select", q.Select)
	}
	for _, f := range q.Filters {
		params.Set(f.Column, f.Op+"."+f.Value)
	}
	if q.OrderBy != "" {
		dir := "desc"
		if q.Ascending {
			dir = "asc"
		}
		params.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params.Encode()
}

// Select implements backend.Store.
func (c *Client) Select(ctx context.Context, q backend.Query, dest any) error {
	path := "/rest/v1/" + q.Table
	if enc := encodeQuery(q); enc != "" {
		path += "?" + enc
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

// Single implements backend.Store. A missing row is backend.ErrNotFound.
func (c *Client) Single(ctx context.Context, q backend.Query, dest any) error {
	path := "/rest/v1/" + q.Table
	if enc := encodeQuery(q); enc != "" {
		path += "?" + enc
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	// Object representation: the server rejects the request with 406 when
	// the filter matches zero or multiple rows.
	req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	return c.do(req, dest)
}

// Insert implements backend.Store. The server representation, including
// assigned id and timestamps, is decoded into dest when non-nil.
func (c *Client) Insert(ctx context.Context, table string, row any, dest any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("rest: encode row: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/"+table, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if dest != nil {
		req.Header.Set("Prefer", "return=representation")
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	return c.do(req, dest)
}

// Update implements backend.Store.
func (c *Client) Update(ctx context.Context, table string, values map[string]any, filters []backend.Filter) error {
	body, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("rest: encode values: %w", err)
	}
	path := "/rest/v1/" + table
	if enc := encodeQuery(backend.Query{Filters: filters}); enc != "" {
		path += "?" + enc
	}
	req, err := c.newRequest(ctx, http.MethodPatch, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// RPC implements backend.Store.
func (c *Client) RPC(ctx context.Context, fn string, args map[string]any, dest any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rest: encode rpc args: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

var _ backend.Store = (*Client)(nil)
