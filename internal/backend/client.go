package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/metrics"
)

// ErrUnreachable reports that a collaborator could not be contacted at all.
var ErrUnreachable = errors.New("collaborator unreachable")

// maxBodyBytes bounds JSON bodies buffered from collaborators.
const maxBodyBytes = 16 << 20

// Options configure the collaborator client.
type Options struct {
	Token       string
	Timeout     time.Duration
	DialTimeout time.Duration
	HTTPClient  *http.Client
}

// Client forwards JSON requests to the crawl backend, API service and MCP client.
type Client struct {
	http  *http.Client
	token string
}

// Request describes one forwarded call. Target names the collaborator for metrics.
type Request struct {
	Target string
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully buffered collaborator response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// New builds a client. The timeout covers buffered JSON calls only; Open callers bound their own context.
func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		if opts.Timeout <= 0 {
			opts.Timeout = 30 * time.Second
		}
		if opts.DialTimeout <= 0 {
			opts.DialTimeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		}
	}
	return &Client{http: client, token: opts.Token}
}

func (c *Client) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", r.Target, err)
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if len(r.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Do performs the request and buffers the response. Non-2xx statuses are not errors.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(r.Target, 0)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, req.Method, r.Target, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstreamRequest(r.Target, resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnreachable, r.Target, err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Open performs the request and returns the live response for streaming passthrough.
// The caller must close the body.
func (c *Client) Open(ctx context.Context, r Request) (*http.Response, error) {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(r.Target, 0)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, req.Method, r.Target, err)
	}
	metrics.ObserveUpstreamRequest(r.Target, resp.StatusCode)
	return resp, nil
}

// OK reports whether the collaborator answered 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON decodes the body into a generic value. Non-JSON bodies come back as a string.
func (r *Response) JSON() interface{} {
	trimmed := bytes.TrimSpace(r.Body)
	if len(trimmed) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed)
	}
	return v
}

// ErrorMessage extracts a human readable failure reason from a collaborator response.
func (r *Response) ErrorMessage() string {
	if obj, ok := r.JSON().(map[string]interface{}); ok {
		for _, key := range []string{"error", "message", "detail"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(r.Body)); s != "" && len(s) <= 512 {
		return s
	}
	return fmt.Sprintf("upstream responded %d", r.Status)
}

// TaskID pulls the task identifier out of a create-task response.
func TaskID(body interface{}) string {
	obj, ok := body.(map[string]interface{})
	if !ok {
		return ""
	}
	if data, ok := obj["data"].(map[string]interface{}); ok {
		if id := TaskID(data); id != "" {
			return id
		}
	}
	for _, key := range []string{"task_id", "taskId", "id"} {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// JoinURL joins a base URL and a path without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
