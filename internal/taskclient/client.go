package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrStreamStatus is returned when the stream route answers with a non-2xx status.
var ErrStreamStatus = errors.New("stream request failed")

// Client talks to the gateway's JSON and stream routes.
type Client struct {
	BaseURL string
	Token   string
	// Timeout bounds JSON calls. Streams are bounded only by their context.
	Timeout time.Duration
	HTTP    *http.Client
}

// APIError is a failure envelope returned by the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Status  int             `json:"status"`
}

// CreatedTask is the normalized response of CreateTask.
type CreatedTask struct {
	TaskID   string      `json:"taskId"`
	Kind     string      `json:"kind"`
	Upstream interface{} `json:"upstream,omitempty"`
}

// TaskSummary is a task recorded by the gateway.
type TaskSummary struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// TaskProgress is the tracked progress log served by the gateway.
type TaskProgress struct {
	Task  TaskSummary `json:"task"`
	Steps []struct {
		Seq       int                    `json:"seq"`
		EventType string                 `json:"eventType"`
		State     string                 `json:"state"`
		Message   string                 `json:"message,omitempty"`
		Data      map[string]interface{} `json:"data,omitempty"`
		CreatedAt time.Time              `json:"createdAt"`
	} `json:"steps"`
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Kind   string
	Status string
	Limit  int
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// StreamPath returns the gateway route relaying kind/taskID. An empty kind uses /stream/{taskId}.
func StreamPath(kind, taskID string) string {
	if kind == "" {
		return "/stream/" + url.PathEscape(taskID)
	}
	return "/tasks/" + url.PathEscape(kind) + "/" + url.PathEscape(taskID) + "/stream"
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, target interface{}) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if !env.Success || resp.StatusCode >= 300 {
		status := env.Status
		if status == 0 {
			status = resp.StatusCode
		}
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: status, Message: msg}
	}
	if target == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, target)
}

// CreateTask starts a task of the given kind.
func (c *Client) CreateTask(ctx context.Context, kind string, payload interface{}) (*CreatedTask, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out CreatedTask
	if err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(kind), body, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, errors.New("gateway returned no task id")
	}
	return &out, nil
}

// TaskStatus fetches the upstream status document for a task.
func (c *Client) TaskStatus(ctx context.Context, kind, taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	path := "/tasks/" + url.PathEscape(kind) + "/" + url.PathEscape(taskID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTasks lists tasks recorded by the gateway.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]TaskSummary, error) {
	q := url.Values{}
	if opts.Kind != "" {
		q.Set("kind", opts.Kind)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Tasks []TaskSummary `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Progress fetches the tracked progress log for a task.
func (c *Client) Progress(ctx context.Context, kind, taskID string) (*TaskProgress, error) {
	var out TaskProgress
	path := "/tasks/" + url.PathEscape(kind) + "/" + url.PathEscape(taskID) + "/progress"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe opens one stream session and invokes fn for each recognized event.
// Returning false from fn stops the session. A clean end of stream returns nil.
func (c *Client) Subscribe(ctx context.Context, kind, taskID string, fn func(Event) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(StreamPath(kind, taskID)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrStreamStatus, resp.Status)
	}

	dec := NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		evt, err := ParseEvent([]byte(frame.Data))
		if err != nil {
			continue
		}
		if fn != nil && !fn(evt) {
			return nil
		}
	}
}

// Follow applies the task's events to p, re-subscribing with backoff while the
// stream ends without a final or error event. When attempts run out p is marked
// incomplete and the last transport error, if any, is returned.
func (c *Client) Follow(ctx context.Context, kind, taskID string, p *Progress, retry RetryConfig, onChange func(Transition)) error {
	cfg := retry.normalized()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if delay := cfg.backoffDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				p.MarkIncomplete()
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.Subscribe(ctx, kind, taskID, func(evt Event) bool {
			tr, ok := p.Apply(evt)
			if ok && onChange != nil {
				onChange(tr)
			}
			return !p.Done()
		})
		if p.Done() {
			return nil
		}
		if ctx.Err() != nil {
			p.MarkIncomplete()
			return ctx.Err()
		}
		// The relay answers 200 even on upstream failure, so a rejected stream is not transient.
		if errors.Is(lastErr, ErrStreamStatus) {
			break
		}
	}
	p.MarkIncomplete()
	return lastErr
}

// BusEvent mirrors one envelope emitted by the gateway's /events feed.
type BusEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Events tails /events and invokes fn for each envelope. Returning false stops the feed.
func (c *Client) Events(ctx context.Context, fn func(BusEvent) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}

	dec := NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var evt BusEvent
		if err := json.Unmarshal([]byte(frame.Data), &evt); err != nil {
			continue
		}
		if evt.Type == "" {
			evt.Type = frame.Event
		}
		if evt.ID == "" {
			evt.ID = frame.ID
		}
		if fn != nil && !fn(evt) {
			return nil
		}
	}
}
