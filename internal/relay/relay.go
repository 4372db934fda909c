// Package relay bridges one downstream event-stream consumer to one upstream
// task stream. Bytes are forwarded exactly as read, in order, and flushed
// after every chunk; frames are never parsed or re-encoded.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskIDPlaceholder marks where the task identifier goes in a URL template.
const TaskIDPlaceholder = "{taskId}"

const defaultBufferSize = 32 * 1024

// State is a relay session state.
type State string

const (
	StateConnecting  State = "connecting"
	StateStreaming   State = "streaming"
	StateClosedClean State = "closed_clean"
	StateClosedError State = "closed_error"
)

var (
	// ErrUpstreamUnreachable means the upstream connection could not be established.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamStatus means upstream answered with a non-2xx status before streaming.
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	// ErrMidStream means the upstream stream failed after streaming began.
	ErrMidStream = errors.New("upstream stream interrupted")
	// ErrDownstreamClosed means the consumer went away first. Not a failure.
	ErrDownstreamClosed = errors.New("downstream closed")
)

// StatusError carries the upstream status for ErrUpstreamStatus.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %s", e.Status)
}

// Is reports ErrUpstreamStatus so callers can use errors.Is.
func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// Session identifies one downstream connection and its upstream stream.
type Session struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	TaskID      string    `json:"taskId"`
	UpstreamURL string    `json:"-"`
	StartedAt   time.Time `json:"startedAt"`
}

// Result summarizes a finished session.
type Result struct {
	State          State         `json:"state"`
	Err            error         `json:"-"`
	Connected      bool          `json:"connected"`
	Bytes          int64         `json:"bytes"`
	Chunks         int           `json:"chunks"`
	ErrorFrameSent bool          `json:"errorFrameSent"`
	Duration       time.Duration `json:"duration"`
}

// Reason is a short, low-cardinality label for how the session ended.
func (r Result) Reason() string {
	switch {
	case r.Err == nil:
		return "eof"
	case errors.Is(r.Err, ErrDownstreamClosed):
		return "downstream_closed"
	case errors.Is(r.Err, ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(r.Err, ErrUpstreamStatus):
		return "upstream_status"
	case errors.Is(r.Err, ErrMidStream):
		return "mid_stream"
	default:
		return "unknown"
	}
}

// Observer is notified when sessions open and close. Implementations must be
// safe for concurrent use.
type Observer interface {
	SessionOpened(Session)
	SessionClosed(Session, Result)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) SessionOpened(s Session) {
	for _, obs := range o {
		if obs != nil {
			obs.SessionOpened(s)
		}
	}
}

func (o Observers) SessionClosed(s Session, r Result) {
	for _, obs := range o {
		if obs != nil {
			obs.SessionClosed(s, r)
		}
	}
}

// Options configures a Relay.
type Options struct {
	Kind        string
	URLTemplate string
	Client      *http.Client
	// Header is added to every upstream request (e.g. backend auth).
	Header     http.Header
	BufferSize int
	Observer   Observer
}

// Relay opens upstream task streams for one task kind.
type Relay struct {
	kind     string
	template string
	client   *http.Client
	header   http.Header
	bufSize  int
	observer Observer
}

// New validates opts and builds a Relay.
func New(opts Options) (*Relay, error) {
	if !strings.Contains(opts.URLTemplate, TaskIDPlaceholder) {
		return nil, fmt.Errorf("relay %q: url template %q must contain %s", opts.Kind, opts.URLTemplate, TaskIDPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(opts.URLTemplate, TaskIDPlaceholder, "x")); err != nil {
		return nil, fmt.Errorf("relay %q: invalid url template: %w", opts.Kind, err)
	}
	if opts.Client == nil {
		opts.Client = NewHTTPClient(10 * time.Second)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Observer == nil {
		opts.Observer = Observers(nil)
	}
	return &Relay{
		kind:     opts.Kind,
		template: opts.URLTemplate,
		client:   opts.Client,
		header:   opts.Header.Clone(),
		bufSize:  opts.BufferSize,
		observer: opts.Observer,
	}, nil
}

// NewHTTPClient returns a client suited to long-lived streams: no overall
// timeout, bounded dial/TLS setup and no transparent compression.
func NewHTTPClient(dialTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = dialTimeout
	transport.DisableCompression = true
	return &http.Client{Transport: transport}
}

// Kind returns the task kind served by this relay.
func (r *Relay) Kind() string {
	return r.kind
}

// UpstreamURL expands the template for taskID.
func (r *Relay) UpstreamURL(taskID string) string {
	return strings.ReplaceAll(r.template, TaskIDPlaceholder, url.PathEscape(taskID))
}

// Serve runs one relay session, writing the stream to w until upstream ends,
// upstream fails or ctx is cancelled. It never returns before the upstream
// response body is closed.
func (r *Relay) Serve(ctx context.Context, taskID string, w http.ResponseWriter) Result {
	sess := Session{
		ID:          uuid.NewString(),
		Kind:        r.kind,
		TaskID:      taskID,
		UpstreamURL: r.UpstreamURL(taskID),
		StartedAt:   time.Now().UTC(),
	}
	r.observer.SessionOpened(sess)
	res := r.serve(ctx, sess, w)
	res.Duration = time.Since(sess.StartedAt)
	r.observer.SessionClosed(sess, res)
	return res
}

func (r *Relay) serve(ctx context.Context, sess Session, w http.ResponseWriter) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc := http.NewResponseController(w)
	// Streams outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})
	flush := func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	setStreamHeaders(w.Header())

	resp, err := r.connect(ctx, sess.UpstreamURL)
	if err != nil {
		if ctx.Err() != nil {
			return Result{State: StateClosedError, Err: ErrDownstreamClosed}
		}
		w.WriteHeader(http.StatusOK)
		return Result{
			State:          StateClosedError,
			Err:            err,
			ErrorFrameSent: writeErrorFrame(w, flush, connectFailureMessage(err)),
		}
	}
	defer resp.Body.Close()

	w.WriteHeader(http.StatusOK)
	res := Result{State: StateStreaming, Connected: true}
	if err := flush(); err != nil {
		res.State, res.Err = StateClosedError, ErrDownstreamClosed
		return res
	}

	buf := make([]byte, r.bufSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				res.State, res.Err = StateClosedError, ErrDownstreamClosed
				return res
			}
			if ferr := flush(); ferr != nil {
				res.State, res.Err = StateClosedError, ErrDownstreamClosed
				return res
			}
			res.Bytes += int64(n)
			res.Chunks++
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			res.State = StateClosedClean
			return res
		}
		if ctx.Err() != nil {
			res.State, res.Err = StateClosedError, ErrDownstreamClosed
			return res
		}
		res.State = StateClosedError
		res.Err = fmt.Errorf("%w: %v", ErrMidStream, rerr)
		res.ErrorFrameSent = writeErrorFrame(w, flush, "task stream interrupted")
		return res
	}
}

func (r *Relay) connect(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	for key, values := range r.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

func setStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func connectFailureMessage(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("task stream unavailable: upstream responded %d", statusErr.Code)
	}
	return "failed to connect to task stream"
}

type errorFrame struct {
	Type string         `json:"type"`
	Data errorFrameData `json:"data"`
}

type errorFrameData struct {
	Message string `json:"message"`
}

// ErrorFrame renders the synthetic error frame emitted on upstream failure.
func ErrorFrame(message string) []byte {
	payload, err := json.Marshal(errorFrame{Type: "error", Data: errorFrameData{Message: message}})
	if err != nil {
		payload = []byte(`{"type":"error","data":{"message":"stream error"}}`)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}

func writeErrorFrame(w io.Writer, flush func() error, message string) bool {
	if _, err := w.Write(ErrorFrame(message)); err != nil {
		return false
	}
	return flush() == nil
}
