package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/config"
	"github.com/oremus-labs/ol-crawl-gateway/internal/backend"
	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
	"github.com/oremus-labs/ol-crawl-gateway/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const dailyFrames = "data: {\"type\":\"status\"}\n\ndata: {\"type\":\"final\",\"data\":{\"pages\":1}}\n\n"

// fakeBackend imitates the crawl backend, API service and MCP client on one server.
func fakeBackend(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.RequestURI()+" "+string(body))
		mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/crawl/daily":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"task_id":"t-1","status":"queued"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/rag/crawl":
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"detail":"url is required"}`)
		case r.URL.Path == "/api/crawl/daily/t-1":
			fmt.Fprint(w, `{"status":"running","progress":40}`)
		case r.URL.Path == "/api/crawl/daily/t-1/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, dailyFrames)
		case r.URL.Path == "/api/crawl/daily/t-1/download":
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="t-1.csv"`)
			fmt.Fprint(w, "url,title\nhttps://example.com,Example\n")
		case strings.HasPrefix(r.URL.Path, "/menu-links"), r.URL.Path == "/compare", r.URL.Path == "/query":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"method":%q,"path":%q}`, r.Method, r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

type testEnv struct {
	handler *Handler
	store   *store.Store
	bus     *events.Bus
	tracker *recordingScheduler
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingScheduler) Schedule(ctx context.Context, kind, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind+"/"+taskID)
	return nil
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	kinds := config.DefaultTaskKinds(upstreamURL)
	var relays []*relay.Relay
	for name, k := range kinds {
		r, err := relay.New(relay.Options{Kind: name, URLTemplate: k.Stream})
		if err != nil {
			t.Fatalf("relay.New: %v", err)
		}
		relays = append(relays, r)
	}
	reg, err := relay.NewRegistry("daily", relays...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "sqlite")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	checker, err := validator.New(validator.Options{})
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	bus := events.NewBus(events.Options{})
	sched := &recordingScheduler{}

	h := New(reg, backend.New(backend.Options{}), st, bus, sched, checker, Options{
		Kinds:           kinds,
		APIBaseURL:      upstreamURL,
		MCPClientURL:    upstreamURL,
		EventsHeartbeat: 20 * time.Millisecond,
	})
	return &testEnv{handler: h, store: st, bus: bus, tracker: sched}
}

func newContext(method, target string, body io.Reader, params ...gin.Param) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, body)
	if body != nil {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	c.Params = params
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestCreateTaskRecordsAndSchedules(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, _ := env.bus.Subscribe(ctx)

	c, w := newContext(http.MethodPost, "/tasks/daily", strings.NewReader(`{"url":"https://example.com"}`), gin.Param{Key: "kind", Value: "daily"})
	env.handler.CreateTask(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d body=%s", w.Code, w.Body.String())
	}
	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]interface{})
	if body["success"] != true || data["taskId"] != "t-1" || data["streamUrl"] != "/tasks/daily/t-1/stream" {
		t.Fatalf("unexpected envelope %+v", body)
	}

	task, err := env.store.GetTask(context.Background(), "daily", "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskPending || task.Payload["url"] != "https://example.com" {
		t.Fatalf("unexpected stored task %+v", task)
	}
	if len(env.tracker.calls) != 1 || env.tracker.calls[0] != "daily/t-1" {
		t.Fatalf("unexpected schedule calls %v", env.tracker.calls)
	}
	select {
	case evt := <-feed:
		if evt.Type != events.TypeTaskCreated {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected task.created event")
	}
}

func TestCreateTaskUpstreamErrorEnvelope(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodPost, "/tasks/rag", strings.NewReader(`{}`), gin.Param{Key: "kind", Value: "rag"})
	env.handler.CreateTask(c)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 got %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["success"] != false || body["error"] != "url is required" || body["status"] != float64(422) {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if len(env.tracker.calls) != 0 {
		t.Fatalf("failed creation must not schedule tracking")
	}
}

func TestCreateTaskUnreachableBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	env := newTestEnv(t, url)

	c, w := newContext(http.MethodPost, "/tasks/daily", strings.NewReader(`{}`), gin.Param{Key: "kind", Value: "daily"})
	env.handler.CreateTask(c)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502 got %d", w.Code)
	}
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodPost, "/tasks/weekly", strings.NewReader(`{}`), gin.Param{Key: "kind", Value: "weekly"})
	env.handler.CreateTask(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", w.Code)
	}

	c, w = newContext(http.MethodPost, "/tasks/daily", strings.NewReader(`{not json`), gin.Param{Key: "kind", Value: "daily"})
	env.handler.CreateTask(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestTaskStatusPassthrough(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodGet, "/tasks/daily/t-1", nil, gin.Param{Key: "kind", Value: "daily"}, gin.Param{Key: "taskId", Value: "t-1"})
	env.handler.TaskStatus(c)

	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]interface{})
	if w.Code != http.StatusOK || data["status"] != "running" {
		t.Fatalf("unexpected status response %d %+v", w.Code, body)
	}
}

func TestDownloadTaskPassesBytes(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodGet, "/tasks/daily/t-1/download", nil, gin.Param{Key: "kind", Value: "daily"}, gin.Param{Key: "taskId", Value: "t-1"})
	env.handler.DownloadTask(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="t-1.csv"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv") || !strings.Contains(w.Body.String(), "https://example.com") {
		t.Fatalf("unexpected download %q %q", w.Header().Get("Content-Type"), w.Body.String())
	}
}

func TestStreamTaskRelaysFrames(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodGet, "/stream/t-1", nil, gin.Param{Key: "taskId", Value: "t-1"})
	env.handler.StreamDefault(c)

	if w.Body.String() != dailyFrames {
		t.Fatalf("relayed bytes mismatch: %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Fatalf("unexpected content type %q", got)
	}

	c, w = newContext(http.MethodGet, "/tasks/nope/t-1/stream", nil, gin.Param{Key: "kind", Value: "nope"}, gin.Param{Key: "taskId", Value: "t-1"})
	env.handler.StreamTask(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", w.Code)
	}
}

func TestStreamUnknownTaskEmitsErrorFrame(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodGet, "/tasks/rag/missing/stream", nil, gin.Param{Key: "kind", Value: "rag"}, gin.Param{Key: "taskId", Value: "missing"})
	env.handler.StreamTask(c)

	if w.Code != http.StatusOK {
		t.Fatalf("stream failures must answer 200, got %d", w.Code)
	}
	if strings.Count(w.Body.String(), `"type":"error"`) != 1 {
		t.Fatalf("expected exactly one error frame, got %q", w.Body.String())
	}
}

func TestMenuLinkProxyAndValidation(t *testing.T) {
	t.Parallel()

	srv, seen := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodPut, "/menu-links/7", strings.NewReader(`{"title":"Docs","url":"https://docs"}`), gin.Param{Key: "id", Value: "7"})
	env.handler.UpdateMenuLink(c)
	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]interface{})
	if w.Code != http.StatusOK || data["method"] != "PUT" || data["path"] != "/menu-links/7" {
		t.Fatalf("unexpected proxy response %d %+v", w.Code, body)
	}

	before := len(seen())
	c, w = newContext(http.MethodPost, "/menu-links", strings.NewReader(`{"title":"Docs"}`))
	env.handler.CreateMenuLink(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid menu link, got %d", w.Code)
	}
	if len(seen()) != before {
		t.Fatalf("invalid payload must not reach the API service")
	}

	c, w = newContext(http.MethodGet, "/menu-links?category=nav", nil)
	env.handler.ListMenuLinks(c)
	requests := seen()
	if w.Code != http.StatusOK || !strings.Contains(requests[len(requests)-1], "/menu-links?category=nav") {
		t.Fatalf("expected query string forwarded, saw %v", requests)
	}
}

func TestCompareAndRAGQuery(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	c, w := newContext(http.MethodPost, "/compare", strings.NewReader(`{"left":{"a":1},"right":{"a":2}}`))
	env.handler.Compare(c)
	if w.Code != http.StatusOK {
		t.Fatalf("compare failed: %d %s", w.Code, w.Body.String())
	}

	c, w = newContext(http.MethodPost, "/rag/query", strings.NewReader(`{"query":"what is new"}`))
	env.handler.RAGQuery(c)
	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]interface{})
	if w.Code != http.StatusOK || data["path"] != "/query" {
		t.Fatalf("unexpected rag response %d %+v", w.Code, body)
	}
}

func TestListTasksAndProgress(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)
	ctx := context.Background()
	if err := env.store.UpsertTask(ctx, &store.Task{Kind: "daily", ID: "t-9", Status: store.TaskRunning}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := env.store.AppendStep(ctx, "daily", "t-9", store.TaskStep{Seq: 0, EventType: "status", State: "active"}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	c, w := newContext(http.MethodGet, "/tasks?kind=daily", nil)
	env.handler.ListTasks(c)
	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]interface{})
	tasks, _ := data["tasks"].([]interface{})
	if w.Code != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("unexpected task list %d %+v", w.Code, body)
	}

	c, w = newContext(http.MethodGet, "/tasks/daily/t-9/progress", nil, gin.Param{Key: "kind", Value: "daily"}, gin.Param{Key: "taskId", Value: "t-9"})
	env.handler.TaskProgress(c)
	body = decodeEnvelope(t, w)
	data, _ = body["data"].(map[string]interface{})
	steps, _ := data["steps"].([]interface{})
	if w.Code != http.StatusOK || len(steps) != 1 {
		t.Fatalf("unexpected progress %d %+v", w.Code, body)
	}

	c, w = newContext(http.MethodGet, "/tasks/daily/none/progress", nil, gin.Param{Key: "kind", Value: "daily"}, gin.Param{Key: "taskId", Value: "none"})
	env.handler.TaskProgress(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

func TestStreamEventsDeliversBusEvents(t *testing.T) {
	t.Parallel()

	srv, _ := fakeBackend(t)
	env := newTestEnv(t, srv.URL)

	engine := gin.New()
	engine.GET("/events", env.handler.StreamEvents)
	gw := httptest.NewServer(engine)
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, gw.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	// Headers arrive after the subscription is registered.
	if err := env.bus.Publish(context.Background(), events.Event{Type: events.TypeRelayOpened}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got strings.Builder
	buf := make([]byte, 1024)
	for !strings.Contains(got.String(), "event: relay.opened") || !strings.Contains(got.String(), ": ping") {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			t.Fatalf("read events: %v (got %q)", err, got.String())
		}
	}
}

func TestOpenAPISpecFormats(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")

	c, w := newContext(http.MethodGet, "/openapi", nil)
	env.handler.OpenAPISpec(c)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("unexpected json response %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !json.Valid(w.Body.Bytes()) {
		t.Fatalf("expected valid JSON document")
	}

	c, w = newContext(http.MethodGet, "/openapi?format=yaml", nil)
	env.handler.OpenAPISpec(c)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/yaml" {
		t.Fatalf("unexpected yaml response %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	c, w = newContext(http.MethodGet, "/openapi?format=xml", nil)
	env.handler.OpenAPISpec(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d", w.Code)
	}
}
