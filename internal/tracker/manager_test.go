package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/queue"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
)

type fakeFollower struct {
	events []taskclient.Event
	err    error
}

func (f *fakeFollower) Follow(ctx context.Context, kind, taskID string, p *taskclient.Progress, retry taskclient.RetryConfig, onChange func(taskclient.Transition)) error {
	for _, evt := range f.events {
		if tr, ok := p.Apply(evt); ok && onChange != nil {
			onChange(tr)
		}
		if p.Done() {
			return nil
		}
	}
	p.MarkIncomplete()
	return f.err
}

type fakeQueue struct {
	mu   sync.Mutex
	reqs []queue.TrackRequest
}

func (q *fakeQueue) Enqueue(ctx context.Context, req queue.TrackRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingPublisher) Publish(ctx context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evt.Type)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "sqlite")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedTask(t *testing.T, s *store.Store, kind, id string) {
	t.Helper()
	if err := s.UpsertTask(context.Background(), &store.Task{Kind: kind, ID: id}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
}

func waitForTaskStatus(t *testing.T, s *store.Store, kind, id string, status store.TaskStatus) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for task %s to reach %s", id, status)
		case <-ticker.C:
			task, err := s.GetTask(context.Background(), kind, id)
			if err != nil {
				continue
			}
			if task.Status == status {
				return
			}
		}
	}
}

func TestTrackCompletedTask(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedTask(t, s, "daily", "t-1")
	pub := &recordingPublisher{}
	m := New(Options{
		Store:          s,
		EventPublisher: pub,
		Follower: &fakeFollower{events: []taskclient.Event{
			{Type: taskclient.EventStatus, Data: map[string]interface{}{"message": "crawling"}},
			{Type: taskclient.EventPartial},
			{Type: taskclient.EventFinal, Data: map[string]interface{}{"pages": 4.0}},
		}},
	})

	p, err := m.Track(context.Background(), queue.TrackRequest{Kind: "daily", TaskID: "t-1"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if p.Outcome != taskclient.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", p.Outcome)
	}

	task, err := s.GetTask(context.Background(), "daily", "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskCompleted || task.Result["pages"] != 4.0 {
		t.Fatalf("unexpected task %+v", task)
	}

	steps, err := s.ListSteps(context.Background(), "daily", "t-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps got %d", len(steps))
	}
	for _, st := range steps {
		if st.State != string(taskclient.StepCompleted) {
			t.Fatalf("expected all steps completed, got %+v", steps)
		}
	}

	history, err := s.ListHistory(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) == 0 || history[0].Event != "task_completed" {
		t.Fatalf("expected completion event in history: %+v", history)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.types[0] != "task.running" || pub.types[len(pub.types)-1] != "task.completed" {
		t.Fatalf("unexpected published events %v", pub.types)
	}
}

func TestTrackFailedTask(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedTask(t, s, "rag", "t-2")
	m := New(Options{
		Store: s,
		Follower: &fakeFollower{events: []taskclient.Event{
			{Type: taskclient.EventStatus},
			{Type: taskclient.EventError, Data: map[string]interface{}{"message": "robots.txt denied"}},
		}},
	})

	if _, err := m.Track(context.Background(), queue.TrackRequest{Kind: "rag", TaskID: "t-2"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	task, err := s.GetTask(context.Background(), "rag", "t-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskFailed || task.Error != "robots.txt denied" {
		t.Fatalf("unexpected task %+v", task)
	}
	steps, _ := s.ListSteps(context.Background(), "rag", "t-2")
	if len(steps) != 2 || steps[0].State != "error" || steps[1].State != "error" {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestTrackIncompleteRecordsUnknownTask(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := New(Options{
		Store:    s,
		Follower: &fakeFollower{events: []taskclient.Event{{Type: taskclient.EventStatus}}, err: errors.New("connection reset")},
	})

	if _, err := m.Track(context.Background(), queue.TrackRequest{Kind: "daily", TaskID: "new"}); err == nil {
		t.Fatalf("expected transport error to be returned")
	}
	task, err := s.GetTask(context.Background(), "daily", "new")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskIncomplete {
		t.Fatalf("expected incomplete, got %s", task.Status)
	}
}

func TestScheduleModes(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedTask(t, s, "daily", "inline-1")
	follower := &fakeFollower{events: []taskclient.Event{{Type: taskclient.EventFinal}}}

	inline := New(Options{Store: s, Follower: follower, Mode: ModeInline})
	if err := inline.Schedule(context.Background(), "daily", "inline-1"); err != nil {
		t.Fatalf("Schedule inline: %v", err)
	}
	waitForTaskStatus(t, s, "daily", "inline-1", store.TaskCompleted)
	if err := inline.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	q := &fakeQueue{}
	queued := New(Options{Store: s, Follower: follower, Mode: ModeQueue, Queue: q})
	if err := queued.Schedule(context.Background(), "rag", "q-1"); err != nil {
		t.Fatalf("Schedule queue: %v", err)
	}
	if len(q.reqs) != 1 || q.reqs[0].TaskID != "q-1" || q.reqs[0].Kind != "rag" {
		t.Fatalf("unexpected queued requests %+v", q.reqs)
	}

	if err := New(Options{Mode: ModeOff}).Schedule(context.Background(), "daily", "x"); err != nil {
		t.Fatalf("Schedule off: %v", err)
	}
	if err := New(Options{Mode: ModeQueue}).Schedule(context.Background(), "daily", "x"); err == nil {
		t.Fatalf("expected error when queue is missing")
	}
}

// stallingFollower blocks until its context is cancelled.
type stallingFollower struct {
	started chan struct{}
}

func (f *stallingFollower) Follow(ctx context.Context, kind, taskID string, p *taskclient.Progress, retry taskclient.RetryConfig, onChange func(taskclient.Transition)) error {
	if tr, ok := p.Apply(taskclient.Event{Type: taskclient.EventStatus}); ok && onChange != nil {
		onChange(tr)
	}
	close(f.started)
	<-ctx.Done()
	p.MarkIncomplete()
	return ctx.Err()
}

func TestStopCancelsInlineTracking(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seedTask(t, s, "daily", "slow-1")
	follower := &stallingFollower{started: make(chan struct{})}
	m := New(Options{Store: s, Follower: follower, Mode: ModeInline})

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Schedule(ctx, "daily", "slow-1"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-follower.started
	cancel()

	short, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if err := m.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait before Stop should hit its deadline, got %v", err)
	}

	m.Stop()
	drain, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := m.Wait(drain); err != nil {
		t.Fatalf("Wait after Stop: %v", err)
	}
	task, err := s.GetTask(context.Background(), "daily", "slow-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskIncomplete {
		t.Fatalf("expected interrupted task to be incomplete, got %s", task.Status)
	}
}
