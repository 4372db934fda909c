package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/metrics"
	"github.com/oremus-labs/ol-crawl-gateway/internal/queue"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
)

// Tracking modes.
const (
	ModeOff    = "off"
	ModeInline = "inline"
	ModeQueue  = "queue"
)

// Manager follows created tasks to completion and records their progress.
type Manager struct {
	store       *store.Store
	follower    follower
	events      eventPublisher
	queue       enqueuer
	mode        string
	retry       taskclient.RetryConfig
	maxDuration time.Duration

	// base parents inline tracking runs; Stop cancels it.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type follower interface {
	Follow(ctx context.Context, kind, taskID string, p *taskclient.Progress, retry taskclient.RetryConfig, onChange func(taskclient.Transition)) error
}

type eventPublisher interface {
	Publish(context.Context, events.Event) error
}

type enqueuer interface {
	Enqueue(context.Context, queue.TrackRequest) error
}

// Options configures the tracker.
type Options struct {
	Store          *store.Store
	Follower       follower
	EventPublisher eventPublisher
	Queue          enqueuer
	Mode           string
	Retry          taskclient.RetryConfig
	// MaxDuration bounds one tracking run.
	MaxDuration time.Duration
}

// New creates a tracker.
func New(opts Options) *Manager {
	if opts.Mode == "" {
		opts.Mode = ModeOff
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = taskclient.DefaultRetryConfig()
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 6 * time.Hour
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		base:        base,
		stop:        stop,
		store:       opts.Store,
		follower:    opts.Follower,
		events:      opts.EventPublisher,
		queue:       opts.Queue,
		mode:        opts.Mode,
		retry:       opts.Retry,
		maxDuration: opts.MaxDuration,
	}
}

// Mode returns the configured tracking mode.
func (m *Manager) Mode() string {
	return m.mode
}

// Schedule arranges for a freshly created task to be tracked according to the mode.
func (m *Manager) Schedule(ctx context.Context, kind, taskID string) error {
	req := queue.TrackRequest{Kind: kind, TaskID: taskID, RequestedAt: time.Now().UTC()}
	switch m.mode {
	case ModeOff:
		return nil
	case ModeInline:
		if m.follower == nil {
			return fmt.Errorf("tracker has no follower configured")
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_, _ = m.Track(m.base, req)
		}()
		return nil
	case ModeQueue:
		if m.queue == nil {
			return fmt.Errorf("tracker queue not configured")
		}
		return m.queue.Enqueue(ctx, req)
	default:
		return fmt.Errorf("unsupported tracking mode %q", m.mode)
	}
}

// Stop cancels inline tracking runs. Each one still records its outcome,
// so interrupted tasks end up incomplete rather than running.
func (m *Manager) Stop() {
	m.stop()
}

// Wait blocks until inline tracking goroutines finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track follows a task synchronously (used inline and by workers).
func (m *Manager) Track(ctx context.Context, req queue.TrackRequest) (*taskclient.Progress, error) {
	if m.follower == nil {
		return nil, fmt.Errorf("tracker has no follower configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.maxDuration)
	defer cancel()

	start := time.Now()
	task := m.loadTask(ctx, req)
	m.updateTask(ctx, task, store.TaskRunning, "tracking")

	p := taskclient.NewProgress()
	err := m.follower.Follow(ctx, req.Kind, req.TaskID, p, m.retry, func(tr taskclient.Transition) {
		m.recordTransition(ctx, req, tr)
	})

	status := store.TaskIncomplete
	switch p.Outcome {
	case taskclient.OutcomeCompleted:
		status = store.TaskCompleted
		task.Result = p.Result
		task.Error = ""
	case taskclient.OutcomeFailed:
		status = store.TaskFailed
		task.Error = p.Error
	}
	message := ""
	if active, ok := lastStep(p); ok {
		message = active.Message
	}
	// Persist the outcome even if ctx expired.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finishCancel()
	m.updateTask(finishCtx, task, status, message)

	meta := map[string]interface{}{
		"steps":    len(p.Steps),
		"duration": time.Since(start).String(),
	}
	if task.Error != "" {
		meta["error"] = task.Error
	}
	m.appendHistory(finishCtx, "task_"+string(status), req, meta)
	metrics.ObserveTaskTracked(req.Kind, string(status), time.Since(start))

	fields := map[string]interface{}{
		"kind":     req.Kind,
		"taskId":   req.TaskID,
		"status":   status,
		"steps":    len(p.Steps),
		"duration": time.Since(start).String(),
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		logutil.Error("task_track_failed", err, fields)
	case status == store.TaskFailed:
		fields["error"] = task.Error
		logutil.Warn("task_failed", fields)
	default:
		logutil.Info("task_tracked", fields)
	}
	return p, err
}

func (m *Manager) loadTask(ctx context.Context, req queue.TrackRequest) *store.Task {
	fallback := &store.Task{ID: req.TaskID, Kind: req.Kind, Status: store.TaskPending}
	if m.store == nil {
		return fallback
	}
	task, err := m.store.GetTask(ctx, req.Kind, req.TaskID)
	if err == nil {
		return task
	}
	if !errors.Is(err, store.ErrNotFound) {
		logutil.Error("task_load_failed", err, map[string]interface{}{"kind": req.Kind, "taskId": req.TaskID})
	}
	if err := m.store.UpsertTask(ctx, fallback); err != nil {
		logutil.Error("task_record_failed", err, map[string]interface{}{"kind": req.Kind, "taskId": req.TaskID})
	}
	return fallback
}

func (m *Manager) updateTask(ctx context.Context, task *store.Task, status store.TaskStatus, message string) {
	task.Status = status
	if message != "" {
		task.Message = message
	}
	if m.store != nil {
		if err := m.store.UpdateTask(ctx, task); err != nil {
			logutil.Error("task_update_failed", err, map[string]interface{}{"kind": task.Kind, "taskId": task.ID})
		}
	}
	m.publish(events.TaskStatusType(string(status)), map[string]interface{}{
		"kind":    task.Kind,
		"taskId":  task.ID,
		"status":  status,
		"message": task.Message,
		"error":   task.Error,
	})
}

func (m *Manager) recordTransition(ctx context.Context, req queue.TrackRequest, tr taskclient.Transition) {
	if m.store != nil {
		if tr.Settled != nil {
			if err := m.store.SetStepState(ctx, req.Kind, req.TaskID, tr.Settled.Seq, string(tr.Settled.State)); err != nil {
				logutil.Error("task_step_update_failed", err, map[string]interface{}{"taskId": req.TaskID, "seq": tr.Settled.Seq})
			}
		}
		if err := m.store.AppendStep(ctx, req.Kind, req.TaskID, store.TaskStep{
			Seq:       tr.Added.Seq,
			EventType: string(tr.Added.Type),
			State:     string(tr.Added.State),
			Message:   tr.Added.Message,
			Data:      tr.Added.Data,
			CreatedAt: tr.Added.Timestamp,
		}); err != nil {
			logutil.Error("task_step_append_failed", err, map[string]interface{}{"taskId": req.TaskID, "seq": tr.Added.Seq})
		}
	}
	m.publish(events.TypeTaskStep, map[string]interface{}{
		"kind":   req.Kind,
		"taskId": req.TaskID,
		"step":   tr.Added,
	})
}

func (m *Manager) appendHistory(ctx context.Context, event string, req queue.TrackRequest, meta map[string]interface{}) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendHistory(ctx, &store.HistoryEntry{
		Event:    event,
		Kind:     req.Kind,
		TaskID:   req.TaskID,
		Metadata: meta,
	}); err != nil {
		logutil.Error("history_append_failed", err, map[string]interface{}{"event": event, "taskId": req.TaskID})
	}
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.Event{Type: eventType, Data: data}); err != nil {
		logutil.Warn("event_publish_failed", map[string]interface{}{"type": eventType, "error": err.Error()})
	}
}

func lastStep(p *taskclient.Progress) (taskclient.Step, bool) {
	if len(p.Steps) == 0 {
		return taskclient.Step{}, false
	}
	return p.Steps[len(p.Steps)-1], true
}
