package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/queue"
	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
)

type consumer interface {
	EnsureGroup(ctx context.Context) error
	Next(ctx context.Context) (*queue.TrackMessage, string, error)
	Ack(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
}

type tracker interface {
	Track(ctx context.Context, req queue.TrackRequest) (*taskclient.Progress, error)
}

// Options configure the background worker process.
type Options struct {
	Consumer    consumer
	Tracker     tracker
	Concurrency int
	// ErrorBackoff is the pause after a failed queue read.
	ErrorBackoff time.Duration
	// Heartbeat is how often an in-flight message is touched so other
	// workers do not reclaim it. Zero disables heartbeats.
	Heartbeat time.Duration
}

// Runner consumes track requests from Redis and follows each task to completion.
type Runner struct {
	consumer     consumer
	tracker      tracker
	concurrency  int
	errorBackoff time.Duration
	heartbeat    time.Duration
}

// New creates a new Runner.
func New(opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 2 * time.Second
	}
	return &Runner{
		consumer:     opts.Consumer,
		tracker:      opts.Tracker,
		concurrency:  opts.Concurrency,
		errorBackoff: opts.ErrorBackoff,
		heartbeat:    opts.Heartbeat,
	}
}

// Run blocks until ctx is cancelled. In-flight tasks are allowed to finish their current step.
func (r *Runner) Run(ctx context.Context) error {
	if r.consumer == nil || r.tracker == nil {
		return errors.New("worker requires a queue consumer and tracker")
	}
	if err := r.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	logutil.Info("worker_started", map[string]interface{}{"concurrency": r.concurrency})

	slots := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			logutil.Info("worker_stopping", nil)
			return ctx.Err()
		case slots <- struct{}{}:
		}

		msg, id, err := r.consumer.Next(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logutil.Error("worker_queue_read_failed", err, map[string]interface{}{"messageId": id})
			if id != "" {
				// Poison message; drop it so it is not redelivered forever.
				_ = r.consumer.Ack(ctx, id)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.errorBackoff):
			}
			continue
		}
		if msg == nil {
			<-slots
			continue
		}

		wg.Add(1)
		go func(msg *queue.TrackMessage, id string) {
			defer wg.Done()
			defer func() { <-slots }()
			r.handle(ctx, msg, id)
		}(msg, id)
	}
}

func (r *Runner) handle(ctx context.Context, msg *queue.TrackMessage, id string) {
	fields := map[string]interface{}{
		"messageId": id,
		"kind":      msg.Request.Kind,
		"taskId":    msg.Request.TaskID,
	}
	logutil.Info("worker_track_started", fields)
	stop := r.keepAlive(ctx, id)
	p, err := r.tracker.Track(ctx, msg.Request)
	stop()
	if err != nil && ctx.Err() != nil {
		// Left pending; the next consumer reclaims it once it goes idle.
		logutil.Warn("worker_track_interrupted", fields)
		return
	}
	if p != nil {
		fields["outcome"] = p.Outcome
	}
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.consumer.Ack(ackCtx, id); err != nil {
		logutil.Error("worker_ack_failed", err, fields)
		return
	}
	logutil.Info("worker_track_finished", fields)
}

// keepAlive touches the message on every heartbeat until the returned stop
// func is called.
func (r *Runner) keepAlive(ctx context.Context, id string) func() {
	if r.heartbeat <= 0 || id == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.consumer.Touch(ctx, id); err != nil && ctx.Err() == nil {
					logutil.Warn("worker_heartbeat_failed", map[string]interface{}{"messageId": id, "error": err.Error()})
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
