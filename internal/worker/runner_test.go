package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oremus-labs/ol-crawl-gateway/internal/queue"
	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
	"github.com/redis/go-redis/v9"
)

type fakeTracker struct {
	mu   sync.Mutex
	seen []queue.TrackRequest
	done chan struct{}
}

func (f *fakeTracker) Track(ctx context.Context, req queue.TrackRequest) (*taskclient.Progress, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	p := taskclient.NewProgress()
	p.Apply(taskclient.Event{Type: taskclient.EventFinal})
	f.done <- struct{}{}
	return p, nil
}

func TestRunnerTracksQueuedRequests(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	consumer := queue.NewConsumer(client, "test:track", "g", "w1")
	producer := queue.NewProducer(client, "test:track")
	tr := &fakeTracker{done: make(chan struct{}, 2)}
	runner := New(Options{Consumer: consumer, Tracker: tr, Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	for _, id := range []string{"a", "b"} {
		if err := producer.Enqueue(context.Background(), queue.TrackRequest{Kind: "daily", TaskID: id}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-tr.done:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for tracked task %d", i)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runner did not stop")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.seen) != 2 {
		t.Fatalf("expected 2 tracked requests, got %+v", tr.seen)
	}
}

func TestRunnerRequiresDependencies(t *testing.T) {
	if err := New(Options{}).Run(context.Background()); err == nil {
		t.Fatalf("expected configuration error")
	}
}

// blockingTracker holds every request until its context is cancelled.
type blockingTracker struct {
	started chan struct{}
}

func (b *blockingTracker) Track(ctx context.Context, req queue.TrackRequest) (*taskclient.Progress, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return taskclient.NewProgress(), ctx.Err()
}

func TestRunnerRedeliversInterruptedRequestAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	first := queue.NewConsumer(client, "test:track", "g", "host-1111")
	first.SetClaimIdle(50 * time.Millisecond)
	blocked := &blockingTracker{started: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- New(Options{Consumer: first, Tracker: blocked, Heartbeat: 10 * time.Millisecond}).Run(ctx)
	}()

	if err := queue.NewProducer(client, "test:track").Enqueue(context.Background(), queue.TrackRequest{Kind: "daily", TaskID: "t-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-blocked.started:
	case <-time.After(10 * time.Second):
		t.Fatalf("first worker never picked up the request")
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(10 * time.Second):
		t.Fatalf("first worker did not stop")
	}

	second := queue.NewConsumer(client, "test:track", "g", "host-2222")
	second.SetClaimIdle(50 * time.Millisecond)
	tr := &fakeTracker{done: make(chan struct{}, 1)}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = New(Options{Consumer: second, Tracker: tr, Heartbeat: 10 * time.Millisecond}).Run(ctx2) }()

	select {
	case <-tr.done:
	case <-time.After(15 * time.Second):
		t.Fatalf("interrupted request was never redelivered")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.seen) != 1 || tr.seen[0].TaskID != "t-1" {
		t.Fatalf("unexpected redelivered requests %+v", tr.seen)
	}
}

type touchCounter struct {
	mu      sync.Mutex
	touched int
}

func (c *touchCounter) EnsureGroup(context.Context) error { return nil }
func (c *touchCounter) Next(context.Context) (*queue.TrackMessage, string, error) {
	return nil, "", nil
}
func (c *touchCounter) Ack(context.Context, string) error { return nil }
func (c *touchCounter) Touch(context.Context, string) error {
	c.mu.Lock()
	c.touched++
	c.mu.Unlock()
	return nil
}

func TestKeepAliveTouchesUntilStopped(t *testing.T) {
	counter := &touchCounter{}
	r := New(Options{Consumer: counter, Tracker: &fakeTracker{}, Heartbeat: 10 * time.Millisecond})

	stop := r.keepAlive(context.Background(), "1-0")
	time.Sleep(55 * time.Millisecond)
	stop()

	counter.mu.Lock()
	seen := counter.touched
	counter.mu.Unlock()
	if seen == 0 {
		t.Fatalf("expected heartbeats while the request was in flight")
	}
	time.Sleep(30 * time.Millisecond)
	counter.mu.Lock()
	defer counter.mu.Unlock()
	if counter.touched != seen {
		t.Fatalf("heartbeats continued after stop: %d -> %d", seen, counter.touched)
	}
}
