package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
	"github.com/redis/go-redis/v9"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestLocalPublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(Options{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := bus.Subscribe(ctx)

	if err := bus.Publish(context.Background(), Event{Type: TypeTaskCreated, Data: map[string]string{"taskId": "t1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	evt := waitEvent(t, ch)
	if evt.Type != TypeTaskCreated || evt.ID == "" || evt.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription was not closed")
	}
	unsubscribe()
}

func TestRedisFanOutAcrossBuses(t *testing.T) {
	mr := miniredis.RunT(t)

	newClient := func() redis.UniversalClient {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	publisher := NewBus(Options{Client: newClient(), Channel: "test-events", Source: "a"})
	defer publisher.Close()
	listener := NewBus(Options{Client: newClient(), Channel: "test-events", Source: "b"})
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote, _ := listener.Subscribe(ctx)
	local, _ := publisher.Subscribe(ctx)

	if err := publisher.Publish(context.Background(), Event{Type: TypeRelayOpened}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if evt := waitEvent(t, remote); evt.Type != TypeRelayOpened || evt.Source != "a" {
		t.Fatalf("unexpected remote event %+v", evt)
	}
	if evt := waitEvent(t, local); evt.Type != TypeRelayOpened {
		t.Fatalf("unexpected local event %+v", evt)
	}
	select {
	case evt := <-local:
		t.Fatalf("publisher received its own redis echo: %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayObserverPublishesLifecycle(t *testing.T) {
	t.Parallel()

	bus := NewBus(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := bus.Subscribe(ctx)

	obs := RelayObserver{Bus: bus}
	sess := relay.Session{ID: "s1", Kind: "daily", TaskID: "t1", StartedAt: time.Now()}
	obs.SessionOpened(sess)
	obs.SessionClosed(sess, relay.Result{State: relay.StateClosedClean, Bytes: 10})

	opened := waitEvent(t, ch)
	closed := waitEvent(t, ch)
	if opened.Type != TypeRelayOpened || closed.Type != TypeRelayClosed {
		t.Fatalf("unexpected event order %s, %s", opened.Type, closed.Type)
	}
	raw, err := json.Marshal(closed.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["reason"] != "eof" || data["taskId"] != "t1" {
		t.Fatalf("unexpected closed payload %+v", data)
	}
}
