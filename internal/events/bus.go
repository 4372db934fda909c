package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/redis/go-redis/v9"
)

// Event types published by the gateway.
const (
	TypeTaskCreated = "task.created"
	TypeTaskStep    = "task.step"
	TypeRelayOpened = "relay.opened"
	TypeRelayClosed = "relay.closed"
)

// TaskStatusType returns the event type for a tracked task status change.
func TaskStatusType(status string) string {
	return "task." + status
}

// Event represents a gateway event delivered on /events.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Bus multiplexes events to connected clients (local + Redis backed).
type Bus struct {
	client redis.UniversalClient
	ch     string
	source string

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configure the bus.
type Options struct {
	Client  redis.UniversalClient
	Channel string
	// Source tags events from this process so Redis echoes are not delivered twice.
	Source string
}

// NewBus creates a new event bus.
func NewBus(opts Options) *Bus {
	channel := opts.Channel
	if channel == "" {
		channel = "crawl-gateway-events"
	}
	source := opts.Source
	if source == "" {
		source = uuid.NewString()
	}
	bus := &Bus{
		client:      opts.Client,
		ch:          channel,
		source:      source,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
	if bus.client != nil {
		ctx, cancel := context.WithCancel(context.Background())
		bus.cancel = cancel
		ready := make(chan struct{})
		go bus.observeRedis(ctx, ready)
		<-ready
	} else {
		close(bus.done)
	}
	return bus
}

// Publish broadcasts an event to all subscribers and Redis.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Source = b.source

	b.broadcast(evt)

	if b.client != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := b.client.Publish(ctx, b.ch, payload).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
	}
	return nil
}

// Subscribe registers a subscriber and returns a channel plus a cancel func.
// The channel is closed when ctx ends or cancel is called.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// Close stops the Redis listener.
func (b *Bus) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

func (b *Bus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			logutil.Warn("events_dropped", map[string]interface{}{
				"eventId": evt.ID,
				"type":    evt.Type,
				"reason":  "subscriber backlog",
			})
		}
	}
}

func (b *Bus) observeRedis(ctx context.Context, ready chan<- struct{}) {
	defer close(b.done)

	pubsub := b.client.Subscribe(ctx, b.ch)
	defer pubsub.Close()
	// Wait for the subscription confirmation so publishes right after NewBus are seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		logutil.Error("events_redis_subscribe_failed", err, map[string]interface{}{"channel": b.ch})
	}
	close(ready)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			logutil.Error("events_redis_receive_failed", err, nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			logutil.Error("events_invalid_payload", err, map[string]interface{}{"channel": msg.Channel})
			continue
		}
		if evt.Source == b.source {
			continue
		}
		b.broadcast(evt)
	}
}
