package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "crawl-gateway:track"
	defaultGroup     = "track-workers"
	defaultClaimIdle = 5 * time.Minute
)

// TrackRequest asks a worker to follow a task's stream until it finishes.
type TrackRequest struct {
	Kind        string    `json:"kind"`
	TaskID      string    `json:"taskId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// TrackMessage wraps the payload pushed through Redis.
type TrackMessage struct {
	ID      string       `json:"id"`
	Request TrackRequest `json:"request"`
}

// Producer publishes track requests onto a Redis Stream.
type Producer struct {
	client redis.UniversalClient
	stream string
}

// NewProducer constructs a producer for the provided stream.
func NewProducer(client redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = defaultStream
	}
	return &Producer{client: client, stream: stream}
}

// Enqueue pushes a track request to the stream.
func (p *Producer) Enqueue(ctx context.Context, req TrackRequest) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("queue producer not configured")
	}
	if req.Kind == "" || req.TaskID == "" {
		return fmt.Errorf("track request needs kind and task id")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(TrackMessage{ID: uuid.NewString(), Request: req})
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Err()
}

// Consumer pulls track requests from a Redis Stream consumer group.
type Consumer struct {
	client    redis.UniversalClient
	stream    string
	group     string
	name      string
	blockDur  time.Duration
	claimIdle time.Duration
}

// NewConsumer creates a consumer bound to a stream + group.
func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if name == "" {
		name = uuid.NewString()
	}
	return &Consumer{
		client:    client,
		stream:    stream,
		group:     group,
		name:      name,
		blockDur:  5 * time.Second,
		claimIdle: defaultClaimIdle,
	}
}

// SetClaimIdle sets how long a delivered message may sit unacknowledged
// before Next reclaims it from its original consumer. Zero disables reclaiming.
func (c *Consumer) SetClaimIdle(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.claimIdle = d
}

// ClaimIdle returns the reclaim threshold.
func (c *Consumer) ClaimIdle() time.Duration {
	return c.claimIdle
}

// Name returns the consumer name within the group.
func (c *Consumer) Name() string {
	return c.name
}

// EnsureGroup ensures the consumer group exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("queue consumer not configured")
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Next returns the next message for this consumer. Messages left pending by
// another consumer for longer than the claim threshold are reclaimed first;
// otherwise it blocks up to the block duration for a new one.
// A nil message with a nil error means nothing arrived.
func (c *Consumer) Next(ctx context.Context) (*TrackMessage, string, error) {
	if c == nil || c.client == nil {
		return nil, "", fmt.Errorf("queue consumer not configured")
	}
	if msg, id, err := c.reclaim(ctx); err != nil || id != "" {
		return msg, id, err
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.blockDur,
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			return decode(msg)
		}
	}
	return nil, "", nil
}

func (c *Consumer) reclaim(ctx context.Context) (*TrackMessage, string, error) {
	if c.claimIdle <= 0 {
		return nil, "", nil
	}
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(msgs) == 0 {
		return nil, "", nil
	}
	return decode(msgs[0])
}

func decode(msg redis.XMessage) (*TrackMessage, string, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, msg.ID, fmt.Errorf("message %s has no data field", msg.ID)
	}
	var payload TrackMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, msg.ID, err
	}
	return &payload, msg.ID, nil
}

// Touch resets the idle time of a message this consumer is still working on
// so other consumers do not reclaim it.
func (c *Consumer) Touch(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		Messages: []string{id},
	}).Err()
}

// Ack confirms processing of a message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}
