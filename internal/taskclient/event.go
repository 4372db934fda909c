package taskclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventType tags a task event envelope.
type EventType string

const (
	EventStatus   EventType = "status"
	EventToolCall EventType = "tool_call"
	EventPartial  EventType = "partial"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// ErrUnknownEvent is returned by ParseEvent for well-formed envelopes with an unrecognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is a decoded task event.
type Event struct {
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Message returns data.message when present.
func (e Event) Message() string {
	if e.Data == nil {
		return ""
	}
	switch v := e.Data["message"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type rawEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseEvent decodes a frame payload. Non-object data is kept under "value".
func ParseEvent(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	evt := Event{Type: EventType(strings.ToLower(strings.TrimSpace(raw.Type)))}

	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, &evt.Data); err != nil {
			var v interface{}
			if err := json.Unmarshal(raw.Data, &v); err != nil {
				return Event{}, fmt.Errorf("decode event data: %w", err)
			}
			evt.Data = map[string]interface{}{"value": v}
		}
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return Event{}, err
	}
	evt.Timestamp = ts

	switch evt.Type {
	case EventStatus, EventToolCall, EventPartial, EventFinal, EventError:
		return evt, nil
	default:
		return evt, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Type)
	}
}

// parseTimestamp accepts RFC3339 strings, numeric strings and unix seconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(f), nil
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", string(raw))
	}
	return unixSeconds(f), nil
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
