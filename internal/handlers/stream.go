package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
)

// StreamDefault relays GET /stream/:taskId for the default task kind.
func (h *Handler) StreamDefault(c *gin.Context) {
	h.serveStream(c, h.relays.Default(), c.Param("taskId"))
}

// StreamTask relays GET /tasks/:kind/:taskId/stream.
func (h *Handler) StreamTask(c *gin.Context) {
	r, ok := h.relays.Get(c.Param("kind"))
	if !ok {
		respondError(c, http.StatusNotFound, fmt.Sprintf("unknown task kind %q", c.Param("kind")))
		return
	}
	h.serveStream(c, r, c.Param("taskId"))
}

func (h *Handler) serveStream(c *gin.Context, r *relay.Relay, taskID string) {
	if taskID == "" {
		respondError(c, http.StatusBadRequest, "task id is required")
		return
	}
	res := r.Serve(c.Request.Context(), taskID, c.Writer)

	requestID, _ := c.Get("requestID")
	fields := map[string]interface{}{
		"kind":      r.Kind(),
		"taskId":    taskID,
		"state":     res.State,
		"reason":    res.Reason(),
		"bytes":     res.Bytes,
		"chunks":    res.Chunks,
		"duration":  res.Duration.String(),
		"requestId": requestID,
	}
	switch {
	case res.Err == nil:
		logutil.Info("relay_session_closed", fields)
	case errors.Is(res.Err, relay.ErrDownstreamClosed):
		logutil.Debug("relay_session_closed", fields)
	default:
		logutil.Error("relay_session_failed", res.Err, fields)
	}
}

// StreamEvents streams gateway bus events as server-sent events.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		respondError(c, http.StatusServiceUnavailable, "event bus is disabled")
		return
	}
	ctx := c.Request.Context()
	ch, cancel := h.events.Subscribe(ctx)
	defer cancel()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	rc := http.NewResponseController(c.Writer)
	_ = rc.SetWriteDeadline(time.Time{})
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.opts.EventsHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Writer.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			c.Writer.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				logutil.Error("events_marshal_failed", err, map[string]interface{}{"eventId": evt.ID})
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
