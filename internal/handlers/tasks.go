package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/config"
	"github.com/oremus-labs/ol-crawl-gateway/internal/backend"
	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
)

const targetBackend = "backend"

func (h *Handler) taskKind(c *gin.Context) (string, config.TaskKind, bool) {
	name := strings.ToLower(c.Param("kind"))
	kind, ok := h.opts.Kinds[name]
	if !ok {
		respondError(c, http.StatusNotFound, fmt.Sprintf("unknown task kind %q", c.Param("kind")))
		return "", config.TaskKind{}, false
	}
	return name, kind, true
}

func expandTemplate(tmpl, taskID string) string {
	return strings.ReplaceAll(tmpl, config.TaskIDPlaceholder, url.PathEscape(taskID))
}

// CreateTask forwards POST /tasks/:kind to the backend and records the new task.
func (h *Handler) CreateTask(c *gin.Context) {
	name, kind, ok := h.taskKind(c)
	if !ok {
		return
	}
	if kind.Create == "" {
		respondError(c, http.StatusNotFound, fmt.Sprintf("task kind %q cannot be created through the gateway", name))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		respondError(c, http.StatusBadRequest, "request body must be JSON")
		return
	}

	ctx := c.Request.Context()
	resp, err := h.backend.Do(ctx, backend.Request{Target: targetBackend, Method: http.MethodPost, URL: kind.Create, Body: body})
	if err != nil || !resp.OK() {
		respondUpstream(c, resp, err)
		return
	}
	upstream := resp.JSON()
	taskID := backend.TaskID(upstream)
	if taskID == "" {
		respondError(c, http.StatusBadGateway, "backend response did not include a task id")
		return
	}

	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload)
	if h.store != nil {
		task := &store.Task{ID: taskID, Kind: name, Status: store.TaskPending, Payload: payload}
		if err := h.store.UpsertTask(ctx, task); err != nil {
			logutil.Error("task_record_failed", err, map[string]interface{}{"kind": name, "taskId": taskID})
		}
		if err := h.store.AppendHistory(ctx, &store.HistoryEntry{Event: "task_created", Kind: name, TaskID: taskID}); err != nil {
			logutil.Error("history_append_failed", err, map[string]interface{}{"taskId": taskID})
		}
	}
	if h.events != nil {
		if err := h.events.Publish(ctx, events.Event{Type: events.TypeTaskCreated, Data: map[string]interface{}{"kind": name, "taskId": taskID}}); err != nil {
			logutil.Warn("event_publish_failed", map[string]interface{}{"type": events.TypeTaskCreated, "error": err.Error()})
		}
	}
	if h.tracker != nil {
		if err := h.tracker.Schedule(ctx, name, taskID); err != nil {
			logutil.Error("task_track_schedule_failed", err, map[string]interface{}{"kind": name, "taskId": taskID})
		}
	}

	logutil.Info("task_created", map[string]interface{}{"kind": name, "taskId": taskID})
	respondData(c, resp.Status, gin.H{
		"taskId":    taskID,
		"kind":      name,
		"streamUrl": "/tasks/" + url.PathEscape(name) + "/" + url.PathEscape(taskID) + "/stream",
		"upstream":  upstream,
	})
}

// TaskStatus proxies GET /tasks/:kind/:taskId to the backend status endpoint.
func (h *Handler) TaskStatus(c *gin.Context) {
	name, kind, ok := h.taskKind(c)
	if !ok {
		return
	}
	if kind.Status == "" {
		respondError(c, http.StatusNotFound, fmt.Sprintf("task kind %q has no status endpoint", name))
		return
	}
	resp, err := h.backend.Do(c.Request.Context(), backend.Request{
		Target: targetBackend,
		URL:    expandTemplate(kind.Status, c.Param("taskId")),
	})
	respondUpstream(c, resp, err)
}

// DownloadTask passes the backend's task artifact through unchanged.
func (h *Handler) DownloadTask(c *gin.Context) {
	name, kind, ok := h.taskKind(c)
	if !ok {
		return
	}
	if kind.Download == "" {
		respondError(c, http.StatusNotFound, fmt.Sprintf("task kind %q has no download endpoint", name))
		return
	}
	resp, err := h.backend.Open(c.Request.Context(), backend.Request{
		Target: targetBackend,
		URL:    expandTemplate(kind.Download, c.Param("taskId")),
	})
	if err != nil {
		respondUpstream(c, nil, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		respondUpstream(c, &backend.Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil)
		return
	}

	extra := map[string]string{}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		extra["Content-Disposition"] = cd
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, extra)
}

// ListTasks returns tasks created through this gateway.
func (h *Handler) ListTasks(c *gin.Context) {
	if h.store == nil {
		respondError(c, http.StatusServiceUnavailable, "task store is disabled")
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := h.store.ListTasks(c.Request.Context(), store.ListOptions{
		Kind:   strings.ToLower(c.Query("kind")),
		Status: store.TaskStatus(c.Query("status")),
		Limit:  limit,
	})
	if err != nil {
		logutil.Error("tasks_list_failed", err, nil)
		respondError(c, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	respondData(c, http.StatusOK, gin.H{"tasks": tasks})
}

// TaskProgress returns the tracked progress log of a task.
func (h *Handler) TaskProgress(c *gin.Context) {
	if h.store == nil {
		respondError(c, http.StatusServiceUnavailable, "task store is disabled")
		return
	}
	name, _, ok := h.taskKind(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	taskID := c.Param("taskId")
	task, err := h.store.GetTask(ctx, name, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "task not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load task")
		return
	}
	steps, err := h.store.ListSteps(ctx, name, taskID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load task progress")
		return
	}
	if steps == nil {
		steps = []store.TaskStep{}
	}
	respondData(c, http.StatusOK, gin.H{"task": task, "steps": steps})
}

// ListHistory returns recent gateway history entries.
func (h *Handler) ListHistory(c *gin.Context) {
	if h.store == nil {
		respondError(c, http.StatusServiceUnavailable, "task store is disabled")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	entries, err := h.store.ListHistory(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	respondData(c, http.StatusOK, gin.H{"history": entries})
}
