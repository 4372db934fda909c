// Package handlers provides HTTP request handlers for the crawl gateway API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/config"
	"github.com/oremus-labs/ol-crawl-gateway/internal/backend"
	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
	"github.com/oremus-labs/ol-crawl-gateway/internal/validator"
)

// Options configures handler runtime behavior.
type Options struct {
	Kinds        map[string]config.TaskKind
	APIBaseURL   string
	MCPClientURL string
	// EventsHeartbeat is the interval between ": ping" comments on /events.
	EventsHeartbeat time.Duration
}

type collaborator interface {
	Do(context.Context, backend.Request) (*backend.Response, error)
	Open(context.Context, backend.Request) (*http.Response, error)
}

type eventBus interface {
	Publish(context.Context, events.Event) error
	Subscribe(context.Context) (<-chan events.Event, func())
}

type trackScheduler interface {
	Schedule(ctx context.Context, kind, taskID string) error
}

type payloadValidator interface {
	Validate(name string, payload []byte) validator.Result
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	relays  *relay.Registry
	backend collaborator
	store   *store.Store
	events  eventBus
	tracker trackScheduler
	checker payloadValidator
	opts    Options
}

// New creates a new Handler instance. store, bus, tracker and checker may be nil.
func New(relays *relay.Registry, be collaborator, st *store.Store, bus eventBus, tracker trackScheduler, checker payloadValidator, opts Options) *Handler {
	if opts.EventsHeartbeat <= 0 {
		opts.EventsHeartbeat = 15 * time.Second
	}
	if opts.Kinds == nil {
		opts.Kinds = map[string]config.TaskKind{}
	}
	return &Handler{
		relays:  relays,
		backend: be,
		store:   st,
		events:  bus,
		tracker: tracker,
		checker: checker,
		opts:    opts,
	}
}

// Health returns the health status of the service.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Kinds lists the task kinds the gateway can relay.
func (h *Handler) Kinds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default": h.relays.Default().Kind(),
		"kinds":   h.relays.Kinds(),
	})
}

func respondData(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message, "status": status})
}

// respondUpstream maps a collaborator call onto the response envelope.
func respondUpstream(c *gin.Context, resp *backend.Response, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backend.ErrUnreachable) {
			status = http.StatusBadGateway
		}
		respondError(c, status, err.Error())
		return
	}
	if !resp.OK() {
		respondError(c, resp.Status, resp.ErrorMessage())
		return
	}
	respondData(c, resp.Status, resp.JSON())
}
