package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/internal/handlers"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken string
	// ProtectedPrefixes require the API token for every method.
	ProtectedPrefixes []string
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger(), pathGuard(opts.APIToken, opts.ProtectedPrefixes))

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/kinds", handler.Kinds)
	engine.GET("/openapi", handler.OpenAPISpec)
	engine.GET("/events", handler.StreamEvents)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Stream relays
	engine.GET("/stream/:taskId", handler.StreamDefault)
	engine.GET("/tasks/:kind/:taskId/stream", handler.StreamTask)

	// Tasks
	engine.GET("/tasks", handler.ListTasks)
	engine.GET("/tasks/:kind/:taskId", handler.TaskStatus)
	engine.GET("/tasks/:kind/:taskId/download", handler.DownloadTask)
	engine.GET("/tasks/:kind/:taskId/progress", handler.TaskProgress)
	engine.GET("/history", handler.ListHistory)

	// Collaborator reads
	engine.GET("/menu-links", handler.ListMenuLinks)
	engine.GET("/menu-links/:id", handler.GetMenuLink)

	protected := engine.Group("/")
	protected.Use(authMiddleware(opts.APIToken))

	protected.POST("/tasks/:kind", handler.CreateTask)
	protected.POST("/menu-links", handler.CreateMenuLink)
	protected.PUT("/menu-links/:id", handler.UpdateMenuLink)
	protected.DELETE("/menu-links/:id", handler.DeleteMenuLink)
	protected.POST("/compare", handler.Compare)
	protected.POST("/rag/query", handler.RAGQuery)

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. There is no write
// timeout: relayed streams stay open as long as the upstream task runs.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Error("http_server_failed", err, map[string]interface{}{"addr": addr})
			panic(err)
		}
	}()
	return srv
}
