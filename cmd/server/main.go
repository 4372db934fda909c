// Package main is the entry point for the crawl gateway service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-crawl-gateway/config"
	"github.com/oremus-labs/ol-crawl-gateway/internal/api"
	"github.com/oremus-labs/ol-crawl-gateway/internal/backend"
	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/handlers"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/metrics"
	"github.com/oremus-labs/ol-crawl-gateway/internal/queue"
	"github.com/oremus-labs/ol-crawl-gateway/internal/redisx"
	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
	"github.com/oremus-labs/ol-crawl-gateway/internal/tracker"
	"github.com/oremus-labs/ol-crawl-gateway/internal/validator"
	"github.com/redis/go-redis/v9"
)

const (
	version             = "0.3.0-go"
	shutdownTimeout     = 10 * time.Second
	trackerDrainTimeout = 10 * time.Second
)

var errQueueNeedsRedis = errors.New("TRACK_MODE=queue requires REDIS_ADDR")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logutil.Error("config_load_failed", err, nil)
		os.Exit(1)
	}
	logutil.Configure(os.Stdout, cfg.LogLevel)
	defer logutil.Sync()

	logutil.Info("gateway_bootstrap", map[string]interface{}{
		"version":     version,
		"backendUrl":  cfg.BackendURL,
		"kinds":       cfg.KindNames(),
		"defaultKind": cfg.DefaultStreamKind,
		"trackMode":   cfg.TrackMode,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		fatal("datastore_open_failed", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(rootCtx, redisx.Config{
		Addr:        cfg.RedisAddr,
		Username:    cfg.RedisUsername,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		TLSEnabled:  cfg.RedisTLSEnabled,
		TLSInsecure: cfg.RedisTLSInsecure,
	})
	if err != nil {
		fatal("redis_connect_failed", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := events.NewBus(events.Options{
		Client:  redisClient,
		Channel: cfg.EventsChannel,
		Source:  uuid.NewString(),
	})
	defer bus.Close()

	registry, err := buildRelays(cfg, bus)
	if err != nil {
		fatal("relay_setup_failed", err)
	}

	checker, err := validator.New(validator.Options{SchemaDir: cfg.SchemaDir})
	if err != nil {
		fatal("validator_init_failed", err)
	}

	taskTracker, err := buildTracker(cfg, stateStore, bus, redisClient)
	if err != nil {
		fatal("tracker_init_failed", err)
	}

	be := backend.New(backend.Options{
		Token:       cfg.BackendAPIToken,
		Timeout:     cfg.UpstreamTimeout,
		DialTimeout: cfg.UpstreamDialTimeout,
	})

	h := handlers.New(registry, be, stateStore, bus, taskTracker, checker, handlers.Options{
		Kinds:        cfg.TaskKinds,
		APIBaseURL:   cfg.APIBaseURL,
		MCPClientURL: cfg.MCPClientURL,
	})

	startRetention(rootCtx, retentionOptions{
		Store:      stateStore,
		Interval:   cfg.RetentionInterval,
		TaskTTL:    cfg.TaskTTL,
		HistoryTTL: cfg.HistoryTTL,
	})

	server := api.NewServer(h, api.Options{
		APIToken:          cfg.APIToken,
		ProtectedPrefixes: cfg.ProtectedPrefixes,
	})
	srv := server.Start(":" + cfg.ServerPort)
	logutil.Info("http_server_listening", map[string]interface{}{"addr": srv.Addr})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logutil.Info("gateway_shutdown", nil)
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logutil.Error("http_server_forced_shutdown", err, nil)
	}
	taskTracker.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), trackerDrainTimeout)
	defer waitCancel()
	if err := taskTracker.Wait(waitCtx); err != nil {
		logutil.Error("task_tracker_drain_timeout", err, nil)
	}
	logutil.Info("gateway_stopped", nil)
}

func buildRelays(cfg *config.Config, bus *events.Bus) (*relay.Registry, error) {
	client := relay.NewHTTPClient(cfg.UpstreamDialTimeout)
	header := http.Header{}
	if cfg.BackendAPIToken != "" {
		header.Set("Authorization", "Bearer "+cfg.BackendAPIToken)
	}
	observer := relay.Observers{metrics.RelayObserver{}, events.RelayObserver{Bus: bus}}

	relays := make([]*relay.Relay, 0, len(cfg.TaskKinds))
	for _, name := range cfg.KindNames() {
		r, err := relay.New(relay.Options{
			Kind:        name,
			URLTemplate: cfg.TaskKinds[name].Stream,
			Client:      client,
			Header:      header,
			BufferSize:  cfg.StreamBufferBytes,
			Observer:    observer,
		})
		if err != nil {
			return nil, err
		}
		relays = append(relays, r)
	}
	return relay.NewRegistry(cfg.DefaultStreamKind, relays...)
}

func buildTracker(cfg *config.Config, st *store.Store, bus *events.Bus, redisClient redis.UniversalClient) (*tracker.Manager, error) {
	opts := tracker.Options{
		Store:          st,
		EventPublisher: bus,
		Mode:           cfg.TrackMode,
	}
	switch cfg.TrackMode {
	case tracker.ModeInline:
		opts.Follower = &taskclient.Client{BaseURL: cfg.GatewayURL, Token: cfg.GatewayAPIToken}
	case tracker.ModeQueue:
		if redisClient == nil {
			return nil, errQueueNeedsRedis
		}
		opts.Queue = queue.NewProducer(redisClient, cfg.RedisTrackStream)
	}
	return tracker.New(opts), nil
}

func fatal(msg string, err error) {
	logutil.Error(msg, err, nil)
	logutil.Sync()
	os.Exit(1)
}
