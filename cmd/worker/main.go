// Package main runs the queue worker that follows tracked crawl tasks to completion.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-crawl-gateway/config"
	"github.com/oremus-labs/ol-crawl-gateway/internal/events"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/queue"
	"github.com/oremus-labs/ol-crawl-gateway/internal/redisx"
	"github.com/oremus-labs/ol-crawl-gateway/internal/store"
	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
	"github.com/oremus-labs/ol-crawl-gateway/internal/tracker"
	"github.com/oremus-labs/ol-crawl-gateway/internal/worker"
)

const workerVersion = "0.3.0-go"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logutil.Error("config_load_failed", err, nil)
		os.Exit(1)
	}
	logutil.Configure(os.Stdout, cfg.LogLevel)
	defer logutil.Sync()

	logutil.Info("worker_bootstrap", map[string]interface{}{
		"version":          workerVersion,
		"redisAddr":        cfg.RedisAddr,
		"redisTrackStream": cfg.RedisTrackStream,
		"redisTrackGroup":  cfg.RedisTrackGroup,
		"claimIdle":        cfg.RedisTrackClaimIdle.String(),
		"concurrency":      cfg.WorkerConcurrency,
		"gatewayUrl":       cfg.GatewayURL,
	})
	if cfg.RedisAddr == "" {
		logutil.Error("worker_requires_redis", errors.New("REDIS_ADDR is not set"), nil)
		os.Exit(1)
	}

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		logutil.Error("datastore_open_failed", err, nil)
		os.Exit(1)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(ctx, redisx.Config{
		Addr:        cfg.RedisAddr,
		Username:    cfg.RedisUsername,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		TLSEnabled:  cfg.RedisTLSEnabled,
		TLSInsecure: cfg.RedisTLSInsecure,
	})
	if err != nil {
		logutil.Error("redis_connect_failed", err, nil)
		os.Exit(1)
	}
	defer redisClient.Close()

	eventBus := events.NewBus(events.Options{
		Client:  redisClient,
		Channel: cfg.EventsChannel,
		Source:  uuid.NewString(),
	})
	defer eventBus.Close()

	taskTracker := tracker.New(tracker.Options{
		Store:          stateStore,
		Follower:       &taskclient.Client{BaseURL: cfg.GatewayURL, Token: cfg.GatewayAPIToken},
		EventPublisher: eventBus,
		Mode:           tracker.ModeQueue,
	})

	host, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
	consumer := queue.NewConsumer(redisClient, cfg.RedisTrackStream, cfg.RedisTrackGroup, consumerName)
	consumer.SetClaimIdle(cfg.RedisTrackClaimIdle)

	runner := worker.New(worker.Options{
		Consumer:    consumer,
		Tracker:     taskTracker,
		Concurrency: cfg.WorkerConcurrency,
		Heartbeat:   cfg.RedisTrackClaimIdle / 3,
	})

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logutil.Error("worker_stopped", err, nil)
		os.Exit(1)
	}
	logutil.Info("worker_exited", map[string]interface{}{"consumer": consumer.Name()})
}
