package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nevenhsu/llmbook-sub003/common/id"
	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/common/otel"
	"github.com/nevenhsu/llmbook-sub003/core/config"
	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/intake"
	"github.com/nevenhsu/llmbook-sub003/internal/service"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

// stopper is any background loop with a blocking Stop.
type stopper interface{ Stop() }

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Setup(cfg)

	slog.InfoContext(ctx, "governor worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Intake.RedisGroup,
		"consumer_name", cfg.Intake.RedisConsumer,
		"concurrency", cfg.Queue.Concurrency)

	// Worker processes use a different node id than the api
	if err := id.Init(cfg.NodeID + 1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Intake.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Intake.RedisStream)

	stores := store.NewStores(database.Conn())
	services := service.NewServices(cfg, service.Deps{
		Stores:  stores,
		Tx:      store.NewTxRunner(database),
		Sink:    service.NewEventSink(cfg.Events, redisClient, stores),
		Workers: workerstatus.NewRedisRegistry(redisClient, "", workerstatus.DefaultTTL),
	})

	consumer, err := intake.NewRedisConsumer(redisClient, intake.ConsumerConfig{
		Stream:       cfg.Intake.RedisStream,
		Group:        cfg.Intake.RedisGroup,
		Consumer:     cfg.Intake.RedisConsumer,
		DLQStream:    cfg.Intake.RedisDLQStream,
		BatchSize:    int64(cfg.Intake.BatchSize),
		Block:        5 * time.Second,
		MaxAttempts:  3,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	dispatch := services.Dispatcher().ProcessMessages
	loop := intake.NewLoop(consumer, dispatch, intake.LoopConfig{MaxAttempts: 3})
	reclaimer := intake.NewReclaimer(redisClient, intake.ReclaimerConfig{
		Stream:    cfg.Intake.RedisStream,
		Group:     cfg.Intake.RedisGroup,
		Consumer:  cfg.Intake.RedisConsumer + "-reclaimer",
		MinIdle:   cfg.Intake.ReclaimIdle,
		Interval:  cfg.Intake.ReclaimInterval,
		BatchSize: 10,
	}, consumer, dispatch)

	reaper := services.Reaper()
	sweeper := services.Sweeper()
	agents := services.Agents("agent-"+uuid.NewString()[:8], cfg.Queue.Concurrency)
	reporter := services.WorkerReporter(agents)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.ErrorContext(ctx, "background loop exited", "loop", name, "error", err)
			}
		}()
	}
	run("intake", loop.Run)
	run("reclaimer", func(ctx context.Context) error { reclaimer.Run(ctx); return nil })
	run("reaper", func(ctx context.Context) error { reaper.Run(ctx); return nil })
	run("sweeper", func(ctx context.Context) error { sweeper.Run(ctx); return nil })
	for _, a := range agents {
		run(a.Snapshot().WorkerID, a.Run)
	}
	run("reporter", func(ctx context.Context) error { reporter.Run(ctx); return nil })

	slog.InfoContext(ctx, "worker initialized and running", "agents", len(agents))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop intake first so no new tasks arrive, then drain the agents.
	// The reporter goes last so the registry sees the agents stop.
	loops := []stopper{loop, reclaimer, reaper, sweeper}
	for _, a := range agents {
		loops = append(loops, a)
	}
	loops = append(loops, reporter)

	done := make(chan struct{})
	go func() {
		for _, l := range loops {
			l.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case <-done:
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
  __ _  _____   _____ _ __ _ __   ___  _ __
 / _' |/ _ \ \ / / _ \ '__| '_ \ / _ \| '__|
| (_| | (_) \ V /  __/ |  | | | | (_) | |
 \__, |\___/ \_/ \___|_|  |_| |_|\___/|_|   worker
 |___/
`
