package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/protoeng/orchestrator/internal/config"
	"github.com/protoeng/orchestrator/internal/engine"
	"github.com/protoeng/orchestrator/internal/queue"
)

// configureLogger picks a JSON (production) or text (dev) slog handler at the
// configured level, mirroring cortex's own main.go.
func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "orchestrator.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("orchestrator starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	// engine.Open only wires the inprocess backend generically; redis and
	// temporal need a live client/connection that doesn't belong in a
	// config-only constructor, so build and start them here when selected.
	var closeQueue func()
	switch cfg.Queue.Backend {
	case "redis":
		runner, closer, err := startRedisQueue(ctx, cfg, eng, logger)
		if err != nil {
			logger.Error("failed to start redis queue", "error", err)
			os.Exit(1)
		}
		closeQueue = closer
		go runner(ctx)
	case "temporal":
		tq, err := queue.NewTemporalQueue(cfg.Queue.Temporal.HostPort, func(ctx context.Context, protocolRunID string) error {
			res := eng.Dispatcher.RunUntilIdle(ctx, protocolRunID)
			if !res.Accepted {
				return fmt.Errorf("run_until_idle %s: %s", protocolRunID, res.Reason)
			}
			return nil
		})
		if err != nil {
			logger.Error("failed to start temporal queue", "error", err)
			os.Exit(1)
		}
		closeQueue = tq.Close
		go func() {
			if err := tq.Start(); err != nil {
				logger.Error("temporal worker stopped", "error", err)
			}
		}()
	default:
		go eng.Run(ctx)
	}

	logger.Info("orchestrator running",
		"queue_backend", cfg.Queue.Backend,
		"max_workers", cfg.General.MaxWorkers,
		"state_db", cfg.General.StateDB,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded (log level only; restart to pick up queue/agent/gate changes)")
			logger = configureLogger(cfgManager.Get().General.LogLevel, *dev)
			slog.SetDefault(logger)
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			if closeQueue != nil {
				closeQueue()
			}
			logger.Info("orchestrator stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

// startRedisQueue dials the configured Redis instance and wraps it in a
// consumer tied to eng.Dispatcher, grounded on basegraph's consumer wiring.
func startRedisQueue(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) (func(context.Context), func(), error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Queue.Redis.Addr})

	process := func(ctx context.Context, protocolRunID string) error {
		res := eng.Dispatcher.RunUntilIdle(ctx, protocolRunID)
		if !res.Accepted {
			return fmt.Errorf("run_until_idle %s: %s", protocolRunID, res.Reason)
		}
		return nil
	}

	consumerName := cfg.General.InstanceID
	if consumerName == "" {
		consumerName = "orchestrator"
	}
	consumer, err := queue.NewRedisConsumer(ctx, client, queue.RedisConsumerConfig{
		Stream:   cfg.Queue.Redis.KeyPrefix + ":protocol-runs",
		Group:    cfg.Queue.Redis.KeyPrefix + ":workers",
		Consumer: consumerName,
	}, process, logger.With("component", "queue"))
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	return consumer.Run, client.Close, nil
}
