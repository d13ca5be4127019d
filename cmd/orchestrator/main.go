package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/api"
	"github.com/danpasecinic/inpaintd/internal/backend"
	"github.com/danpasecinic/inpaintd/internal/bridge"
	"github.com/danpasecinic/inpaintd/internal/broker"
	"github.com/danpasecinic/inpaintd/internal/config"
	"github.com/danpasecinic/inpaintd/internal/coordinator"
	"github.com/danpasecinic/inpaintd/internal/diagnostics"
	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/notify"
	"github.com/danpasecinic/inpaintd/internal/preflight"
	"github.com/danpasecinic/inpaintd/internal/queue"
	"github.com/danpasecinic/inpaintd/internal/retry"
	"github.com/danpasecinic/inpaintd/internal/sampler"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("orchestrator stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archive, err := initArchive(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := archive.Close(); err != nil {
			log.Warn("error closing archive", zap.Error(err))
		}
	}()

	registry := state.NewRegistry()
	brk := broker.New(log)
	defer brk.Close()

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, log)

	store, err := storage.NewLocal(cfg.Results.Dir)
	if err != nil {
		return err
	}

	deps := coordinator.Deps{
		Registry:  registry,
		Sink:      brk,
		Backend:   client,
		Validator: preflight.NewValidator(preflight.NewHostProbe(cfg.Results.Dir), log),
		Classifier: diagnostics.New(
			diagnostics.WithHistorySize(cfg.History.Classifier),
			diagnostics.WithFrequencySize(cfg.History.ClassifierPattern),
		),
		Retry: retry.NewManager(
			log,
			retry.WithHistorySize(cfg.History.Retry),
			retry.WithPatternsPerReason(cfg.History.RetryPatterns),
		),
		Archive: archive,
		Store:   store,
	}

	var probe sampler.Probe = &sampler.HostProbe{DiskIO: true}
	if cfg.Backend.Container != "" {
		sup, err := backend.NewSupervisor(cfg.Backend.Container, log)
		if err != nil {
			return err
		}
		defer func() { _ = sup.Close() }()

		deps.Supervisor = sup
		if cfg.Sampler.Source == config.SamplerContainer {
			probe = &sampler.ContainerProbe{Stats: sup}
		}
		log.Info("supervising backend container", zap.String("container", cfg.Backend.Container))
	}

	samplerOpts := []sampler.Option{sampler.WithInterval(cfg.Sampler.Interval)}
	if cfg.Sampler.GPU {
		samplerOpts = append(samplerOpts, sampler.WithGPUProbe(&sampler.NvidiaSMI{}))
	}
	deps.Sampler = sampler.New(probe, log, samplerOpts...)

	notifiers := notify.Multi{notify.NewWebhookNotifier(cfg.Webhook.Timeout, log)}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		defer func() { _ = kafka.Close() }()
		notifiers = append(notifiers, kafka)
		log.Info("publishing terminal events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	deps.Notifier = notifiers

	var br *bridge.Bridge
	if cfg.Remote.URL != "" {
		br, err = bridge.New(
			bridge.Config{
				URL:                  cfg.Remote.URL,
				MaxReconnectAttempts: cfg.Remote.ReconnectAttempts,
				ReconnectDelay:       cfg.Remote.ReconnectDelay,
			},
			nil, brk, bridge.Hooks{}, log,
		)
		if err != nil {
			return err
		}
		deps.Bridge = br
	}

	var dispatcher *queue.Dispatcher
	if cfg.Dispatch.Mode == config.DispatchQueue {
		dispatcher, err = queue.NewDispatcher(cfg.Dispatch.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = dispatcher.Close() }()
		deps.Dispatcher = dispatcher
	}

	coord, err := coordinator.New(
		coordinator.Config{
			MaxJobDuration:     cfg.Jobs.MaxDuration,
			Retention:          cfg.Jobs.Retention,
			SupervisorInterval: cfg.Jobs.SupervisorInterval,
			HeartbeatInterval:  cfg.Jobs.HeartbeatInterval,
			UnitTimeout:        cfg.Jobs.UnitTimeout,
			AsyncBackend:       cfg.Backend.Async,
			ResultRetention:    cfg.Jobs.ResultRetention,
		},
		deps, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	if br != nil {
		br.SetHooks(coord.BridgeHooks())
		brk.SetTaskIdleHandler(br.HandleTaskIdle)
		if err := br.Start(ctx); err != nil {
			return err
		}
		defer br.Stop()
	}

	var worker *queue.Worker
	if dispatcher != nil {
		worker, err = queue.NewWorker(cfg.Dispatch.RedisURL, cfg.Dispatch.Concurrency, coord, log)
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return err
		}
	}

	go coord.StartSupervisor(ctx)

	server := api.NewServer(
		api.Deps{
			Coordinator: coord,
			Registry:    registry,
			Archive:     archive,
			Broker:      brk,
			Validator:   deps.Validator,
			Backend:     client,
		},
		log,
	)
	e := api.NewEcho(log)
	server.RegisterRoutes(e)

	errCh := make(chan error, 1)
	go func() {
		log.Info(
			"orchestrator starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", cfg.Backend.URL),
			zap.String("dispatch", cfg.Dispatch.Mode),
		)
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, beginning graceful shutdown")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("error during server shutdown", zap.Error(err))
	}
	if worker != nil {
		worker.Shutdown()
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("jobs still running at shutdown", zap.Error(err))
	}

	log.Info("orchestrator stopped")
	return nil
}

// initArchive opens the archive selected by archive.type
func initArchive(ctx context.Context, cfg *config.Config, log *zap.Logger) (state.Archive, error) {
	switch cfg.Archive.Type {
	case config.ArchivePostgres:
		log.Info("initializing PostgreSQL archive", zap.String("database_url", cfg.MaskedDatabaseURL()))
		pg, err := state.NewPostgresArchive(cfg.Archive.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL archive: %w", err)
		}
		return pg, nil

	case config.ArchiveRedis:
		log.Info("initializing Redis archive", zap.String("addr", cfg.Archive.RedisAddr))
		rd, err := state.NewRedisArchive(
			ctx, cfg.Archive.RedisAddr, cfg.Archive.RedisPassword, cfg.Archive.RedisDB, cfg.Archive.RedisTTL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis archive: %w", err)
		}
		return rd, nil

	default:
		log.Info("using in-memory archive (history will not persist)")
		return state.NewInMemoryArchive(), nil
	}
}
