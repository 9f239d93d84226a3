package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/vyvo/appbuilder/pkg/builder"
	"github.com/vyvo/appbuilder/pkg/config"
	"github.com/vyvo/appbuilder/pkg/metrics"
	"github.com/vyvo/appbuilder/pkg/notify"
	"github.com/vyvo/appbuilder/pkg/pipeline"
	"github.com/vyvo/appbuilder/pkg/queue"
	"github.com/vyvo/appbuilder/pkg/telemetry"
	"github.com/vyvo/appbuilder/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("appbuilder failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.LoadBuilder(flags)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "appbuilder", cfg.Tracing, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	var slot queue.Slot
	if cfg.RedisURL != "" {
		rs, err := queue.NewRedisSlot(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rs.Close()
		slot = rs
		logger.Info("pending slot backed by redis")
	}
	coord := queue.NewCoordinator(slot)
	coord.OnSupersede(func(dropped int) {
		recorder.IncSuperseded(dropped)
		logger.Info("pending build request superseded", "dropped", dropped)
	})

	store := builder.NewMemStore()
	var (
		counters pipeline.CounterStore = pipeline.NewFileCounterStore(cfg.CounterPath)
		archive  worker.Archive
		pg       *builder.PostgresStore
	)
	if cfg.DatabaseURL != "" {
		pg, err = builder.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("builder postgres init failed: %w", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Warn("builder postgres close error", "error", err)
			}
		}()
		counters = pg
		archive = pg
	}

	publishers := []pipeline.Publisher{pipeline.LocalPublisher{Root: cfg.OutputRoot}}
	if cfg.SFTP.Addr != "" {
		dial, err := pipeline.DialSSH(pipeline.SSHOptions{
			Addr:           cfg.SFTP.Addr,
			User:           cfg.SFTP.User,
			Password:       cfg.SFTP.Password,
			PrivateKeyPath: cfg.SFTP.KeyPath,
			KnownHostsPath: cfg.SFTP.KnownHosts,
		})
		if err != nil {
			return err
		}
		publishers = append(publishers, pipeline.SFTPPublisher{Dial: dial, Root: cfg.SFTP.Root})
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyURL)
	}

	pl := &pipeline.Pipeline{
		WorkDir: cfg.WorkDir,
		Fetcher: &pipeline.GitFetcher{Username: cfg.Git.Username, Password: cfg.Git.Password},
		Toolchain: pipeline.Toolchain{
			Clean:        config.Command(cfg.Toolchain.Clean),
			Prepare:      config.Command(cfg.Toolchain.Prepare),
			Build:        config.Command(cfg.Toolchain.Build),
			VersionFlags: cfg.Toolchain.VersionFlags,
		},
		Layout: pipeline.Layout{
			Manifest:    cfg.Toolchain.Manifest,
			BuildConfig: cfg.Toolchain.BuildConfig,
			Artifact:    cfg.Toolchain.Artifact,
		},
		Counters:   counters,
		Publishers: publishers,
		Recorder:   recorder,
	}

	w := worker.New(worker.Options{
		Queue:     coord,
		Store:     store,
		Runner:    pl,
		Notifier:  notifier,
		Archive:   archive,
		Recorder:  recorder,
		Logger:    logger,
		PublicURL: cfg.PublicURL,
	})
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	readyCtx, cancelReady := context.WithTimeout(ctx, 10*time.Second)
	err = coord.AwaitReady(readyCtx)
	cancelReady()
	if err != nil {
		return fmt.Errorf("worker did not become ready: %w", err)
	}

	srv := newServer(coord, store, logger)
	srv.secret = cfg.WebhookSecret
	srv.metrics = metrics.Handler(registry)
	if pg != nil {
		srv.archive = pg
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("appbuilder listening", "addr", cfg.ListenAddr, "work_dir", cfg.WorkDir, "output_root", cfg.OutputRoot)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	logger.Info("waiting for in-flight build")
	return <-workerDone
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
