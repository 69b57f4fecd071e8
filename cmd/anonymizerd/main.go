package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/racai-ai/saroj/internal/async"
	"github.com/racai-ai/saroj/internal/common"
	"github.com/racai-ai/saroj/internal/export"
	"github.com/racai-ai/saroj/internal/pipeline"
	repo "github.com/racai-ai/saroj/internal/repository"
	svc "github.com/racai-ai/saroj/internal/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("anonymizerd stopped", "error", err)
		if errors.Is(err, common.ErrLeaseHeld) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	def, err := pipeline.LoadDefinition(cfg.Pipeline.DefinitionPath)
	if err != nil {
		return fmt.Errorf("load pipeline definition: %w", err)
	}
	logger.Info("pipeline loaded", "path", cfg.Pipeline.DefinitionPath, "steps", len(def.Steps), "version", def.Version)

	store, err := repo.NewTaskStore(cfg.Queue.Root, logger)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}

	journal, err := svc.ConnectJournal(ctx, cfg.Journal.DSN, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer svc.CloseJournal(journal, logger)
	if err := svc.PingJournal(ctx, journal, logger, 5*time.Second); err != nil {
		return fmt.Errorf("journal health: %w", err)
	}

	owner := ownerID()
	caller := pipeline.NewHTTPStepCaller(cfg.Pipeline.StepTimeout, logger,
		pipeline.WithBreaker(cfg.Pipeline.BreakerFailures, cfg.Pipeline.BreakerCooldown),
	)
	processor := pipeline.NewProcessor(store, def, caller, logger,
		pipeline.WithJournal(journal, owner),
		pipeline.WithKeepWorkDirs(cfg.Queue.KeepWorkDirs),
	)

	// gRPC health reports SERVING only while this process owns the storage root.
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	var leaseHeld atomic.Bool
	observer := func(h bool) {
		leaseHeld.Store(h)
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if h {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		healthServer.SetServingStatus("", status)
	}

	opts := []async.Option{
		async.WithPollInterval(cfg.Queue.PollInterval),
		async.WithLease(journal, store.Root(), owner, cfg.Journal.LeaseTTL),
		async.WithLeaseObserver(observer),
	}
	wake, err := async.WatchPending(ctx, store.PendingDir(), 50*time.Millisecond, logger)
	if err != nil {
		logger.Warn("pending dir watcher unavailable; polling only", "error", err)
	} else {
		opts = append(opts, async.WithWakeup(wake))
	}
	loop := async.NewLoop(processor, logger, opts...)

	router := svc.NewRouter(svc.RouterConfig{
		Tasks:  svc.NewTaskService(store, logger, svc.WithJournal(journal, owner)),
		Export: svc.NewExportHandler(export.NewService(store, logger), logger),
		Health: func(ctx context.Context) error {
			if !leaseHeld.Load() {
				return common.ErrLeaseHeld
			}
			return svc.PingJournal(ctx, journal, logger, time.Second)
		},
		Logger: logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("http api listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		g.Go(func() error {
			logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "anonymizerd"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}
