package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/api"
	"github.com/ihmily/comfy-deploy/internal/callback"
	"github.com/ihmily/comfy-deploy/internal/clock/system"
	"github.com/ihmily/comfy-deploy/internal/config"
	"github.com/ihmily/comfy-deploy/internal/delivery"
	"github.com/ihmily/comfy-deploy/internal/engine"
	memoryengine "github.com/ihmily/comfy-deploy/internal/engine/memory"
	"github.com/ihmily/comfy-deploy/internal/id/uuid"
	"github.com/ihmily/comfy-deploy/internal/logging"
	"github.com/ihmily/comfy-deploy/internal/metrics"
	"github.com/ihmily/comfy-deploy/internal/progress"
	"github.com/ihmily/comfy-deploy/internal/task"
	"github.com/ihmily/comfy-deploy/internal/ws"
)

// newServeCmd creates the 'serve' subcommand, which runs the full service:
// engine, aggregation pipeline, delivery loop, and HTTP server.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the deploy API server",
		Long: `Starts the HTTP server together with the execution engine, the
progress aggregation pipeline, and the delivery dispatcher. The process
runs until interrupted and shuts down gracefully.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	clock := system.New()
	idGen := uuid.NewGenerator()
	registry := task.NewRegistry(clock)
	queue := delivery.NewQueue()
	directory := ws.NewDirectory()
	toggles := engine.NewToggles(cfg.Events.Enabled, cfg.Events.Verbose)
	sender := callback.NewSender(cfg.CallbackTimeout(), logger.Named("callback"))

	base := engine.BroadcasterFunc(func(evt engine.Event) {
		logger.Debug("engine broadcast",
			zap.String("event", evt.Kind.String()),
			zap.String("task_id", evt.TaskID),
		)
	})
	interceptor := engine.NewInterceptor(base, nil, toggles, logger.Named("events"))

	eng := memoryengine.New(interceptor, memoryengine.Config{
		Workers:    cfg.Engine.Workers,
		QueueDepth: cfg.Engine.QueueDepth,
	}, logger.Named("engine"))

	tracker := progress.NewTracker(
		registry, queue, eng, clock, toggles,
		cfg.ThrottleInterval(), logger.Named("progress"), m,
	)
	interceptor.Bind(tracker)

	dispatch := delivery.NewDispatcher(
		queue, registry, directory, sender, clock,
		delivery.Config{
			PollInterval: cfg.PollInterval(),
			ErrorBackoff: cfg.ErrorBackoff(),
			TaskTTL:      cfg.TaskTTL(),
		},
		logger.Named("delivery"), m,
	)

	wsHandler := ws.NewHandler(directory, registry, clock, logger.Named("ws"))
	apiServer := api.NewServer(
		eng, registry, queue, directory, wsHandler, toggles,
		idGen, clock, logger.Named("api"), m, promReg,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("engine started", zap.Int("workers", cfg.Engine.Workers))
		eng.Run(ctx)
	}()

	go func() {
		logger.Info("delivery dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
