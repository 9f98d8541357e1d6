package main

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

	"github.com/seiforesti/data-wave-sub007/internal/analytics"
	"github.com/seiforesti/data-wave-sub007/internal/approval"
	"github.com/seiforesti/data-wave-sub007/internal/bulk"
	"github.com/seiforesti/data-wave-sub007/internal/collaboration"
	"github.com/seiforesti/data-wave-sub007/internal/config"
	"github.com/seiforesti/data-wave-sub007/internal/definition"
	"github.com/seiforesti/data-wave-sub007/internal/eventbus"
	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/internal/state"
	"github.com/seiforesti/data-wave-sub007/internal/transport"
	"github.com/seiforesti/data-wave-sub007/internal/workflow"
	"github.com/seiforesti/data-wave-sub007/model"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "orchestrator", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	bus := eventbus.New(logger,
		eventbus.WithMetrics(metrics),
		eventbus.WithBacklogWarning(cfg.EventBus.QueueSize),
	)
	auditEvents(bus, logger)

	stores, err := buildPersistence(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	// Workflow types.
	types := definition.NewRegistry()
	engine := workflow.NewEngine(types, stores.executions, bus, logger,
		workflow.WithMetrics(metrics),
		workflow.WithDefaultTimeout(cfg.Workflow.DefaultTimeout),
	)
	if err := registerBuiltins(engine); err != nil {
		return err
	}
	if err := loadDefinitions(cfg.Definitions.Directories, types, metrics, logger); err != nil {
		return err
	}

	approvals := approval.NewSystem(engine, bus, logger, approval.WithMetrics(metrics))
	bulkExec := bulk.NewExecutor(bus, logger,
		bulk.WithMetrics(metrics),
		bulk.WithWorkflows(engine),
		bulk.WithDefaults(cfg.Bulk.DefaultBatchSize, cfg.Bulk.DefaultParallelism, cfg.Bulk.MaxParallelism),
	)
	collab := collaboration.NewManager(stores.locks, bus, logger,
		collaboration.WithMetrics(metrics),
		collaboration.WithDefaultLockTTL(cfg.Collaboration.DefaultLockTTL),
	)
	stateMgr := state.NewManager(stores.state, bus, logger, state.WithMetrics(metrics))
	correlations := analytics.NewEngine(bus, logger,
		analytics.WithMetrics(metrics),
		analytics.WithFullConfidenceSamples(cfg.Analytics.FullConfidenceSamples),
	)

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if authenticate == nil {
		logger.Warn("authentication disabled; actor ids are taken from request bodies")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     registry,
		Authenticate: authenticate,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return types.Len() > 0 },
			StateStore:        stores.state,
			LockStore:         stores.locks,
			ExecutionStore:    stores.executions,
		},
		Workflows:     engine,
		Approvals:     approvals,
		Bulk:          bulkExec,
		Collaboration: collab,
		State:         stateMgr,
		Analytics:     correlations,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go collab.RunExpirySweeper(bgCtx, cfg.Collaboration.SweepInterval)
	go watchReload(bgCtx, cfg.Definitions.Directories, types, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflow_types", types.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop intake first, then let running work finish before the bus and
	// stores go away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()
	if err := bulkExec.Close(shutdownCtx); err != nil {
		logger.Error("bulk executor shutdown error", zap.Error(err))
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error("workflow engine shutdown error", zap.Error(err))
	}
	if err := bus.Drain(shutdownCtx); err != nil {
		logger.Warn("event bus drain incomplete", zap.Error(err))
	}
	bus.Close()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// auditEvents logs every published event at debug level.
func auditEvents(bus *eventbus.Bus, logger *zap.Logger) {
	audit := logger.Named("audit")
	bus.Subscribe("*", func(event model.Event) error {
		audit.Debug("event published",
			zap.String("topic", event.Topic),
			zap.Any("payload", observability.RedactPayload(event.Payload)),
		)
		return nil
	})
}

// registerBuiltins registers the workflow types every deployment carries.
// Domain types come from definition files plus the executors the embedding
// application registers.
func registerBuiltins(engine *workflow.Engine) error {
	return engine.Register(model.WorkflowTypeDefinition{
		Type:        "system_noop",
		Name:        "No-op",
		Description: "Completes immediately, echoing its params. Used for smoke tests.",
		Cancellable: true,
	}, func(_ context.Context, exec model.WorkflowExecution) (map[string]any, error) {
		return map[string]any{"echo": exec.Params}, nil
	})
}
