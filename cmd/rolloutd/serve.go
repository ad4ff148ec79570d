package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cschleiden/go-workflows/backend"
	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fleetshift/fleetshift-rollouts/internal/application"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/config"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/dbosworkflows"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/goworkflows"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/sqlite"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/syncworkflow"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/telemetry"
)

const serviceName = "rolloutd"

type serveOptions struct {
	tenantConfig string
	engine       string
	workflowDB   string
	dbosURL      string
	metricsAddr  string
	tracing      telemetry.TracingConfig
}

func (o *serveOptions) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.tenantConfig, "tenant-config", "", "tenant config YAML file, watched for changes (defaults apply when empty)")
	fs.StringVar(&o.engine, "engine", "sync", "workflow engine running rollout ticks: sync, goworkflows or dbos")
	fs.StringVar(&o.workflowDB, "workflow-db", "workflows.db", "SQLite database of the goworkflows engine")
	fs.StringVar(&o.dbosURL, "dbos-url", "", "Postgres URL of the dbos engine")
	fs.StringVar(&o.metricsAddr, "metrics-addr", ":9090", "listen address of the metrics endpoint (empty disables it)")
	fs.StringVar(&o.tracing.Exporter, "trace-exporter", telemetry.ExporterNone, "span exporter: none, stdout or otlp")
	fs.StringVar(&o.tracing.Endpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC collector address")
	fs.BoolVar(&o.tracing.Insecure, "otlp-insecure", false, "disable TLS towards the OTLP collector")
	fs.Float64Var(&o.tracing.SampleRatio, "trace-sample-ratio", 1, "share of new traces to sample")
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rollout scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := global.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			cfg, err := global.serverConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), global, opts, cfg, logger)
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, global *globalOptions, opts *serveOptions, cfg config.ServerConfig, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, opts.tracing, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "err", err)
		}
	}()

	db, err := global.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	store := &sqlite.Store{DB: db}

	tenant, err := tenantSource(ctx, opts.tenantConfig, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics("rollouts", true)
	quotas := &application.QuotaGuard{Limits: cfg.Quotas, ChunkSize: cfg.ChunkSize, Metrics: metrics, Logger: logger}
	executor := &application.RolloutExecutor{
		Store:               store,
		Config:              tenant,
		Quotas:              quotas,
		Metrics:             metrics,
		ChunkSize:           cfg.ChunkSize,
		DynamicFillInterval: cfg.DynamicFillInterval,
		Logger:              logger.With("component", "rollout-executor"),
	}

	engine, launch, err := newEngine(ctx, opts, logger)
	if err != nil {
		return err
	}
	runner, err := engine.RolloutRunner(&domain.RolloutWorkflow{Handler: executor})
	if err != nil {
		return fmt.Errorf("create rollout runner: %w", err)
	}
	if err := launch(); err != nil {
		return err
	}

	scheduler := &application.RolloutScheduler{
		Store:       store,
		Runner:      runner,
		Parallelism: cfg.TickParallelism,
		Metrics:     metrics,
		Logger:      logger.With("component", "rollout-scheduler"),
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: metricsMux(metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("metrics endpoint listening", "addr", opts.metricsAddr)
	}

	logger.Info("rollout server started", "engine", opts.engine, "tickInterval", cfg.TickInterval, "db", global.dbPath)
	runTicker(ctx, scheduler, cfg.TickInterval, logger)
	logger.Info("rollout server stopped")
	return nil
}

func metricsMux(m *telemetry.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// runTicker calls HandleAll on every tick until ctx is done. A zero
// interval disables the trigger and only waits for ctx.
func runTicker(ctx context.Context, scheduler *application.RolloutScheduler, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		logger.Warn("periodic rollout trigger disabled")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := scheduler.HandleAll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("rollout tick round had failures", "err", err)
			}
		}
	}
}

func tenantSource(ctx context.Context, path string, logger *slog.Logger) (domain.TenantConfigSource, error) {
	if path == "" {
		return config.StaticSource{Config: domain.DefaultTenantConfig()}, nil
	}
	src, err := config.NewFileSource(path, logger.With("component", "tenant-config"))
	if err != nil {
		return nil, err
	}
	src.Subscribe(func(cfg domain.TenantConfig) {
		logger.Info("tenant config applied",
			"confirmationFlow", cfg.ConfirmationFlowEnabled,
			"multiAssignments", cfg.MultiAssignmentsEnabled,
			"rolloutApproval", cfg.RolloutApprovalEnabled)
	})
	if err := src.Watch(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

// newEngine builds the selected workflow engine. launch must be called
// after every runner was created.
func newEngine(ctx context.Context, opts *serveOptions, logger *slog.Logger) (domain.WorkflowEngine, func() error, error) {
	noop := func() error { return nil }
	switch opts.engine {
	case "sync":
		return &syncworkflow.Engine{}, noop, nil
	case "goworkflows":
		var b backend.Backend = wfsqlite.NewSqliteBackend(opts.workflowDB)
		w := worker.New(b, nil)
		launch := func() error {
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start workflow worker: %w", err)
			}
			return nil
		}
		return &goworkflows.Engine{Worker: w, Client: client.New(b)}, launch, nil
	case "dbos":
		if opts.dbosURL == "" {
			return nil, nil, errors.New("--dbos-url is required with --engine=dbos")
		}
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{AppName: serviceName, DatabaseURL: opts.dbosURL})
		if err != nil {
			return nil, nil, fmt.Errorf("create dbos context: %w", err)
		}
		launch := func() error {
			if err := dbos.Launch(dbosCtx); err != nil {
				return fmt.Errorf("launch dbos: %w", err)
			}
			context.AfterFunc(ctx, func() {
				logger.Info("shutting down dbos")
				dbos.Shutdown(dbosCtx, 5*time.Second)
			})
			return nil
		}
		return &dbosworkflows.Engine{DBOSCtx: dbosCtx}, launch, nil
	default:
		return nil, nil, fmt.Errorf("--engine: unknown engine %q", opts.engine)
	}
}
