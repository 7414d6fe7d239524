package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forgeloop/internal/agent"
	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"github.com/fyrsmithlabs/forgeloop/internal/core"
	"github.com/fyrsmithlabs/forgeloop/internal/engine"
	"github.com/fyrsmithlabs/forgeloop/internal/evolve"
	"github.com/fyrsmithlabs/forgeloop/internal/gates"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/promote"
	"github.com/fyrsmithlabs/forgeloop/internal/queue"
	"github.com/fyrsmithlabs/forgeloop/internal/registry"
	"github.com/fyrsmithlabs/forgeloop/internal/router"
	"github.com/fyrsmithlabs/forgeloop/internal/spool"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration daemon",
	Long: `Start forged: register configured backends, begin health probing,
start the worker pool and the evolution scheduler, and serve the admin
API (/healthz, /metrics).

Examples:
  # Start with defaults
  forged serve

  # Start with a config file and env overrides
  FORGED_CORE_WORKERS=8 forged serve --config forged.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	log.Info(ctx, "starting forged",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("workers", cfg.Core.Workers))

	// Transport and registry.
	urls := make(map[string]string, len(cfg.Backends))
	for _, b := range cfg.Backends {
		urls[b.ID] = b.URL
	}
	client := agent.NewClient(urls, cfg.Router.CallTimeout.Duration()+cfg.Router.AcquireWait.Duration())

	reg := registry.New(cfg.Router.DegradeAfter)
	for _, b := range cfg.Backends {
		backend := registry.NewBackend(b.ID, b.Name, b.Capabilities, int64(b.MaxConcurrent))
		if err := reg.Register(backend); err != nil {
			return fmt.Errorf("register backend %s: %w", b.ID, err)
		}
	}
	checker := registry.NewHealthChecker(reg, client, log,
		cfg.Registry.ProbeInterval.Duration(),
		cfg.Registry.FailureThreshold,
		cfg.Registry.HealthyStreak)

	rtr := router.New(reg, client, log, router.Config{
		CallTimeout: cfg.Router.CallTimeout.Duration(),
		AcquireWait: cfg.Router.AcquireWait.Duration(),
	})

	// Workflow plumbing.
	q := queue.New(cfg.Queue.Retention.Duration())
	target, err := promote.NewTarget(cfg.Promote.Dir)
	if err != nil {
		return fmt.Errorf("init promotion target: %w", err)
	}
	sp, err := spool.New(cfg.Spool.Dir, log)
	if err != nil {
		return fmt.Errorf("init spool: %w", err)
	}

	machine := engine.New(rtr,
		gates.NewEvaluator(gates.Thresholds{
			MinCoverage:   cfg.Gates.MinCoverage,
			MaxIssues:     cfg.Gates.MaxIssues,
			MaxComplexity: cfg.Gates.MaxComplexity,
		}),
		agent.NewSandbox(rtr),
		target, log,
		engine.Config{
			MaxAttempts:    cfg.Engine.MaxAttempts,
			InitialBackoff: cfg.Engine.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Engine.MaxBackoff.Duration(),
		})

	sched := evolve.New(sp, q, sp, log, evolve.Config{
		Interval:     cfg.Evolve.Interval.Duration(),
		MaxCycles:    cfg.Evolve.MaxCycles,
		HistoryLimit: cfg.Evolve.HistoryLimit,
		TaskPriority: cfg.Evolve.TaskPriority,
	})

	orch := core.New(q, machine, sp, sched, log, core.Config{
		Workers:           cfg.Core.Workers,
		IssuePollInterval: cfg.Core.IssuePollInterval.Duration(),
	})

	// Admin API.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", func(c echo.Context) error {
		backends := make(map[string]string)
		for _, b := range reg.All() {
			backends[b.ID] = string(b.Health())
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"version":  version,
			"queue":    q.Len(),
			"backends": backends,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Run(ctx)
		return nil
	})
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info(context.Background(), "forged shutdown complete")
	return nil
}
