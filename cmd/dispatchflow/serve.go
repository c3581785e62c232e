package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/dispatchflow/internal/config"
	"github.com/rendis/dispatchflow/internal/scheduler"
	dispatchmcp "github.com/rendis/dispatchflow/pkg/mcp"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(flags *rootFlags, v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch.* tools over MCP stdio",
		Long: `Serve exposes the engine as MCP tools on stdin/stdout. When metrics.addr
is set, Prometheus metrics and a health check are served over HTTP. Jobs
listed under scheduler.jobs run their plan files on cron schedules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags, v)
		},
	}
}

func runServe(cmd *cobra.Command, flags *rootFlags, v *viper.Viper) error {
	cfg, err := loadConfig(flags, v)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", slog.String("error", err.Error()))
		}
	}()

	srv := dispatchmcp.NewDispatchServer(dispatchmcp.DispatchServerDeps{
		Engine:    a.engine,
		Executor:  a.tools,
		Validator: a.validator,
		Tools:     a.tools,
		Logger:    logger,
		Version:   version,
	})

	sched, err := newScheduler(a, cfg.Scheduler.Interval, cfg.Scheduler.Jobs)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("mcp stdio server started", slog.String("version", version))
		err := srv.ServeIO(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
		stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Metrics.Addr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newMetricsMux(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// newScheduler returns nil when no jobs are configured.
func newScheduler(a *app, interval time.Duration, jobs []config.JobConfig) (*scheduler.Scheduler, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	sched := scheduler.New(a, interval, a.logger)
	now := time.Now()
	for _, j := range jobs {
		if err := sched.Add(scheduler.Job{Name: j.Name, Cron: j.Cron, Plan: j.Plan, Params: j.Params}, now); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func newMetricsMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.store != nil {
			if err := a.store.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
