package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"os"

	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/internal/config"
	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/logging"
	"github.com/rendis/dispatchflow/internal/metrics"
	"github.com/rendis/dispatchflow/internal/planfile"
	"github.com/rendis/dispatchflow/internal/store"
	"github.com/rendis/dispatchflow/internal/tools"
	"github.com/rendis/dispatchflow/internal/validation"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// app is the wired process: config, logger, store, tools and engine.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	metrics   *metrics.Collector
	tools     *tools.Registry
	remote    *tools.MCPExecutor
	validator *validation.PlanValidator
	engine    *engine.Engine
}

// loadConfig binds and loads configuration for a command invocation.
func loadConfig(flags *rootFlags, v *viper.Viper) (*config.Config, error) {
	config.Bind(v, flags.cfgFile)
	return config.Load(v)
}

// newLogger writes JSON logs to stderr so stdout stays free for results
// and the stdio transport.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return logging.New(w, cfg.Log.Level)
}

// buildApp wires every component from cfg. withStore false skips the store
// even when it is enabled, for commands that never persist.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withStore bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector(), tools: tools.NewRegistry()}

	if err := tools.RegisterBuiltins(a.tools); err != nil {
		return nil, err
	}
	if cfg.MCP.Endpoint != "" {
		remote, err := tools.NewMCPExecutor(tools.MCPConfig{
			Endpoint: cfg.MCP.Endpoint,
			Timeout:  cfg.MCP.Timeout,
			Version:  version,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		a.remote = remote
		a.tools.SetFallback(remote)
	}

	validator, err := validation.NewPlanValidator(a.tools)
	if err != nil {
		return nil, err
	}
	a.validator = validator

	engineCfg := engine.Config{
		Observer:      a.metrics,
		Logger:        logger,
		StopOnFailure: cfg.Engine.StopOnFailure,
	}
	if withStore && cfg.Store.Enabled {
		s, err := store.NewLibSQLStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		a.store = s
		engineCfg.Store = s
	}
	a.engine = engine.New(engineCfg)
	return a, nil
}

// Close releases the remote session and the store.
func (a *app) Close() error {
	var errs []error
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// planRun is the result of running one plan file to completion.
type planRun struct {
	ExecutionID string                  `json:"execution_id"`
	Outcomes    []*schema.StepOutcome   `json:"outcomes"`
	Status      *schema.ExecutionStatus `json:"status"`
}

// runPlanFile loads, validates, prepares and runs the plan at path. extra
// globals override the ones declared in the file. Unless keep is set the
// execution context is cleaned up before returning.
func (a *app) runPlanFile(ctx context.Context, path string, extra map[string]any, keep bool) (*planRun, error) {
	file, err := planfile.Load(path)
	if err != nil {
		return nil, err
	}
	if err := a.validator.ValidatePlan(file.Plan); err != nil {
		return nil, err
	}

	globals := maps.Clone(file.Globals)
	if globals == nil {
		globals = map[string]any{}
	}
	maps.Copy(globals, extra)
	if len(file.GlobalsSchema) > 0 {
		if err := a.validator.ValidateGlobals(globals, file.GlobalsSchema); err != nil {
			return nil, err
		}
	}

	exec, err := a.engine.Prepare(ctx, file.Plan, globals)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	if !keep {
		defer a.engine.Cleanup(ctx, exec.ID)
	}

	outcomes, err := a.engine.Run(ctx, exec.ID, a.tools)
	if err != nil {
		return nil, err
	}
	status, err := a.engine.Status(exec.ID)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "plan finished",
		slog.String("plan", path),
		slog.Int("steps", len(outcomes)))
	return &planRun{ExecutionID: exec.ID, Outcomes: outcomes, Status: status}, nil
}

// RunPlan runs a scheduled plan file and reports a failed step as an error.
func (a *app) RunPlan(ctx context.Context, path string, params map[string]any) error {
	run, err := a.runPlanFile(ctx, path, params, false)
	if err != nil {
		return err
	}
	for _, o := range run.Outcomes {
		if o.Status == schema.StepStatusFailed {
			return schema.NewErrorf(schema.ErrCodeExecution, "step %s failed: %s", o.StepID, o.Error).WithStep(o.StepID)
		}
	}
	return nil
}
