package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/internal/diagram"
	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/planfile"
	"github.com/rendis/dispatchflow/internal/store"
	"github.com/rendis/dispatchflow/pkg/schema"
)

type diagramFlags struct {
	format      string
	executionID string
	output      string
}

func newDiagramCmd(flags *rootFlags, v *viper.Viper) *cobra.Command {
	df := &diagramFlags{}
	cmd := &cobra.Command{
		Use:   "diagram [plan-file]",
		Short: "Render the dependency graph of a plan or a persisted execution",
		Long: `Diagram renders a plan as Mermaid, ASCII, DOT, PNG or SVG. With --execution
the plan and step statuses are read from the store instead of a file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagram(cmd, flags, v, df, args)
		},
	}
	cmd.Flags().StringVarP(&df.format, "format", "f", "mermaid", "Output format: mermaid, ascii, dot, png or svg")
	cmd.Flags().StringVarP(&df.executionID, "execution", "e", "", "Render a persisted execution with its step statuses")
	cmd.Flags().StringVarP(&df.output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

func runDiagram(cmd *cobra.Command, flags *rootFlags, v *viper.Viper, df *diagramFlags, args []string) error {
	if (len(args) == 1) == (df.executionID != "") {
		return schema.NewError(schema.ErrCodeValidation, "pass either a plan file or --execution")
	}
	cfg, err := loadConfig(flags, v)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var (
		plan   *schema.Plan
		status *schema.ExecutionStatus
		title  string
	)
	if df.executionID != "" {
		a, err := buildApp(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), true)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		if a.store == nil {
			return schema.NewError(schema.ErrCodeStore, "store is disabled")
		}
		rec, err := a.store.GetExecution(ctx, df.executionID)
		if err != nil {
			return err
		}
		records, err := store.NewEventLog(a.store).ReplayStatuses(ctx, df.executionID)
		if err != nil {
			return err
		}
		status = &schema.ExecutionStatus{ExecutionID: rec.ID, StepStatus: make(map[string]string, len(records))}
		for id, r := range records {
			status.StepStatus[id] = string(r.Status)
		}
		plan, title = &rec.Plan, rec.ID
	} else {
		file, err := planfile.Load(args[0])
		if err != nil {
			return err
		}
		plan, title = file.Plan, filepath.Base(args[0])
	}

	analysis, err := engine.New(engine.Config{}).Analyze(plan)
	if err != nil {
		return err
	}
	model, err := diagram.Build(title, plan, analysis, status)
	if err != nil {
		return err
	}

	var out []byte
	switch strings.ToLower(df.format) {
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	case "ascii":
		out = []byte(diagram.RenderASCII(model))
	case "dot":
		out, err = diagram.RenderImage(ctx, model, graphviz.XDOT)
	case "png":
		out, err = diagram.RenderImage(ctx, model, graphviz.PNG)
	case "svg":
		out, err = diagram.RenderImage(ctx, model, graphviz.SVG)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", df.format)
	}
	if err != nil {
		return err
	}

	if df.output != "" {
		if err := os.WriteFile(df.output, out, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", df.output, err)
		}
		return nil
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
