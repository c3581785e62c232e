package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/internal/store"
	"github.com/rendis/dispatchflow/pkg/schema"
)

type executionsFlags struct {
	state  string
	since  time.Duration
	limit  int
	vacuum bool
}

func newExecutionsCmd(flags *rootFlags, v *viper.Viper) *cobra.Command {
	ef := &executionsFlags{}
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List persisted executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExecutions(cmd, flags, v, ef)
		},
	}
	cmd.Flags().StringVar(&ef.state, "state", "", "Filter by state: active or cleaned")
	cmd.Flags().DurationVar(&ef.since, "since", 0, "Only executions started within this duration")
	cmd.Flags().IntVar(&ef.limit, "limit", 50, "Maximum number of executions")
	cmd.Flags().BoolVar(&ef.vacuum, "vacuum", false, "Compact the database after listing")
	return cmd
}

func runExecutions(cmd *cobra.Command, flags *rootFlags, v *viper.Viper, ef *executionsFlags) error {
	cfg, err := loadConfig(flags, v)
	if err != nil {
		return err
	}
	if !cfg.Store.Enabled {
		return schema.NewError(schema.ErrCodeStore, "store is disabled")
	}

	filter := store.ExecutionFilter{Limit: ef.limit}
	switch state := store.ExecutionState(ef.state); state {
	case "":
	case store.ExecutionActive, store.ExecutionCleaned:
		filter.State = &state
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown state %q", ef.state)
	}
	if ef.since > 0 {
		since := time.Now().Add(-ef.since)
		filter.Since = &since
	}

	a, err := buildApp(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	list, err := a.store.ListExecutions(cmd.Context(), filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, e := range list {
		fmt.Fprintf(out, "%s\t%s\t%s\t%d steps\n", e.ID, e.State, e.StartedAt.UTC().Format(time.RFC3339), len(e.Order))
	}

	if ef.vacuum {
		return a.store.Vacuum(cmd.Context())
	}
	return nil
}
