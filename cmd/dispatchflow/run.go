package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/internal/planfile"
)

type runFlags struct {
	paramsFile string
	keep       bool
}

func newRunCmd(flags *rootFlags, v *viper.Viper) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Prepare and run every step of a plan",
		Long: `Run prepares an execution for the plan, executes its steps in dependency
order and prints the outcomes and the final context as JSON. Globals from
--params override the ones declared in the plan file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags, v, rf, args[0])
		},
	}
	cmd.Flags().StringVarP(&rf.paramsFile, "params", "p", "", "YAML or JSON file with global parameters")
	cmd.Flags().BoolVar(&rf.keep, "keep", false, "Keep the execution context instead of cleaning it up")
	return cmd
}

func runRun(cmd *cobra.Command, flags *rootFlags, v *viper.Viper, rf *runFlags, path string) error {
	cfg, err := loadConfig(flags, v)
	if err != nil {
		return err
	}

	var extra map[string]any
	if rf.paramsFile != "" {
		if extra, err = planfile.LoadGlobals(rf.paramsFile); err != nil {
			return err
		}
	}

	a, err := buildApp(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	run, err := a.runPlanFile(cmd.Context(), path, extra, rf.keep)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), run)
}
