package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/planfile"
)

func newAnalyzeCmd(flags *rootFlags, v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <plan-file>",
		Short: "Print the dependency map, execution order and levels of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, flags, v, args[0])
		},
	}
}

func runAnalyze(cmd *cobra.Command, flags *rootFlags, v *viper.Viper, path string) error {
	cfg, err := loadConfig(flags, v)
	if err != nil {
		return err
	}
	file, err := planfile.Load(path)
	if err != nil {
		return err
	}
	eng := engine.New(engine.Config{Logger: newLogger(cfg, cmd.ErrOrStderr())})
	analysis, err := eng.Analyze(file.Plan)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), analysis)
}
