package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootFlags struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "dispatchflow",
		Short:         "dispatchflow executes declarative plans of tool calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "Config file (default ./dispatchflow.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	_ = v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(newServeCmd(flags, v))
	cmd.AddCommand(newValidateCmd(flags, v))
	cmd.AddCommand(newAnalyzeCmd(flags, v))
	cmd.AddCommand(newRunCmd(flags, v))
	cmd.AddCommand(newDiagramCmd(flags, v))
	cmd.AddCommand(newExecutionsCmd(flags, v))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
