package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/dispatchflow/internal/planfile"
	"github.com/rendis/dispatchflow/pkg/schema"
)

func newValidateCmd(flags *rootFlags, v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, flags, v, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, flags *rootFlags, v *viper.Viper, path string) error {
	cfg, err := loadConfig(flags, v)
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	file, err := planfile.Load(path)
	if err != nil {
		return err
	}
	result := a.validator.Validate(file.Plan)
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), result.String())
	if !result.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %d validation errors", path, len(result.Errors))
	}
	return nil
}
