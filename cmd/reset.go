package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resetHealthOnly  bool
	resetQualityOnly bool
)

var resetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Reset a provider's health and quality metrics",
	Long:  "Returns the provider to its default-initialized state. The circuit breaker is forced closed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if resetHealthOnly && resetQualityOnly {
			return errors.New("--health-only and --quality-only are mutually exclusive")
		}

		env, err := initEnv(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := providerArg(env, args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if !resetQualityOnly {
			if err := env.Health.ResetMetrics(ctx, id); err != nil {
				return err
			}
		}
		if !resetHealthOnly {
			if err := env.Quality.ResetMetrics(ctx, id); err != nil {
				return err
			}
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
		return err
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetHealthOnly, "health-only", false, "reset only health metrics")
	resetCmd.Flags().BoolVar(&resetQualityOnly, "quality-only", false, "reset only quality metrics")
	rootCmd.AddCommand(resetCmd)
}
