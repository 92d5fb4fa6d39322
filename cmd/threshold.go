package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/extract-router/internal/config"
	"github.com/sells-group/extract-router/internal/model"
)

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Manage quality routing thresholds",
}

var thresholdShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active quality thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeJSON(cmd.OutOrStdout(), cfg.Quality.Thresholds)
	},
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update quality thresholds and save them to the threshold file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := cfg.Quality.Thresholds
		f := cmd.Flags()
		if f.Changed("min-confidence") {
			t.MinimumAverageConfidence, _ = f.GetFloat64("min-confidence")
		}
		if f.Changed("min-completeness") {
			t.MinimumFieldCompletenessPct, _ = f.GetFloat64("min-completeness")
		}
		if f.Changed("max-failure-rate") {
			t.MaximumValidationFailureRatePct, _ = f.GetFloat64("max-failure-rate")
		}
		if f.Changed("window") {
			t.EvaluationWindowSize, _ = f.GetInt("window")
		}

		next := *cfg
		next.Quality.Thresholds = t
		if err := next.Validate("admin"); err != nil {
			return err
		}
		if err := config.SaveThresholds(cfg.Quality.ThresholdFile, t); err != nil {
			return err
		}
		cfg.Quality.Thresholds = t

		_, err := fmt.Fprintf(cmd.OutOrStdout(), "saved thresholds to %s\n", cfg.Quality.ThresholdFile)
		return err
	},
}

var thresholdCheckCmd = &cobra.Command{
	Use:   "check [provider]",
	Short: "Check providers against the quality thresholds",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer env.Close()

		ids := env.Providers.IDs()
		if len(args) == 1 {
			id, err := providerArg(env, args[0])
			if err != nil {
				return err
			}
			ids = []model.ProviderID{id}
		}

		out := cmd.OutOrStdout()
		for _, id := range ids {
			res, err := env.Quality.CheckQualityThreshold(id, cfg.Quality.Thresholds)
			if err != nil {
				_, _ = fmt.Fprintf(out, "%s: %v\n", id, err)
				continue
			}
			verdict := "PASS"
			if !res.Passes {
				verdict = "FAIL"
			}
			if res.Provisional {
				verdict += " (provisional)"
			}
			_, _ = fmt.Fprintf(out, "%s: %s\n", id, verdict)
			if len(res.Failures) > 0 {
				_, _ = fmt.Fprintf(out, "  %s\n", strings.Join(res.Failures, "\n  "))
			}
		}
		return nil
	},
}

func init() {
	f := thresholdSetCmd.Flags()
	f.Float64("min-confidence", 0, "minimum average confidence (0-1)")
	f.Float64("min-completeness", 0, "minimum field completeness percentage")
	f.Float64("max-failure-rate", 0, "maximum validation failure rate percentage")
	f.Int("window", 0, "evaluation window size (>= 10)")

	thresholdCmd.AddCommand(thresholdShowCmd, thresholdSetCmd, thresholdCheckCmd)
	rootCmd.AddCommand(thresholdCmd)
}
