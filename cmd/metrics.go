package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/extract-router/internal/model"
)

var metricsJSON bool

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Inspect provider health and quality metrics",
}

var metricsHealthCmd = &cobra.Command{
	Use:   "health [provider]",
	Short: "Show provider health and circuit breaker state",
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

		rows := make([]model.ProviderHealthMetrics, 0, len(ids))
		for _, id := range ids {
			m, err := env.Health.GetMetrics(id)
			if err != nil {
				return err
			}
			rows = append(rows, m)
		}

		if metricsJSON {
			return writeJSON(cmd.OutOrStdout(), rows)
		}
		return formatHealthTable(cmd.OutOrStdout(), rows)
	},
}

var metricsQualityCmd = &cobra.Command{
	Use:   "quality [provider]",
	Short: "Show provider extraction quality",
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

		rows := make([]model.ProviderQualitySummary, 0, len(ids))
		for _, id := range ids {
			q, err := env.Quality.GetMetrics(id)
			if err != nil {
				return err
			}
			rows = append(rows, q)
		}

		if metricsJSON {
			return writeJSON(cmd.OutOrStdout(), rows)
		}
		return formatQualityTable(cmd.OutOrStdout(), rows)
	},
}

func formatHealthTable(out io.Writer, rows []model.ProviderHealthMetrics) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tSTATUS\tCIRCUIT\tOK\tFAIL\tCONSEC\tAVG_MS\tLAST_SUCCESS\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "--------\t------\t-------\t--\t----\t------\t------\t------------\t----------")
	for _, m := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.0f\t%s\t%s\n",
			m.ProviderName, m.HealthStatus, m.CircuitState,
			m.SuccessCount, m.FailureCount, m.ConsecutiveFailures,
			m.AverageResponseTimeMs, formatTime(m.LastSuccessAt), truncate(m.LastErrorMessage, 60),
		)
	}
	return w.Flush()
}

func formatQualityTable(out io.Writer, rows []model.ProviderQualitySummary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tEXTRACTIONS\tCONFIDENCE\tSTDDEV\tCOMPLETE%\tVALID%\tTREND\tSCORE")
	_, _ = fmt.Fprintln(w, "--------\t-----------\t----------\t------\t---------\t------\t-----\t-----")
	for _, q := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.3f\t%.3f\t%.1f\t%.1f\t%s\t%.1f\n",
			q.ProviderName, q.TotalExtractions, q.AverageOverallConfidence, q.ConfidenceStdDeviation,
			q.FieldCompletenessPct, q.ValidationSuccessRatePct, q.QualityTrend, q.QualityScore(),
		)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode json")
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	metricsCmd.PersistentFlags().BoolVar(&metricsJSON, "json", false, "print JSON instead of a table")
	metricsCmd.AddCommand(metricsHealthCmd, metricsQualityCmd)
	rootCmd.AddCommand(metricsCmd)
}
