package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/extract-router/internal/model"
)

var compareJSON bool

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Rank providers by quality and by quality per dollar",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer env.Close()

		cmp, err := env.Quality.CompareProviders(env.Costs)
		if err != nil {
			return err
		}
		if compareJSON {
			return writeJSON(cmd.OutOrStdout(), cmp)
		}
		return formatComparison(cmd.OutOrStdout(), cmp)
	},
}

func formatComparison(out io.Writer, cmp model.ProviderQualityComparison) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tPROVIDER\tQUALITY\tCOST/CALL\tVALUE")
	_, _ = fmt.Fprintln(w, "----\t--------\t-------\t---------\t-----")
	for i, r := range cmp.ByQuality {
		costCol, valueCol := "-", "-"
		if r.CostPerCall > 0 {
			costCol = fmt.Sprintf("$%.4f", r.CostPerCall)
			valueCol = fmt.Sprintf("%.1f", r.ValueScore)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.1f\t%s\t%s\n", i+1, r.Provider, r.QualityScore, costCol, valueCol)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nRecommended: %s\n%s\n", cmp.Recommended, cmp.Justification)
	return err
}

func init() {
	compareCmd.Flags().BoolVar(&compareJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(compareCmd)
}
