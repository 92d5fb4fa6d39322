package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/extract-router/internal/export"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a snapshot of the health and quality stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		if format == export.FormatXLSX && exportOut == "" {
			return eris.New("xlsx export requires --out")
		}

		env, err := initEnv(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := export.Collect(cmd.Context(), env.Providers, env.HealthStore, env.QualityStore)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", exportOut)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		return export.Write(w, snap, format)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "table", "output format: table, csv or xlsx")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
