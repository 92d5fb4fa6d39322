package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/config"
)

var (
	cfg         *config.Config
	logLevelArg string
)

var rootCmd = &cobra.Command{
	Use:   "extract-router",
	Short: "Provider health, quality and routing for document extraction",
	Long:  "Tracks the health and extraction quality of external extraction providers, routes units of work between them, and exposes the learned metrics for inspection and administration.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadRuntime(logLevelArg)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// loadRuntime reads the configuration from the working directory and
// installs the global logger. A non-empty level overrides log.level.
func loadRuntime(level string) (*config.Config, error) {
	c, err := config.Load()
	if err != nil {
		return nil, eris.Wrap(err, "load config")
	}
	if level != "" {
		c.Log.Level = level
	}
	if err := config.InitLogger(c.Log); err != nil {
		return nil, eris.Wrap(err, "init logger")
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
