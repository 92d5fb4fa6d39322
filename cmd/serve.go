package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/api"
	"github.com/sells-group/extract-router/internal/config"
	"github.com/sells-group/extract-router/internal/metrics"
	"github.com/sells-group/extract-router/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API and background provider monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer env.Close()

		m := metrics.New(prometheus.NewRegistry())
		collector := monitoring.NewCollector(env.Health, env.Quality, env.Costs, cfg.Quality.Thresholds).
			WithRefresh(env.Reload)

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			checker.OnSnapshot(m.ObserveSnapshot)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg, collector, m),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildRouter wires the admin API. Provider requests reload the trackers from
// the stores first, and /metrics refreshes the provider gauges from a fresh
// snapshot on every scrape.
func buildRouter(env *routerEnv, c *config.Config, collector *monitoring.Collector, m *metrics.Metrics) http.Handler {
	promHandler := m.Handler()
	scrape := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context())
		if err != nil {
			zap.L().Warn("metrics: collect snapshot", zap.Error(err))
		} else {
			m.ObserveSnapshot(snap)
		}
		promHandler.ServeHTTP(w, r)
	})

	return api.NewServer(api.Options{
		Health:         env.Health,
		Quality:        env.Quality,
		Costs:          env.Costs,
		Thresholds:     c.Quality.Thresholds,
		AllowedOrigins: c.Server.AllowedOrigins,
		Metrics:        scrape,
		Refresh:        env.Reload,
	}).Routes()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
