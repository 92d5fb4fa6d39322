package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/extract-router/internal/metrics"
	"github.com/sells-group/extract-router/internal/replay"
)

var (
	replayStrategy string
	replayDryRun   bool
	replayPushURL  string
)

var replayCmd = &cobra.Command{
	Use:   "replay <cases.jsonl>",
	Short: "Route recorded provider responses through the orchestrator",
	Long:  "Replays recorded units of work, one JSON case per line, through the configured selection strategy. Outcomes update the persisted metrics unless --dry-run is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		cases, err := replay.ReadCases(f)
		if err != nil {
			return err
		}

		runCfg := *cfg
		if replayStrategy != "" {
			runCfg.Orchestrator.Strategy = replayStrategy
		}

		env, err := initEnv(ctx, &runCfg, replayDryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		m := metrics.New(prometheus.NewRegistry())
		orch, err := env.newOrchestrator(&runCfg, replay.NewExtractor(cases), m)
		if err != nil {
			return err
		}

		results, sum, runErr := replay.Run(ctx, orch, cases)

		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := orch.Close(drainCtx); err != nil {
			return err
		}

		counts, err := m.AttemptCounts()
		if err != nil {
			return err
		}
		if err := formatReplay(cmd.OutOrStdout(), results, sum, counts); err != nil {
			return err
		}
		if replayPushURL != "" {
			if err := m.Push(drainCtx, replayPushURL, "extract_router_replay"); err != nil {
				return err
			}
		}
		return runErr
	},
}

func formatReplay(out io.Writer, results []replay.Result, sum replay.Summary, counts []metrics.AttemptCount) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REQUEST\tPROVIDER\tATTEMPTS\tCONFIDENCE\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t--------\t--------\t----------\t-----")
	for _, r := range results {
		if r.Err != nil {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", r.RequestID, truncate(r.Err.Error(), 80))
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t\n",
			r.RequestID, r.Result.Provider, len(r.Result.Attempts), r.Result.Outcome.OverallConfidence)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "\n%d cases: %d routed, %d failed\n\n", sum.Cases, sum.Routed, sum.Failed); err != nil {
		return err
	}

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tSTATUS\tATTEMPTS")
	_, _ = fmt.Fprintln(w, "--------\t------\t--------")
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", c.Provider, c.Status, c.Count)
	}
	return w.Flush()
}

func init() {
	replayCmd.Flags().StringVar(&replayStrategy, "strategy", "", "override the configured strategy (all_providers, failover, quality_based)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "use in-memory trackers and leave the stores untouched")
	replayCmd.Flags().StringVar(&replayPushURL, "push-url", "", "Pushgateway URL to push the attempt metrics to after the run")
	rootCmd.AddCommand(replayCmd)
}
