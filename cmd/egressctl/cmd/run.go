package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/consumers"
	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/pipeline"
)

type runResult struct {
	RunID     string              `json:"run_id"`
	Delivered int                 `json:"delivered"`
	Failed    int                 `json:"failed"`
	Outcomes  delivery.RunOutcome `json:"outcomes"`
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fan a change batch out in-process",
	Long: `Run a change batch through the full pipeline in this process: fetch the
documents and push them to every consumer with retries, then print the outcome
of each branch. Configuration is read from the same environment variables as
egress-worker.

Examples:
  egressctl run --file batch.json
  egressctl run --file - --consumers "http://localhost:8081/hook" < batch.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		rawConsumers, _ := cmd.Flags().GetString("consumers")
		runID, _ := cmd.Flags().GetString("run-id")

		msg, _, err := readBatch(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}
		if runID == "" {
			runID = msg.RunID
		}
		if runID == "" {
			runID = uuid.NewString()
		}

		opts := pipeline.Options{Logger: logging.NewWithWriter("egressctl", cmd.ErrOrStderr())}
		if rawConsumers != "" {
			endpoints, err := config.ParseConsumers(rawConsumers)
			if err != nil {
				return err
			}
			opts.Source = consumers.Static(endpoints)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := runBatch(ctx, config.FromEnv(), opts, runID, *msg.Batch)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), result)
		} else {
			printRunResult(cmd.OutOrStdout(), result)
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d consumers failed", result.Failed, result.Failed+result.Delivered)
		}
		return nil
	},
}

func runBatch(ctx context.Context, cfg config.Config, opts pipeline.Options, runID string, batch delivery.ChangeBatch) (runResult, error) {
	p, err := pipeline.Build(ctx, cfg, opts)
	if err != nil {
		return runResult{}, err
	}
	defer p.Close(context.Background())

	outcomes, err := p.Orchestrator.RunWithID(ctx, runID, batch)
	if err != nil {
		return runResult{}, err
	}
	delivered, failed := outcomes.Counts()
	return runResult{RunID: runID, Delivered: delivered, Failed: failed, Outcomes: outcomes}, nil
}

func printRunResult(w io.Writer, r runResult) {
	fmt.Fprintf(w, "Run %s: %d delivered, %d failed\n", r.RunID, r.Delivered, r.Failed)

	urls := make([]string, 0, len(r.Outcomes))
	for url := range r.Outcomes {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONSUMER\tSTATUS\tATTEMPTS\tREASON")
	for _, url := range urls {
		o := r.Outcomes[url]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", url, o.Status, o.Attempts, o.Reason)
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("file", "f", "", "batch file (JSON), or - for stdin")
	runCmd.Flags().String("consumers", "", "pipe-delimited consumer URLs (overrides CONSUMERS)")
	runCmd.Flags().String("run-id", "", "run id (defaults to the envelope run_id or a new UUID)")
	runCmd.MarkFlagRequired("file")
}
