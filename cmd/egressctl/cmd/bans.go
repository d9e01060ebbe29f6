package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/consumers"
	"github.com/austindbirch/harbor_egress/internal/db"
)

// bansCmd represents the bans command
var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Manage banned consumers",
	Long: `List and clear consumers that were banned after exhausting their retries.
Requires DB_ENABLED=true and the DB_* connection settings.`,
}

var bansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List banned consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBanList(cmd.Context(), func(ctx context.Context, bans *consumers.BanList) error {
			list, err := bans.List(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				if list == nil {
					list = []consumers.Ban{}
				}
				printOutput(out, list)
				return nil
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No banned consumers")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CONSUMER\tBANNED AT\tRUN\tREASON")
			for _, b := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.URL, b.BannedAt.Format(time.RFC3339), b.RunID, b.Reason)
			}
			return tw.Flush()
		})
	},
}

var bansClearCmd = &cobra.Command{
	Use:   "clear [consumer-url]",
	Short: "Lift the ban on a consumer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBanList(cmd.Context(), func(ctx context.Context, bans *consumers.BanList) error {
			cleared, err := bans.Clear(ctx, args[0])
			if err != nil {
				return err
			}
			if !cleared {
				return fmt.Errorf("consumer %s is not banned", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared ban on %s\n", args[0])
			return nil
		})
	},
}

func withBanList(ctx context.Context, fn func(context.Context, *consumers.BanList) error) error {
	cfg := config.FromEnv()
	if !cfg.DB.Enabled {
		return errors.New("bans need the database: set DB_ENABLED=true")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer pool.Close()

	return fn(ctx, consumers.NewBanList(pool, false, nil))
}

func init() {
	rootCmd.AddCommand(bansCmd)
	bansCmd.AddCommand(bansListCmd)
	bansCmd.AddCommand(bansClearCmd)
}
