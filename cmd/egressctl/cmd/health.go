package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_egress/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the egress API",
	Long:  `Check the health status of the egress API and its dependencies using /healthz.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(cmd.Context(), http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		var status health.Status
		if err := json.Unmarshal(data, &status); err != nil {
			status = health.Status{OK: resp.StatusCode == http.StatusOK, Message: string(data)}
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, status)
			return nil
		}
		if resp.StatusCode == http.StatusOK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", resp.StatusCode, status.Message)
		}
		for name, ok := range status.Checks {
			mark := "✓"
			if !ok {
				mark = "✗"
			}
			fmt.Fprintf(out, "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
