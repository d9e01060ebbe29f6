package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

type publishResult struct {
	RunID    string `json:"run_id"`
	Entities int    `json:"entities"`
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Queue a change batch through the egress API",
	Long: `Post a change batch to the egress API, which queues it for egress-worker.
The batch is validated locally first.

Examples:
  egressctl publish --file batch.json
  egressctl publish --file batch.json --server egress-api:8080 --token $JWT_TOKEN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		_, body, err := readBatch(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}

		resp, err := makeHTTPRequest(cmd.Context(), http.MethodPost, "/v1/batches", body)
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("publish failed: HTTP %d: %s", resp.StatusCode, apiError(data))
		}

		var result publishResult
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), result)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Batch queued\n")
			fmt.Fprintf(cmd.OutOrStdout(), "  Run ID: %s\n", result.RunID)
			fmt.Fprintf(cmd.OutOrStdout(), "  Entities: %d\n", result.Entities)
		}
		return nil
	},
}

// apiError extracts the message from an API error body
func apiError(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringP("file", "f", "", "batch file (JSON), or - for stdin")
	publishCmd.MarkFlagRequired("file")
}
