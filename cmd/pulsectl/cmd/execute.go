package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	executeTaskID int64
	executeEvent  string
	executeData   string
)

// executeCmd represents the execute command
var executeCmd = &cobra.Command{
	Use:   "execute <action-id>",
	Short: "Execute one action immediately",
	Long: `Execute a single action definition right now, outside the queue and
outside the binding rules. The call still writes an action call record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if executeTaskID <= 0 {
			return fmt.Errorf("--task is required")
		}

		body := map[string]any{"task_id": executeTaskID}
		if executeEvent != "" {
			body["event"] = executeEvent
		}
		if executeData != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(executeData), &data); err != nil {
				return fmt.Errorf("invalid --data json: %w", err)
			}
			body["data"] = data
		}

		resp, err := makeRequest("POST", fmt.Sprintf("/v1/actions/%s/execute", args[0]), body)
		if err != nil {
			return fmt.Errorf("execute request failed: %w", err)
		}

		var record map[string]any
		if err := decodeBody(resp, &record); err != nil {
			return err
		}

		if outputJSON {
			printOutput(record)
			return nil
		}

		if record["success"] == true {
			fmt.Printf("✓ Action %s succeeded (HTTP %v, %vms)\n",
				args[0], record["http_status"], record["duration_ms"])
		} else {
			fmt.Printf("✗ Action %s failed (HTTP %v): %v\n",
				args[0], record["http_status"], record["error"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(executeCmd)

	executeCmd.Flags().Int64Var(&executeTaskID, "task", 0, "task id (required)")
	executeCmd.Flags().StringVar(&executeEvent, "event", "", "event recorded on the call record (default task_updated)")
	executeCmd.Flags().StringVar(&executeData, "data", "", "JSON task data override (default: engine loads the task)")
}
