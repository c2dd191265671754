package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	triggerTaskID  int64
	triggerEvent   string
	triggerData    string
	triggerDueDate string
	triggerDueTime string
)

// triggerCmd represents the trigger command
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a task lifecycle event",
	Long: `Trigger a task lifecycle event, fanning it out to every active bound
action. The engine applies its usual idempotency and duplicate suppression,
so re-triggering an already-fired idempotent event is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if triggerTaskID <= 0 {
			return fmt.Errorf("--task is required")
		}
		if triggerEvent == "" {
			return fmt.Errorf("--event is required")
		}

		body := map[string]any{
			"task_id": triggerTaskID,
			"event":   triggerEvent,
		}
		if triggerData != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(triggerData), &data); err != nil {
				return fmt.Errorf("invalid --data json: %w", err)
			}
			body["data"] = data
		}
		if triggerDueDate != "" {
			body["due_date"] = triggerDueDate
			if triggerDueTime != "" {
				body["due_time"] = triggerDueTime
			}
		}

		resp, err := makeRequest("POST", "/v1/events/trigger", body)
		if err != nil {
			return fmt.Errorf("trigger request failed: %w", err)
		}

		var result map[string]any
		if err := decodeBody(resp, &result); err != nil {
			return err
		}

		if outputJSON {
			printOutput(result)
		} else {
			fmt.Printf("✓ Event %s accepted for task %d\n", triggerEvent, triggerTaskID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().Int64Var(&triggerTaskID, "task", 0, "task id (required)")
	triggerCmd.Flags().StringVar(&triggerEvent, "event", "", "lifecycle event, e.g. task_overdue (required)")
	triggerCmd.Flags().StringVar(&triggerData, "data", "", "JSON task data override (default: engine loads the task)")
	triggerCmd.Flags().StringVar(&triggerDueDate, "due-date", "", "due date override, YYYY-MM-DD in the engine's input offset")
	triggerCmd.Flags().StringVar(&triggerDueTime, "due-time", "", "due time override, HH:MM (default midnight)")
}
