package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	recordsTaskID int64
	recordsLimit  int
)

// recordsCmd represents the records command
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List action call records",
	Long:  `List the most recent action call records, optionally filtered by task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/v1/records?limit=%d", recordsLimit)
		if recordsTaskID > 0 {
			path += fmt.Sprintf("&task_id=%d", recordsTaskID)
		}

		resp, err := makeRequest("GET", path, nil)
		if err != nil {
			return fmt.Errorf("records request failed: %w", err)
		}

		var result struct {
			Records []map[string]any `json:"records"`
		}
		if err := decodeBody(resp, &result); err != nil {
			return err
		}

		if outputJSON {
			printOutput(result.Records)
			return nil
		}

		if len(result.Records) == 0 {
			fmt.Println("No call records found")
			return nil
		}
		for _, r := range result.Records {
			mark := "✗"
			if r["success"] == true {
				mark = "✓"
			}
			fmt.Printf("%s task=%v event=%v %v %v status=%v %vms %v\n",
				mark, r["task_id"], r["trigger_event"], r["method"], r["url"],
				r["http_status"], r["duration_ms"], r["created_at"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)

	recordsCmd.Flags().Int64Var(&recordsTaskID, "task", 0, "filter by task id")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 50, "maximum records to return")
}
