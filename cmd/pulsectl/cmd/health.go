package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the TaskPulse engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == 200 {
			fmt.Println("✓ Engine is healthy")
		} else {
			fmt.Printf("✗ Engine is unhealthy (HTTP %d)\n", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
