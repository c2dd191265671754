package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var trafficNSQDAddr string

// topicStats is the slice of the nsqd stats payload the traffic view uses.
type topicStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			InFlight int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Show queue backlog for the engine's topics",
	Long: `Show the current depth and in-flight counts of the occurrence and
action queues, straight from the nsqd stats endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/stats?format=json", trafficNSQDAddr))
		if err != nil {
			return fmt.Errorf("nsqd stats request failed: %w", err)
		}
		defer resp.Body.Close()

		var stats topicStats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("nsqd stats decode failed: %w", err)
		}

		if outputJSON {
			printOutput(stats)
			return nil
		}

		if len(stats.Topics) == 0 {
			fmt.Println("No topics found")
			return nil
		}
		for _, topic := range stats.Topics {
			fmt.Printf("%s (depth %d)\n", topic.Name, topic.Depth)
			for _, ch := range topic.Channels {
				fmt.Printf("  %-20s depth=%-6d inflight=%d\n", ch.Name, ch.Depth, ch.InFlight)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().StringVar(&trafficNSQDAddr, "nsqd", "localhost:4151", "nsqd HTTP address")
}
