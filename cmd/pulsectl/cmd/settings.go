package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// settingsCmd represents the settings command group
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and tune the scheduler settings",
}

// settingsGetCmd lists the stored scheduler settings
var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "List the stored scheduler settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/v1/settings", nil)
		if err != nil {
			return fmt.Errorf("settings request failed: %w", err)
		}

		var values map[string]string
		if err := decodeBody(resp, &values); err != nil {
			return err
		}

		if outputJSON {
			printOutput(values)
			return nil
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-28s %s\n", k, values[k])
		}
		return nil
	},
}

// settingsSetCmd updates scheduler settings
var settingsSetCmd = &cobra.Command{
	Use:   "set <key>=<value> [<key>=<value>...]",
	Short: "Update scheduler settings",
	Long: `Update one or more scheduler settings. Changes are picked up at the
engine's next settings refresh; cron expression changes re-register the
sweep schedules.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates := make(map[string]string, len(args))
		for _, arg := range args {
			k, v, ok := strings.Cut(arg, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid setting %q, want key=value", arg)
			}
			updates[k] = v
		}

		resp, err := makeRequest("PUT", "/v1/settings", updates)
		if err != nil {
			return fmt.Errorf("settings request failed: %w", err)
		}

		var result map[string]any
		if err := decodeBody(resp, &result); err != nil {
			return err
		}

		if outputJSON {
			printOutput(result)
		} else {
			fmt.Printf("✓ Updated %d setting(s), applied on next refresh\n", len(updates))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}
