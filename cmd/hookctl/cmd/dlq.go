package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered deliveries",
	Long:  `List the tenant's dead-lettered deliveries, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := doRequest("GET", fmt.Sprintf("/v1/dlq?limit=%d", limit), nil)
		if err != nil {
			return fmt.Errorf("failed to list dlq: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.Flags().Int("limit", 50, "maximum rows to return")
}
