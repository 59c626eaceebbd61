package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the delivery service",
	Long:  `Send a health check request to verify the service is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			return fmt.Errorf("HTTP error: %s", resp.Status)
		}

		fmt.Println("Pong! Service is running")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
