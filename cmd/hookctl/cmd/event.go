package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish webhook events",
	Long:  `Publish events for fan-out to the tenant's subscriptions.`,
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [event-type] [payload-json]",
	Short: "Publish a webhook event",
	Long: `Publish a webhook event with a JSON payload.

Example:
  hookctl event publish message.delivered '{"message_id":"msg_789","recipient":"jo@example.com"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType := args[0]
		payloadJSON := args[1]

		relatedID, _ := cmd.Flags().GetString("related-id")

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		resp, err := doRequest("POST", "/v1/events", map[string]any{
			"event_type": eventType,
			"payload":    payload,
			"related_id": relatedID,
		})
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Println("Event accepted for delivery")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	// Flags for publish
	publishCmd.Flags().String("related-id", "", "id of the platform object the event is about")
}
