package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and replay deliveries",
	Long:  `Inspect delivery attempt history and replay dead deliveries.`,
}

// listDeliveriesCmd represents the list deliveries command
var listDeliveriesCmd = &cobra.Command{
	Use:   "list [subscription-id]",
	Short: "List recent delivery attempts for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		path := fmt.Sprintf("/v1/deliveries?subscription_id=%s&limit=%d", args[0], limit)
		resp, err := doRequest("GET", path, nil)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// getDeliveryCmd represents the get delivery command
var getDeliveryCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show the full attempt history of one delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("GET", "/v1/deliveries/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// replayDeliveryCmd represents the replay delivery command
var replayDeliveryCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Replay a delivery as a fresh lineage",
	Long: `Replay a delivery. A new delivery id is minted and the event goes through
the normal retry policy again.

Example:
  hookctl delivery replay 6a1f1b1e-... --reason "endpoint fixed"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		resp, err := doRequest("POST", "/v1/deliveries/"+args[0]+"/replay", map[string]any{
			"reason": reason,
		})
		if err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)
	deliveryCmd.AddCommand(getDeliveryCmd)
	deliveryCmd.AddCommand(replayDeliveryCmd)

	// Flags
	listDeliveriesCmd.Flags().Int("limit", 50, "maximum rows to return")
	replayDeliveryCmd.Flags().String("reason", "", "operator note recorded with the replay")
}
