package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Manage webhook subscriptions",
	Long:  `Create, inspect, and manage the tenant's webhook subscriptions.`,
}

// createSubscriptionCmd represents the create subscription command
var createSubscriptionCmd = &cobra.Command{
	Use:   "create [url] [event-filter]",
	Short: "Create a new webhook subscription",
	Long: `Create a new webhook subscription. The event filter is a comma-separated
list of tags; "*" subscribes to everything.

Example:
  hookctl subscription create https://example.com/hook 'message.delivered,message.bounced'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"url":          args[0],
			"event_filter": strings.Split(args[1], ","),
		}
		if v, _ := cmd.Flags().GetInt("batch-size"); cmd.Flags().Changed("batch-size") {
			body["batch_size"] = v
		}
		if v, _ := cmd.Flags().GetInt("max-retries"); cmd.Flags().Changed("max-retries") {
			body["max_retries"] = v
		}

		resp, err := doRequest("POST", "/v1/subscriptions", body)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// listSubscriptionsCmd represents the list subscriptions command
var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("GET", "/v1/subscriptions", nil)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// getSubscriptionCmd represents the get subscription command
var getSubscriptionCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Show one subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("GET", "/v1/subscriptions/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// disableSubscriptionCmd represents the disable subscription command
var disableSubscriptionCmd = &cobra.Command{
	Use:   "disable [subscription-id]",
	Short: "Disable a subscription",
	Long:  `Disable a subscription. Future events stop fanning out to it; history is kept.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("POST", "/v1/subscriptions/"+args[0]+"/disable", nil)
		if err != nil {
			return fmt.Errorf("failed to disable subscription: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

// rotateSecretCmd represents the rotate-secret command
var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [subscription-id]",
	Short: "Rotate a subscription's signing secret",
	Long:  `Rotate the signing secret. The new secret is printed once and never again.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("POST", "/v1/subscriptions/"+args[0]+"/rotate-secret", nil)
		if err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd)
	subscriptionCmd.AddCommand(listSubscriptionsCmd)
	subscriptionCmd.AddCommand(getSubscriptionCmd)
	subscriptionCmd.AddCommand(disableSubscriptionCmd)
	subscriptionCmd.AddCommand(rotateSecretCmd)

	// Flags for create
	createSubscriptionCmd.Flags().Int("batch-size", 1, "events coalesced per delivery")
	createSubscriptionCmd.Flags().Int("max-retries", 8, "retries after the first failed attempt")
}
