package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"campaign-loop/internal/app"
)

var (
	showLimit    int
	showCampaign string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			CampaignID: showCampaign,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Display the control state of managed campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Campaigns(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of entries to display")
	showCmd.Flags().StringVar(&showCampaign, "campaign", "", "Only show entries for this campaign")
}
