package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rate-alarms/internal/app"
	"rate-alarms/internal/rates"
)

var (
	ratesProfile  string
	ratesCategory string

	triggersLimit int
	triggersToken string
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Display cached rate snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RatesOptions{}
		if ratesProfile != "" {
			p, err := rates.ParseProfile(ratesProfile)
			if err != nil {
				return err
			}
			opts.Profile = p
		}
		if ratesCategory != "" {
			cat := rates.Category(ratesCategory)
			switch cat {
			case rates.Currencies, rates.Golds, rates.Silvers:
			default:
				return fmt.Errorf("--category must be one of currencies, golds, silvers")
			}
			opts.Category = cat
		}
		return getApp().Rates(cmd.Context(), opts)
	},
}

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Display recently fired alarms from the audit table",
	RunE: func(cmd *cobra.Command, args []string) error {
		if triggersLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.TriggersOptions{
			Limit: triggersLimit,
			Token: triggersToken,
		}

		return getApp().Triggers(cmd.Context(), opts)
	},
}

func init() {
	ratesCmd.Flags().StringVar(&ratesProfile, "profile", "", "Price profile (raw or jeweler); all when empty")
	ratesCmd.Flags().StringVar(&ratesCategory, "category", "", "Asset category (currencies, golds, silvers); all when empty")

	triggersCmd.Flags().IntVar(&triggersLimit, "limit", 20, "Number of triggers to display")
	triggersCmd.Flags().StringVar(&triggersToken, "token", "", "Only show triggers for this device token")
}
