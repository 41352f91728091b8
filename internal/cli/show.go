package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"drawfeed/internal/app"
)

var (
	historySource string
	historyLimit  int
	drawsItem     string
	drawsLimit    int
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Display endpoint pools with health and statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Endpoints(cmd.Context())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recent endpoint switches",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{
			SourceType: historySource,
			Limit:      historyLimit,
		})
	},
}

var drawsCmd = &cobra.Command{
	Use:   "draws",
	Short: "Display recent persisted draws of an item",
	RunE: func(cmd *cobra.Command, args []string) error {
		if drawsItem == "" {
			return fmt.Errorf("--item is required")
		}
		if drawsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Draws(cmd.Context(), drawsItem, drawsLimit)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historySource, "source", "", "Only show switches of this source-type")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of switches to display")

	drawsCmd.Flags().StringVar(&drawsItem, "item", "", "Item id")
	drawsCmd.Flags().IntVar(&drawsLimit, "limit", 20, "Number of draws to display")
}
