package cli

import (
	"github.com/spf13/cobra"

	"drawfeed/internal/app"
)

var (
	pollSource string
	pollDryRun bool
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one acquisition cycle and print the result per item",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Poll(cmd.Context(), app.PollOptions{
			SourceType: pollSource,
			DryRun:     pollDryRun,
		})
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one endpoint health check pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context())
	},
}

func init() {
	pollCmd.Flags().StringVar(&pollSource, "source", "", "Only poll this source-type")
	pollCmd.Flags().BoolVar(&pollDryRun, "dry-run", false, "Do not write to the database")
}
