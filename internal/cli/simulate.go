package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"drawfeed/internal/app"
)

var (
	simulateSource   string
	simulateFailures int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-failover",
	Short: "对端点池注入连续失败并演练自动切换",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSource == "" {
			return errors.New("--source 必须指定")
		}
		return getApp().SimulateFailover(cmd.Context(), app.SimulateOptions{
			SourceType: simulateSource,
			Failures:   simulateFailures,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "", "来源类型")
	simulateCmd.Flags().IntVar(&simulateFailures, "failures", 0, "注入的连续失败次数（默认等于失败阈值）")
}
