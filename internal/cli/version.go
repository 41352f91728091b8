package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"drawfeed/internal/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, version.Version)
			return
		}
		fmt.Fprintf(out, "%s\ncommit: %s\nbuilt: %s\ngo: %s %s/%s\n",
			version.UserAgent(), version.Commit, version.BuildDate,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
}
