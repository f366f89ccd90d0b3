package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// These variables are set at build time via -ldflags, e.g.
//
//	go build -ldflags "-X bluetooth-audio/cmd/a2dp-demo/commands.Version=v1.0.0"
var (
	Version = "dev"
	Commit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "a2dp-demo %s (%s) %s/%s\n", Version, Commit, runtime.GOOS, runtime.GOARCH)
		if IsVerbose() {
			fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
			if cfg, err := GetConfig(); err == nil {
				fmt.Fprintf(out, "  adapter: %s\n", cfg.Adapter)
				fmt.Fprintf(out, "  role:    %s\n", cfg.Role)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
