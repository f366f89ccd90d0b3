//go:build linux

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-audio/internal/a2dp"
	"bluetooth-audio/internal/connmgr"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List devices advertising A2DP",
	Long: `Start discovery on the configured adapter and list devices that
advertise the Audio Source or Audio Sink service until the timeout expires.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 10*time.Second, "discovery duration")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	m := connmgr.New(connmgr.Options{
		Adapter: cfg.Adapter,
		Logger:  slog.Default().With("component", "connmgr"),
	}, func(a2dp.Event) error { return nil })
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("close connmgr", "error", err)
		}
	}()

	devices, err := m.ScanAudio(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "no audio devices found")
		return nil
	}
	for i, d := range devices {
		roles := make([]string, 0, len(d.Roles))
		for _, r := range d.Roles {
			roles = append(roles, r.String())
		}
		name := d.Alias
		if name == "" {
			name = d.Name
		}
		fmt.Fprintf(out, "[%d] %s  %-24s %s\n", i, d.MAC, name, strings.Join(roles, ","))
	}
	return nil
}
