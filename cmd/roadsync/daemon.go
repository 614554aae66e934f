package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackroad/roadsync/internal/daemon"
	"github.com/blackroad/roadsync/internal/reconcile"
)

var (
	daemonInterval time.Duration
	daemonLogFile  string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run reconciliation cycles continuously on an interval.

The daemon probes backend health before each cycle, reconciles, and appends
every sealed manifest to the manifest log. Divergence introduced between
cycles is picked up on the next tick; there is no file watching.

Stops cleanly on SIGINT or SIGTERM, letting an in-progress cycle finish.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := buildStack()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		orch, err := reconcile.New(s.cfg, s.adapters)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		dconfig := daemon.DefaultConfig()
		dconfig.Interval = daemonInterval
		dconfig.LogPath = daemonLogFile

		d, err := daemon.NewWithConfig(orch, s.checker(), s.mlog, dconfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 30*time.Second, "time between reconciliation cycles")
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "rotate daemon logs to this file instead of stderr")
}
