package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackroad/roadsync/internal/daemon"
	"github.com/blackroad/roadsync/internal/dashboard"
	"github.com/blackroad/roadsync/internal/reconcile"
)

var (
	dashboardPort     int
	dashboardInterval time.Duration
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the sync daemon with a live dashboard",
	Long: `Run the sync daemon with a WebSocket dashboard attached.

Serves on the given port:
  /ws               live run events (run started, phases, entity resolutions,
                    sealed manifests)
  /health           current backend availability
  /manifest/latest  most recent sealed manifest

Reconciliation cycles run on the daemon interval, same as 'roadsync daemon'.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := buildStack()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		srv := dashboard.NewServer(&dashboard.Config{
			Port:        dashboardPort,
			Checker:     s.checker(),
			ManifestLog: s.mlog,
		})

		orch, err := reconcile.New(s.cfg, s.adapters, reconcile.WithEvents(srv))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		dconfig := daemon.DefaultConfig()
		dconfig.Interval = dashboardInterval

		d, err := daemon.NewWithConfig(orch, s.checker(), s.mlog, dconfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startErr := d.Start(ctx)
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if startErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", startErr)
			os.Exit(1)
		}
	},
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardPort, "port", 8080, "dashboard listen port")
	dashboardCmd.Flags().DurationVar(&dashboardInterval, "interval", 30*time.Second, "time between reconciliation cycles")
}
