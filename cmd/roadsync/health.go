package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe backend availability",
	Long: `Probe every configured backend and report availability.

Each backend gets a transport-appropriate check: a directory stat for the
file store, a database ping for the key-value store, an HTTP request for the
CRM. Exits non-zero if any backend is down.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := buildStack()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		report, err := s.checker().Run(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		for _, c := range report.Checks {
			status := "up"
			if !c.Healthy {
				status = "DOWN"
			}
			fmt.Printf("%-12s %-5s %8v", c.Probe, status, c.Latency.Round(time.Microsecond))
			if c.Error != "" {
				fmt.Printf("  %s", c.Error)
			}
			fmt.Println()
		}
		fmt.Printf("\nReport digest: %s\n", report.Digest)

		if !report.Healthy() {
			os.Exit(1)
		}
	},
}
