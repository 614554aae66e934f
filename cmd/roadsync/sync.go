package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackroad/roadsync/internal/manifest"
	"github.com/blackroad/roadsync/internal/reconcile"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation cycle",
	Long: `Run a single reconciliation cycle across all configured backends.

The cycle:
  1. Probes backend health
  2. Reads a consistent snapshot from each reachable backend
  3. Resolves divergence (newest version wins; ties go to backend authority)
  4. Writes the resolved state back out
  5. Seals a manifest and appends it to the manifest log

Exits non-zero when the run aborts for lack of quorum or finishes with
unconverged entities.`,
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

		ctx := cmd.Context()
		report, err := s.checker().Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking backend health: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		m, runErr := orch.Run(ctx, report.Available())
		if m != nil {
			if err := s.mlog.Append(m); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to record manifest: %v\n", err)
			}
			fmt.Print(manifest.Render(m))
			fmt.Printf("\nCompleted in %v\n", time.Since(start).Round(time.Millisecond))
		}

		if runErr != nil {
			var quorum *reconcile.InsufficientQuorumError
			if errors.As(runErr, &quorum) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			} else {
				fmt.Fprintf(os.Stderr, "Error during sync: %v\n", runErr)
			}
			os.Exit(1)
		}
		if m.Status != manifest.RunCompleted {
			os.Exit(1)
		}
	},
}
