package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackroad/roadsync/internal/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect and verify run manifests",
	Long: `Inspect the manifest log and verify manifest integrity.

Every reconciliation run appends a sealed manifest to the manifest log. The
seal is a digest chained over the manifest's entries in order, so any later
alteration of an entry (or its order) is detectable.`,
}

var manifestShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a recorded manifest",
	Long: `Show a recorded manifest in human-readable form.

Without arguments, shows the most recent run. With a run id, shows that run.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := lookupManifest(args)
		fmt.Print(manifest.Render(m))
	},
}

var manifestVerifyCmd = &cobra.Command{
	Use:   "verify [run-id]",
	Short: "Verify a recorded manifest's integrity",
	Long: `Recompute a recorded manifest's digest and compare it to the seal.

Without arguments, verifies the most recent run. Exits non-zero if the
manifest was altered after sealing.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m := lookupManifest(args)

		ok, err := manifest.Verify(m, m.Digest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error verifying manifest: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: manifest %s FAILED verification: contents do not match seal\n", m.RunID)
			os.Exit(1)
		}
		fmt.Printf("Manifest %s verified: %d entries intact\n", m.RunID, len(m.Entries))
	},
}

// lookupManifest resolves the run the user asked about, exiting on failure.
func lookupManifest(args []string) *manifest.Manifest {
	s, err := buildStack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	var m *manifest.Manifest
	if len(args) == 1 {
		m, err = s.mlog.Find(args[0])
	} else {
		m, err = s.mlog.Latest()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading manifest log: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		if len(args) == 1 {
			fmt.Fprintf(os.Stderr, "Error: no manifest recorded for run %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: no runs recorded yet\n")
		}
		os.Exit(1)
	}
	return m
}

func init() {
	manifestCmd.AddCommand(manifestShowCmd)
	manifestCmd.AddCommand(manifestVerifyCmd)
}
