package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "roadsync",
	Short: "State synchronization and integrity verification",
	Long: `roadsync keeps entity state converged across heterogeneous backends.

Entities (projects, tasks, configuration documents) live simultaneously in a
file store, an embedded key-value store, and a CRM record store. roadsync
fingerprints each entity's payload, detects divergence, resolves it
deterministically, and fans the resolved state back out. Every run seals a
tamper-evident manifest describing exactly what changed.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: .roadsync/config.yaml)")
	flags.String("store", ".roadsync/store", "file store root directory")
	flags.String("db", ".roadsync/state.db", "key-value store database path")
	flags.String("crm-url", "", "CRM record store base URL (empty disables the CRM backend)")
	flags.String("crm-token", "", "CRM bearer token")
	flags.String("manifest-log", "", "manifest log path (default: <store>/manifests.jsonl)")

	for _, name := range []string{"config", "store", "db", "crm-url", "crm-token", "manifest-log"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("ROADSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
