// Package commands implements the vernemqd CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vernemqd",
	Short: "Clustered MQTT routing and subscription registry daemon",
	Long: `vernemqd runs one node of the routing registry cluster: the
replicated topic trie, the subscription tables, the publish dispatcher
and the client takeover protocol, backed by a local BadgerDB replica.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
