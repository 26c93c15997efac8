package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sthagen/vernemq/pkg/routing"
	"github.com/sthagen/vernemq/pkg/store"
)

var resetConfigPath string

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all routing tables of the local replica",
	Long: `reset wipes the trie, topic and subscriber tables of this node's
replica. Run it on every node while the cluster is stopped; it does not
replicate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(resetConfigPath)
		if err != nil {
			return err
		}
		eng, err := store.NewBadger(store.BadgerOptions{Dir: filepath.Join(cfg.DataDir, "routing")})
		if err != nil {
			return fmt.Errorf("open routing store: %w", err)
		}
		defer eng.Close()

		if err := store.Drop(context.Background(), eng, routing.Tables...); err != nil {
			return err
		}
		fmt.Printf("dropped %d tables\n", len(routing.Tables))
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVarP(&resetConfigPath, "config", "c", "vernemqd.yaml", "path to the config file")
	rootCmd.AddCommand(resetCmd)
}
