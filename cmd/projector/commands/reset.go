package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/tendermint/tm-projector/internal/projection"
)

var force bool

// ResetCmd wipes the projection so the next start resyncs from genesis.
var ResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every projected entry, chain record and rollback entry",
	Long: `Remove every projected entry, chain record and rollback entry.
The next start resyncs from genesis. Use this after the projector stopped on
a fork deeper than max_fork_depth.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !force {
			return errors.New("refusing to reset without --force")
		}

		ctx := cmd.Context()
		store, err := openStore(ctx, logger, projection.NopMetrics())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Reset(ctx); err != nil {
			return err
		}
		logger.Info("Removed all projection data", "backend", config.Storage.Backend)
		return nil
	},
}

func init() {
	ResetCmd.Flags().BoolVar(&force, "force", false, "confirm the reset")
}
