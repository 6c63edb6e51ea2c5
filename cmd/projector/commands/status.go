package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/tm-projector/internal/projection"
)

// StatusCmd prints the recorded head of the projection.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the head of the projection",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx, logger, projection.NopMetrics())
		if err != nil {
			return err
		}
		defer store.Close()

		head, err := store.Head(ctx)
		if err != nil {
			return err
		}
		entries, err := store.CountEntries(ctx)
		if err != nil {
			return err
		}

		status := struct {
			Backend   string `json:"backend"`
			HeadID    string `json:"head_block_id,omitempty"`
			HeadNum   uint64 `json:"head_block_num"`
			Height    uint64 `json:"height"`
			StateRoot string `json:"state_root_hash,omitempty"`
			Entries   int64  `json:"entries"`
		}{
			Backend: config.Storage.Backend,
			Entries: entries,
		}
		if head != nil {
			status.HeadID = head.Header.ID.String()
			status.HeadNum = head.Header.Num
			status.Height = head.Height
			status.StateRoot = head.Header.StateRoot
		}

		bz, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(bz))
		return nil
	},
}
