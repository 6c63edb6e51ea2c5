package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/types"
)

// QueryCmd prints the projected value at an address.
var QueryCmd = &cobra.Command{
	Use:   "query [address]",
	Short: "Show the projected value at a state address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := strings.ToLower(args[0])
		if err := (types.StateChange{Address: address, Op: types.OpDelete}).ValidateBasic(); err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := openStore(ctx, logger, projection.NopMetrics())
		if err != nil {
			return err
		}
		defer store.Close()

		entry, err := store.Entry(ctx, address)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("address %s is not set", address)
		}

		bz, err := json.MarshalIndent(struct {
			Address string `json:"address"`
			Value   string `json:"value"`
			BlockID string `json:"block_id"`
		}{
			Address: entry.Address,
			Value:   hex.EncodeToString(entry.Value),
			BlockID: entry.BlockID.String(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(bz))
		return nil
	},
}
