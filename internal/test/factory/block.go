// Package factory builds blocks and chains for tests.
package factory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tendermint/tm-projector/types"
)

// BlockID derives a well-formed block id from a human readable label.
func BlockID(label string) types.BlockID {
	sum := sha256.Sum256([]byte("block/" + label))
	return types.BlockID(hex.EncodeToString(sum[:16]))
}

// Address derives a well-formed state address from a label.
func Address(label string) string {
	sum := sha256.Sum256([]byte("addr/" + label))
	return hex.EncodeToString(sum[:8])
}

func stateRoot(id types.BlockID) string {
	sum := sha256.Sum256([]byte("root/" + string(id)))
	return hex.EncodeToString(sum[:])
}

// Set returns a set change.
func Set(address string, value string) types.StateChange {
	return types.StateChange{Address: address, Value: []byte(value), Op: types.OpSet}
}

// Delete returns a delete change.
func Delete(address string) types.StateChange {
	return types.StateChange{Address: address, Op: types.OpDelete}
}

// Genesis returns a genesis block labeled label.
func Genesis(label string, changes ...types.StateChange) types.CommittedBlock {
	id := BlockID(label)
	return types.CommittedBlock{
		Header: types.BlockHeader{
			ID:         id,
			Num:        0,
			PreviousID: types.NullBlockID,
			StateRoot:  stateRoot(id),
		},
		Changes: changes,
	}
}

// Child returns the block labeled label on top of parent.
func Child(parent types.BlockHeader, label string, changes ...types.StateChange) types.CommittedBlock {
	id := BlockID(label)
	return types.CommittedBlock{
		Header: types.BlockHeader{
			ID:         id,
			Num:        parent.Num + 1,
			PreviousID: parent.ID,
			StateRoot:  stateRoot(id),
		},
		Changes: changes,
	}
}

// Chain returns n blocks starting with a genesis block. Block i is labeled
// prefix-i and sets its own address plus a shared "counter" address.
func Chain(prefix string, n int) []types.CommittedBlock {
	return Extend(nil, prefix, n)
}

// Extend appends n blocks labeled prefix-i to chain (or starts a new chain
// when chain is empty) and returns the result.
func Extend(chain []types.CommittedBlock, prefix string, n int) []types.CommittedBlock {
	out := append([]types.CommittedBlock{}, chain...)
	for i := 0; i < n; i++ {
		label := fmt.Sprintf("%s-%d", prefix, len(out))
		changes := []types.StateChange{
			Set(Address(label), label),
			Set(Address("counter"), label),
		}
		if len(out) == 0 {
			out = append(out, Genesis(label, changes...))
			continue
		}
		out = append(out, Child(out[len(out)-1].Header, label, changes...))
	}
	return out
}

// Headers returns the headers of blocks.
func Headers(blocks []types.CommittedBlock) []types.BlockHeader {
	headers := make([]types.BlockHeader, len(blocks))
	for i, b := range blocks {
		headers[i] = b.Header
	}
	return headers
}
