// Package rollback persists, per applied block, the inverse of every state
// change the block caused so that fork resolution can unwind it exactly.
package rollback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/tendermint/tm-projector/types"
)

// ErrNoUndo is returned when no rollback entry exists for a block, either
// because it was never recorded or because it was pruned.
var ErrNoUndo = errors.New("no rollback entry for block")

// Txn is the slice of a storage transaction the log needs. Entries are
// stored as opaque blobs indexed by block id and by chain height.
type Txn interface {
	PutUndo(id types.BlockID, height uint64, data []byte) error
	GetUndo(id types.BlockID) ([]byte, bool, error)
	DeleteUndo(id types.BlockID) error
	// PruneUndo deletes every entry recorded at a height <= maxHeight and
	// returns how many were removed.
	PruneUndo(maxHeight uint64) (int, error)
}

// Log records and replays rollback entries. It holds no state besides its
// retention depth; every operation runs inside the caller's transaction so
// that an entry is created and removed atomically with the block it undoes.
type Log struct {
	retention uint64
}

// NewLog returns a log that keeps the entries of the retention most recent
// blocks.
func NewLog(retention uint64) *Log {
	return &Log{retention: retention}
}

// Retention returns the number of most recent blocks whose entries are kept.
func (l *Log) Retention() uint64 { return l.retention }

// Record persists ops, in the order the changes were applied, as the
// rollback entry of rec.
func (l *Log) Record(txn Txn, rec types.ChainRecord, ops []types.InverseOp) error {
	bz, err := encodeOps(ops)
	if err != nil {
		return fmt.Errorf("encoding rollback entry of %v: %w", rec.Header.ID, err)
	}
	return txn.PutUndo(rec.Header.ID, rec.Height, bz)
}

// ReplayUndo returns the inverse ops of block id in the order they must be
// applied: the reverse of the order they were recorded in.
func (l *Log) ReplayUndo(txn Txn, id types.BlockID) ([]types.InverseOp, error) {
	bz, ok, err := txn.GetUndo(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w %v", ErrNoUndo, id)
	}

	ops, err := decodeOps(bz)
	if err != nil {
		return nil, fmt.Errorf("decoding rollback entry of %v: %w", id, err)
	}

	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops, nil
}

// Forget drops the entry of block id.
func (l *Log) Forget(txn Txn, id types.BlockID) error {
	return txn.DeleteUndo(id)
}

// Prune forgets every entry that fell out of the retention window of a
// chain whose head is at headHeight.
func (l *Log) Prune(txn Txn, headHeight uint64) (int, error) {
	if headHeight < l.retention {
		return 0, nil
	}
	return txn.PruneUndo(headHeight - l.retention)
}

var (
	codecOnce sync.Once
	encMode   cbor.EncMode
	decMode   cbor.DecMode
	codecErr  error
)

func codec() (cbor.EncMode, cbor.DecMode, error) {
	codecOnce.Do(func() {
		encMode, codecErr = cbor.CanonicalEncOptions().EncMode()
		if codecErr != nil {
			return
		}
		decMode, codecErr = cbor.DecOptions{
			ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		}.DecMode()
	})
	return encMode, decMode, codecErr
}

func encodeOps(ops []types.InverseOp) ([]byte, error) {
	em, _, err := codec()
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []types.InverseOp{}
	}
	return em.Marshal(ops)
}

func decodeOps(bz []byte) ([]types.InverseOp, error) {
	_, dm, err := codec()
	if err != nil {
		return nil, err
	}
	var ops []types.InverseOp
	if err := dm.Unmarshal(bz, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}
