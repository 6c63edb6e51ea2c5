package projection

import (
	"context"
	"errors"

	"github.com/tendermint/tm-projector/types"
)

var (
	// ErrStorage wraps every failure of the underlying storage engine.
	// Callers may retry an operation that failed with ErrStorage.
	ErrStorage = errors.New("projection storage failure")

	// ErrNotLinked is returned by CommitBlock when the block's parent is not
	// the current head.
	ErrNotLinked = errors.New("block does not extend the current head")

	// ErrDuplicateBlock is returned by CommitBlock for a block that is
	// already part of the recorded chain.
	ErrDuplicateBlock = errors.New("block already recorded")

	// ErrNotHead is returned by RollbackBlock for any block but the head.
	ErrNotHead = errors.New("block is not the current head")
)

// Reader gives read access to committed projection state. Inside an Update,
// the Txn's Reader methods also observe the transaction's own writes.
type Reader interface {
	GetEntry(address string) (*types.Entry, error)
	CountEntries() (int64, error)
	GetChainRecord(id types.BlockID) (*types.ChainRecord, error)
	// GetHead returns the id of the current head, or false for an empty
	// chain.
	GetHead() (types.BlockID, bool, error)
	GetUndo(id types.BlockID) ([]byte, bool, error)
}

// Txn is a read/modify/write transaction over the projection, the chain
// record and the rollback log.
type Txn interface {
	Reader

	SetEntry(e types.Entry) error
	DeleteEntry(address string) error

	PutChainRecord(rec types.ChainRecord) error
	DeleteChainRecord(id types.BlockID) error
	// SetHead moves the head. An empty id marks the chain as empty.
	SetHead(id types.BlockID) error

	PutUndo(id types.BlockID, height uint64, data []byte) error
	DeleteUndo(id types.BlockID) error
	PruneUndo(maxHeight uint64) (int, error)
}

// Backend is a transactional storage engine. Update runs fn in a single
// atomic transaction: either every write of fn becomes visible or none does.
// Only one Update runs at a time.
type Backend interface {
	Update(ctx context.Context, fn func(Txn) error) error
	View(ctx context.Context, fn func(Reader) error) error
	// Reset drops every entry, chain record and rollback entry.
	Reset(ctx context.Context) error
	Close() error
}
