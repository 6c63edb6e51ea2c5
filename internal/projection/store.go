package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tm-projector/internal/rollback"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/types"
)

// Store applies committed blocks to a Backend. Every CommitBlock and
// RollbackBlock is a single backend transaction covering the state changes,
// the chain record and the rollback entry, so readers never observe a
// partially applied block.
type Store struct {
	backend Backend
	undo    *rollback.Log
	logger  log.Logger
	metrics *Metrics
}

// NewStore returns a Store over backend that keeps rollback entries for the
// retention most recent blocks.
func NewStore(backend Backend, retention uint64, logger log.Logger, metrics *Metrics) *Store {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Store{
		backend: backend,
		undo:    rollback.NewLog(retention),
		logger:  logger.With("module", "projection"),
		metrics: metrics,
	}
}

// CommitBlock applies block on top of the current head. For each change the
// prior value (or its absence) is captured as an inverse op before the
// change is applied.
func (s *Store) CommitBlock(ctx context.Context, block types.CommittedBlock) (*types.ChainRecord, error) {
	start := time.Now()
	header := block.Header

	var (
		rec    types.ChainRecord
		pruned int
	)
	err := s.backend.Update(ctx, func(txn Txn) error {
		existing, err := txn.GetChainRecord(header.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %v", ErrDuplicateBlock, header)
		}

		height, err := nextHeight(txn, header)
		if err != nil {
			return err
		}
		rec = types.ChainRecord{Header: header, Height: height}

		ops := make([]types.InverseOp, 0, len(block.Changes))
		for _, change := range block.Changes {
			prev, err := txn.GetEntry(change.Address)
			if err != nil {
				return err
			}

			op := types.InverseOp{Address: change.Address}
			if prev != nil {
				op.Existed = true
				op.Value = prev.Value
				op.BlockID = prev.BlockID
			}
			ops = append(ops, op)

			switch change.Op {
			case types.OpSet:
				value := change.Value
				if value == nil {
					value = []byte{}
				}
				err = txn.SetEntry(types.Entry{Address: change.Address, Value: value, BlockID: header.ID})
			case types.OpDelete:
				if prev != nil {
					err = txn.DeleteEntry(change.Address)
				}
			default:
				err = fmt.Errorf("unknown op %v for %s", change.Op, change.Address)
			}
			if err != nil {
				return err
			}
		}

		if err := txn.PutChainRecord(rec); err != nil {
			return err
		}
		if err := txn.SetHead(header.ID); err != nil {
			return err
		}
		if err := s.undo.Record(txn, rec, ops); err != nil {
			return err
		}
		pruned, err = s.undo.Prune(txn, rec.Height)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BlocksCommitted.Add(1)
	s.metrics.HeadHeight.Set(float64(rec.Height))
	s.metrics.HeadBlockNum.Set(float64(header.Num))
	s.metrics.StateChanges.Add(float64(len(block.Changes)))
	s.metrics.TxnDuration.With("op", "commit").Observe(time.Since(start).Seconds())
	if pruned > 0 {
		s.metrics.RollbackEntriesPruned.Add(float64(pruned))
	}

	s.logger.Debug("committed block",
		"block", header.ID.Short(), "num", header.Num, "height", rec.Height,
		"changes", len(block.Changes), "pruned", pruned)

	return &rec, nil
}

// nextHeight validates that header extends the current head and returns
// the height it will be recorded at.
func nextHeight(txn Txn, header types.BlockHeader) (uint64, error) {
	headID, ok, err := txn.GetHead()
	if err != nil {
		return 0, err
	}
	if !ok {
		if !header.IsGenesis() {
			return 0, fmt.Errorf("%w: %v on empty chain", ErrNotLinked, header)
		}
		return 0, nil
	}
	if header.PreviousID != headID {
		return 0, fmt.Errorf("%w: %v, head %v", ErrNotLinked, header, headID.Short())
	}

	parent, err := txn.GetChainRecord(headID)
	if err != nil {
		return 0, err
	}
	if parent == nil {
		return 0, fmt.Errorf("%w: head %v has no chain record", ErrStorage, headID)
	}
	return parent.Height + 1, nil
}

// RollbackBlock undoes the head block id and returns the new head, which is
// nil once the chain is empty.
func (s *Store) RollbackBlock(ctx context.Context, id types.BlockID) (*types.ChainRecord, error) {
	start := time.Now()

	var parent *types.ChainRecord
	err := s.backend.Update(ctx, func(txn Txn) error {
		headID, ok, err := txn.GetHead()
		if err != nil {
			return err
		}
		if !ok || headID != id {
			return fmt.Errorf("%w: %v", ErrNotHead, id)
		}

		rec, err := txn.GetChainRecord(id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: head %v has no chain record", ErrStorage, id)
		}

		ops, err := s.undo.ReplayUndo(txn, id)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Existed {
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				err = txn.SetEntry(types.Entry{Address: op.Address, Value: value, BlockID: op.BlockID})
			} else {
				err = txn.DeleteEntry(op.Address)
			}
			if err != nil {
				return err
			}
		}

		if err := s.undo.Forget(txn, id); err != nil {
			return err
		}
		if err := txn.DeleteChainRecord(id); err != nil {
			return err
		}

		if rec.Header.IsGenesis() {
			return txn.SetHead("")
		}

		parent, err = txn.GetChainRecord(rec.Header.PreviousID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("%w: parent %v of %v has no chain record",
				ErrStorage, rec.Header.PreviousID, id)
		}
		return txn.SetHead(parent.Header.ID)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BlocksRolledBack.Add(1)
	if parent != nil {
		s.metrics.HeadHeight.Set(float64(parent.Height))
		s.metrics.HeadBlockNum.Set(float64(parent.Header.Num))
	} else {
		s.metrics.HeadHeight.Set(0)
		s.metrics.HeadBlockNum.Set(0)
	}
	s.metrics.TxnDuration.With("op", "rollback").Observe(time.Since(start).Seconds())

	s.logger.Debug("rolled back block", "block", id.Short())

	return parent, nil
}

// Read returns the committed value at address.
func (s *Store) Read(ctx context.Context, address string) ([]byte, bool, error) {
	e, err := s.Entry(ctx, address)
	if err != nil || e == nil {
		return nil, false, err
	}
	return e.Value, true, nil
}

// Entry returns the committed entry at address, or nil.
func (s *Store) Entry(ctx context.Context, address string) (*types.Entry, error) {
	var e *types.Entry
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		e, err = r.GetEntry(address)
		return err
	})
	return e, err
}

// CountEntries returns the number of addresses in the projection.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		n, err = r.CountEntries()
		return err
	})
	return n, err
}

// Head returns the record of the current head, or nil for an empty chain.
func (s *Store) Head(ctx context.Context) (*types.ChainRecord, error) {
	var rec *types.ChainRecord
	err := s.backend.View(ctx, func(r Reader) error {
		id, ok, err := r.GetHead()
		if err != nil || !ok {
			return err
		}
		rec, err = r.GetChainRecord(id)
		if err == nil && rec == nil {
			err = fmt.Errorf("%w: head %v has no chain record", ErrStorage, id)
		}
		return err
	})
	return rec, err
}

// ChainRecord returns the record of block id, or nil if the block is not
// part of the recorded chain.
func (s *Store) ChainRecord(ctx context.Context, id types.BlockID) (*types.ChainRecord, error) {
	var rec *types.ChainRecord
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		rec, err = r.GetChainRecord(id)
		return err
	})
	return rec, err
}

// KnownBlockIDs returns up to count block ids walking back from the head,
// skipping the first skip. When the chain is shorter than skip, the result is
// the null block id, which asks the source to start from genesis.
func (s *Store) KnownBlockIDs(ctx context.Context, skip, count int) ([]types.BlockID, error) {
	var ids []types.BlockID
	err := s.backend.View(ctx, func(r Reader) error {
		id, ok, err := r.GetHead()
		if err != nil || !ok {
			return err
		}
		for i := 0; i < skip+count; i++ {
			rec, err := r.GetChainRecord(id)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%w: broken chain at %v", ErrStorage, id)
			}
			if i >= skip {
				ids = append(ids, rec.Header.ID)
			}
			if rec.Header.IsGenesis() {
				return nil
			}
			id = rec.Header.PreviousID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []types.BlockID{types.NullBlockID}, nil
	}
	return ids, nil
}

// Reset wipes the projection, the chain record and the rollback log.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.backend.Reset(ctx); err != nil {
		return err
	}
	s.logger.Info("projection reset")
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// IsRetryable reports whether err came from the storage engine rather than
// from the caller's input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
