// Package chain tracks the locally recorded chain and resolves divergence
// from the source's canonical chain.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendermint/tm-projector/internal/decoder"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/types"
)

// ErrForkTooDeep is returned when the local chain and the source's chain
// share no block within the configured search depth. The projection cannot
// recover on its own and has to be rebuilt.
var ErrForkTooDeep = errors.New("fork too deep")

// ErrBrokenChain is returned when a recorded block's parent has no chain
// record.
var ErrBrokenChain = errors.New("recorded chain is broken")

// RecordReader reads the persisted chain records.
type RecordReader interface {
	// Head returns the record of the current head, or nil for an empty chain.
	Head(ctx context.Context) (*types.ChainRecord, error)
	// ChainRecord returns the record of id, or nil if id is not recorded.
	ChainRecord(ctx context.Context, id types.BlockID) (*types.ChainRecord, error)
}

// Fetcher retrieves blocks of the source's chain by id.
type Fetcher interface {
	FetchBlock(ctx context.Context, id types.BlockID) (types.CommittedBlock, error)
}

// Fork describes how to move the projection from the local chain onto the
// source's chain.
type Fork struct {
	// Ancestor is the newest block both chains share. It is nil when the
	// chains share no block and the whole local chain must be undone.
	Ancestor *types.ChainRecord
	// Undo lists the local blocks to roll back, head first.
	Undo []types.BlockHeader
	// Redo lists the source's blocks to apply, oldest first. The last entry
	// is the block that revealed the divergence.
	Redo []types.CommittedBlock
}

// Depth is the number of local blocks the fork unwinds.
func (f *Fork) Depth() int { return len(f.Undo) }

func (f *Fork) String() string {
	ancestor := "none"
	if f.Ancestor != nil {
		ancestor = f.Ancestor.Header.ID.Short()
	}
	return fmt.Sprintf("Fork{ancestor:%s undo:%d redo:%d}", ancestor, len(f.Undo), len(f.Redo))
}

// Tracker answers chain linkage questions about the recorded chain.
type Tracker struct {
	records  RecordReader
	maxDepth int
	logger   log.Logger
}

// NewTracker returns a Tracker that searches at most maxDepth blocks back
// for a common ancestor.
func NewTracker(records RecordReader, maxDepth int, logger log.Logger) *Tracker {
	return &Tracker{
		records:  records,
		maxDepth: maxDepth,
		logger:   logger.With("module", "chain"),
	}
}

// MaxDepth returns the fork search bound.
func (t *Tracker) MaxDepth() int { return t.maxDepth }

// Head returns the current head, or nil before genesis.
func (t *Tracker) Head(ctx context.Context) (*types.ChainRecord, error) {
	return t.records.Head(ctx)
}

// Accepts reports whether h extends the current head: h is a genesis block
// and the chain is empty, or h's parent is the head.
func (t *Tracker) Accepts(ctx context.Context, h types.BlockHeader) (bool, error) {
	head, err := t.records.Head(ctx)
	if err != nil {
		return false, err
	}
	if head == nil {
		return h.IsGenesis(), nil
	}
	return h.PreviousID == head.Header.ID, nil
}

// Contains reports whether id is part of the recorded chain.
func (t *Tracker) Contains(ctx context.Context, id types.BlockID) (bool, error) {
	rec, err := t.records.ChainRecord(ctx, id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// FindCommonAncestor locates the newest block shared by the recorded chain
// and the chain ending in divergent, which the caller found not to extend
// the head.
//
// Two cursors advance one block per step: one backwards from the local head
// over the chain records, one backwards from divergent's parent over blocks
// fetched from the source. A block id seen by both cursors is the common
// ancestor. The search fails with ErrForkTooDeep once either cursor would
// have to move more than MaxDepth blocks, so an ancestor exactly MaxDepth
// blocks below the head is still found.
//
// Every block of the new branch is fetched before FindCommonAncestor
// returns; nothing is modified.
func (t *Tracker) FindCommonAncestor(
	ctx context.Context,
	divergent types.CommittedBlock,
	fetcher Fetcher,
) (*Fork, error) {
	head, err := t.records.Head(ctx)
	if err != nil {
		return nil, err
	}

	var (
		// local blocks by id, with their distance from the head
		localDist = make(map[types.BlockID]int)
		localRecs []types.ChainRecord
		localDone bool
		localNext types.BlockID

		// remote blocks by id, with their distance from divergent's parent
		remoteDist = make(map[types.BlockID]int)
		fetched    []types.CommittedBlock
		remoteDone bool
		remoteNext = divergent.Header.PreviousID
	)
	if head == nil {
		localDone = true
		localDist[types.NullBlockID] = 0
	} else {
		localNext = head.Header.ID
	}

	// found reports the fork once an ancestor was seen at distance undo from
	// the local head and redo from divergent's parent.
	found := func(ancestorID types.BlockID, undo, redo int) (*Fork, error) {
		fork := &Fork{
			Undo: make([]types.BlockHeader, 0, undo),
			Redo: make([]types.CommittedBlock, 0, redo+1),
		}
		for i := 0; i < undo; i++ {
			fork.Undo = append(fork.Undo, localRecs[i].Header)
		}
		if !ancestorID.IsNull() {
			rec := localRecs[undo]
			fork.Ancestor = &rec
		}

		// fetched is ordered newest first and may extend past the ancestor
		for i := redo - 1; i >= 0; i-- {
			fork.Redo = append(fork.Redo, fetched[i])
		}
		fork.Redo = append(fork.Redo, divergent)

		t.logger.Info("found common ancestor", "fork", fork.String(), "divergent", divergent.Header.String())
		return fork, nil
	}

	for step := 0; step <= t.maxDepth; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !localDone {
			rec, err := t.records.ChainRecord(ctx, localNext)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, fmt.Errorf("%w: chain record of %v missing at depth %d", ErrBrokenChain, localNext, step)
			}
			localRecs = append(localRecs, *rec)
			localDist[rec.Header.ID] = step
			if d, ok := remoteDist[rec.Header.ID]; ok {
				return found(rec.Header.ID, step, d)
			}

			if rec.Header.IsGenesis() {
				// the chains may only share the virtual root before genesis
				localDone = true
				localDist[types.NullBlockID] = step + 1
				if d, ok := remoteDist[types.NullBlockID]; ok && step+1 <= t.maxDepth {
					return found(types.NullBlockID, step+1, d)
				}
			} else {
				localNext = rec.Header.PreviousID
			}
		}

		if !remoteDone {
			id := remoteNext
			remoteDist[id] = step
			if d, ok := localDist[id]; ok && d <= t.maxDepth {
				return found(id, d, step)
			}

			if id.IsNull() {
				remoteDone = true
			} else {
				b, err := t.fetch(ctx, fetcher, id)
				if err != nil {
					return nil, err
				}
				fetched = append(fetched, b)
				remoteNext = b.Header.PreviousID
			}
		}

		if localDone && remoteDone {
			break
		}
	}

	return nil, fmt.Errorf("%w: no common ancestor of %v within %d blocks of head",
		ErrForkTooDeep, divergent.Header, t.maxDepth)
}

func (t *Tracker) fetch(ctx context.Context, fetcher Fetcher, id types.BlockID) (types.CommittedBlock, error) {
	b, err := fetcher.FetchBlock(ctx, id)
	if err != nil {
		return types.CommittedBlock{}, fmt.Errorf("fetching block %v: %w", id, err)
	}
	if b.Header.ID != id {
		return types.CommittedBlock{}, fmt.Errorf("%w: fetched block %v in response to request for %v",
			decoder.ErrMalformedEvent, b.Header.ID, id)
	}
	return b, nil
}
