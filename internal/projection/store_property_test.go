package projection_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"pgregory.net/rapid"

	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/internal/projection/kv"
	"github.com/tendermint/tm-projector/internal/test/factory"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/types"
)

var propertyAddresses = []string{
	factory.Address("p0"),
	factory.Address("p1"),
	factory.Address("p2"),
	factory.Address("p3"),
}

func drawChanges(t *rapid.T, label string) []types.StateChange {
	n := rapid.IntRange(0, 6).Draw(t, label+"-changes").(int)
	changes := make([]types.StateChange, 0, n)
	for i := 0; i < n; i++ {
		addr := propertyAddresses[rapid.IntRange(0, len(propertyAddresses)-1).Draw(t, "address").(int)]
		if rapid.Bool().Draw(t, "delete").(bool) {
			changes = append(changes, factory.Delete(addr))
			continue
		}
		changes = append(changes, factory.Set(addr, rapid.StringN(0, 8, -1).Draw(t, "value").(string)))
	}
	return changes
}

func applyToModel(state map[string]types.Entry, block types.CommittedBlock) map[string]types.Entry {
	next := make(map[string]types.Entry, len(state))
	for k, v := range state {
		next[k] = v
	}
	for _, c := range block.Changes {
		switch c.Op {
		case types.OpSet:
			value := append([]byte{}, c.Value...)
			next[c.Address] = types.Entry{Address: c.Address, Value: value, BlockID: block.Header.ID}
		case types.OpDelete:
			delete(next, c.Address)
		}
	}
	return next
}

// Rolling back any number of blocks restores the exact entries, values and
// writing block ids included, that existed before they were committed.
func TestStoreRollbackExactness(t *testing.T) {
	for _, bf := range backendFactories() {
		bf := bf
		t.Run(bf.name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				store := projection.NewStore(bf.open(t), 1<<20, log.NewNopLogger(), nil)
				defer store.Close()

				m := &storeModel{store: store, snapshots: []map[string]types.Entry{{}}}
				steps := rapid.IntRange(1, 24).Draw(rt, "steps").(int)
				for i := 0; i < steps; i++ {
					switch rapid.IntRange(0, 2).Draw(rt, "action").(int) {
					case 0:
						m.commit(rt)
					case 1:
						m.rollback(rt)
					case 2:
						m.recommit(rt)
					}
					m.check(rt)
				}
			})
		})
	}
}

// storeModel checks a Store against a stack of full state snapshots.
type storeModel struct {
	store *projection.Store

	blocks    []types.BlockHeader
	snapshots []map[string]types.Entry
	next      int
}

func (m *storeModel) commit(t *rapid.T) {
	label := fmt.Sprintf("prop-%d", m.next)
	m.next++

	changes := drawChanges(t, label)
	var block types.CommittedBlock
	if len(m.blocks) == 0 {
		block = factory.Genesis(label, changes...)
	} else {
		block = factory.Child(m.blocks[len(m.blocks)-1], label, changes...)
	}

	rec, err := m.store.CommitBlock(context.Background(), block)
	require.NoError(t, err)
	require.Equal(t, uint64(len(m.blocks)), rec.Height)

	m.blocks = append(m.blocks, block.Header)
	m.snapshots = append(m.snapshots, applyToModel(m.snapshots[len(m.snapshots)-1], block))
}

func (m *storeModel) rollback(t *rapid.T) {
	if len(m.blocks) == 0 {
		return
	}
	head := m.blocks[len(m.blocks)-1]
	_, err := m.store.RollbackBlock(context.Background(), head.ID)
	require.NoError(t, err)

	m.blocks = m.blocks[:len(m.blocks)-1]
	m.snapshots = m.snapshots[:len(m.snapshots)-1]
}

func (m *storeModel) recommit(t *rapid.T) {
	if len(m.blocks) == 0 {
		return
	}
	ix := rapid.IntRange(0, len(m.blocks)-1).Draw(t, "block").(int)
	_, err := m.store.CommitBlock(context.Background(), factory.Child(m.blocks[ix], "ignored"))
	if ix == len(m.blocks)-1 {
		// a fresh child of the head is accepted; undo it to keep the model
		require.NoError(t, err)
		_, err = m.store.RollbackBlock(context.Background(), factory.BlockID("ignored"))
		require.NoError(t, err)
		return
	}
	require.ErrorIs(t, err, projection.ErrNotLinked)
}

func (m *storeModel) check(t *rapid.T) {
	ctx := context.Background()
	want := m.snapshots[len(m.snapshots)-1]
	for _, addr := range propertyAddresses {
		got, err := m.store.Entry(ctx, addr)
		require.NoError(t, err)
		var wantEntry *types.Entry
		if e, ok := want[addr]; ok {
			wantEntry = &e
		}
		if diff := cmp.Diff(wantEntry, got); diff != "" {
			t.Fatalf("entry %s (-want +got):\n%s", addr, diff)
		}
	}
	count, err := m.store.CountEntries(ctx)
	require.NoError(t, err)
	require.EqualValues(t, len(want), count)

	head, err := m.store.Head(ctx)
	require.NoError(t, err)
	if len(m.blocks) == 0 {
		require.Nil(t, head)
		return
	}
	require.Equal(t, m.blocks[len(m.blocks)-1].ID, head.Header.ID)
}

// A projection built with restarts in between must be identical to one built
// in a single run.
func TestStoreCrashAndResume(t *testing.T) {
	dir := t.TempDir()
	reopeners := map[string]func(path string) projection.Backend{
		"goleveldb": func(path string) projection.Backend {
			db, err := dbm.NewDB("projection", dbm.GoLevelDBBackend, path)
			require.NoError(t, err)
			return kv.New(db)
		},
		"sqlite": func(path string) projection.Backend {
			require.NoError(t, os.MkdirAll(path, 0700))
			return openSQLite(t, filepath.Join(path, "projection.sqlite"))
		},
	}

	run := 0
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		run++

		n := rapid.IntRange(1, 12).Draw(rt, "blocks").(int)
		blocks := make([]types.CommittedBlock, 0, n)
		for i := 0; i < n; i++ {
			label := fmt.Sprintf("crash-%d-%d", run, i)
			changes := drawChanges(rt, label)
			if i == 0 {
				blocks = append(blocks, factory.Genesis(label, changes...))
			} else {
				blocks = append(blocks, factory.Child(blocks[i-1].Header, label, changes...))
			}
		}
		crashAt := rapid.IntRange(0, n).Draw(rt, "crashAt").(int)

		reference := projection.NewStore(kv.New(dbm.NewMemDB()), 100, log.NewNopLogger(), nil)
		defer reference.Close()
		for _, b := range blocks {
			_, err := reference.CommitBlock(ctx, b)
			require.NoError(rt, err)
		}

		for name, reopen := range reopeners {
			path := filepath.Join(dir, fmt.Sprintf("%s-%d", name, run))

			store := projection.NewStore(reopen(path), 100, log.NewNopLogger(), nil)
			for _, b := range blocks[:crashAt] {
				_, err := store.CommitBlock(ctx, b)
				require.NoError(rt, err)
			}
			require.NoError(rt, store.Close())

			// a resumed subscriber may see the last committed block again
			store = projection.NewStore(reopen(path), 100, log.NewNopLogger(), nil)
			start := crashAt
			if crashAt > 0 {
				start = crashAt - 1
			}
			for i, b := range blocks[start:] {
				_, err := store.CommitBlock(ctx, b)
				if start+i < crashAt {
					require.ErrorIs(rt, err, projection.ErrDuplicateBlock)
					continue
				}
				require.NoError(rt, err)
			}

			for _, addr := range propertyAddresses {
				want, wantOK, err := reference.Read(ctx, addr)
				require.NoError(rt, err)
				got, gotOK, err := store.Read(ctx, addr)
				require.NoError(rt, err)
				require.Equal(rt, wantOK, gotOK, "%s %s", name, addr)
				require.Equal(rt, string(want), string(got), "%s %s", name, addr)
			}
			head, err := store.Head(ctx)
			require.NoError(rt, err)
			require.Equal(rt, blocks[n-1].Header.ID, head.Header.ID)
			require.NoError(rt, store.Close())
		}
	})
}
