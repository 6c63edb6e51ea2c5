package projection_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/internal/projection/kv"
	"github.com/tendermint/tm-projector/internal/projection/sqlstore"
	"github.com/tendermint/tm-projector/internal/rollback"
	"github.com/tendermint/tm-projector/internal/test/factory"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/types"
)

type backendFactory struct {
	name string
	open func(t *testing.T) projection.Backend
}

func openSQLite(t *testing.T, path string) projection.Backend {
	t.Helper()

	db, err := sql.Open(sqlstore.SQLite.DriverName, sqlstore.SQLiteDSN(path))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, sqlstore.Migrate(db, sqlstore.SQLite))
	return sqlstore.New(db, sqlstore.SQLite)
}

func backendFactories() []backendFactory {
	return []backendFactory{
		{
			name: "memdb",
			open: func(t *testing.T) projection.Backend {
				return kv.New(dbm.NewMemDB())
			},
		},
		{
			name: "goleveldb",
			open: func(t *testing.T) projection.Backend {
				db, err := dbm.NewDB("projection", dbm.GoLevelDBBackend, t.TempDir())
				require.NoError(t, err)
				return kv.New(db)
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) projection.Backend {
				return openSQLite(t, filepath.Join(t.TempDir(), "projection.sqlite"))
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store *projection.Store)) {
	for _, bf := range backendFactories() {
		bf := bf
		t.Run(bf.name, func(t *testing.T) {
			store := projection.NewStore(bf.open(t), 20, log.NewNopLogger(), nil)
			t.Cleanup(func() { require.NoError(t, store.Close()) })
			fn(t, store)
		})
	}
}

func requireValue(ctx context.Context, t *testing.T, store *projection.Store, address, want string) {
	t.Helper()
	got, ok, err := store.Read(ctx, address)
	require.NoError(t, err)
	require.True(t, ok, "address %s missing", address)
	require.Equal(t, want, string(got))
}

func requireAbsent(ctx context.Context, t *testing.T, store *projection.Store, address string) {
	t.Helper()
	_, ok, err := store.Read(ctx, address)
	require.NoError(t, err)
	require.False(t, ok, "address %s present", address)
}

func requireHead(ctx context.Context, t *testing.T, store *projection.Store, want types.BlockID) {
	t.Helper()
	head, err := store.Head(ctx)
	require.NoError(t, err)
	if want == "" {
		require.Nil(t, head)
		return
	}
	require.NotNil(t, head)
	require.Equal(t, want, head.Header.ID)
}

func TestStoreForkScenario(t *testing.T) {
	ctx := context.Background()
	addr1, addr2 := factory.Address("addr1"), factory.Address("addr2")

	g := factory.Genesis("G")
	b1 := factory.Child(g.Header, "B1", factory.Set(addr1, "v1"))
	b2 := factory.Child(b1.Header, "B2", factory.Set(addr1, "v2"), factory.Set(addr2, "v3"))
	b2Fork := factory.Child(b1.Header, "B2'", factory.Set(addr2, "v9"))

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		for _, b := range []types.CommittedBlock{g, b1, b2} {
			_, err := store.CommitBlock(ctx, b)
			require.NoError(t, err)
		}
		requireValue(ctx, t, store, addr1, "v2")
		requireValue(ctx, t, store, addr2, "v3")
		requireHead(ctx, t, store, b2.Header.ID)

		parent, err := store.RollbackBlock(ctx, b2.Header.ID)
		require.NoError(t, err)
		require.Equal(t, b1.Header.ID, parent.Header.ID)
		requireValue(ctx, t, store, addr1, "v1")
		requireAbsent(ctx, t, store, addr2)

		rec, err := store.CommitBlock(ctx, b2Fork)
		require.NoError(t, err)
		require.Equal(t, uint64(2), rec.Height)

		requireValue(ctx, t, store, addr1, "v1")
		requireValue(ctx, t, store, addr2, "v9")
		requireHead(ctx, t, store, b2Fork.Header.ID)

		old, err := store.ChainRecord(ctx, b2.Header.ID)
		require.NoError(t, err)
		require.Nil(t, old)

		entry, err := store.Entry(ctx, addr1)
		require.NoError(t, err)
		require.Equal(t, b1.Header.ID, entry.BlockID)
	})
}

func TestStoreCommitRejectsUnlinkedAndDuplicate(t *testing.T) {
	ctx := context.Background()
	chain := factory.Chain("main", 3)
	orphan := factory.Child(factory.Genesis("other").Header, "orphan")

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		_, err := store.CommitBlock(ctx, chain[1])
		require.ErrorIs(t, err, projection.ErrNotLinked)

		for _, b := range chain {
			_, err := store.CommitBlock(ctx, b)
			require.NoError(t, err)
		}

		n, err := store.CountEntries(ctx)
		require.NoError(t, err)

		_, err = store.CommitBlock(ctx, chain[2])
		require.ErrorIs(t, err, projection.ErrDuplicateBlock)
		_, err = store.CommitBlock(ctx, chain[1])
		require.ErrorIs(t, err, projection.ErrDuplicateBlock)
		_, err = store.CommitBlock(ctx, orphan)
		require.ErrorIs(t, err, projection.ErrNotLinked)
		require.False(t, projection.IsRetryable(err))

		after, err := store.CountEntries(ctx)
		require.NoError(t, err)
		require.Equal(t, n, after)
		requireHead(ctx, t, store, chain[2].Header.ID)
	})
}

func TestStoreRollbackOnlyHead(t *testing.T) {
	ctx := context.Background()
	chain := factory.Chain("main", 3)

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		_, err := store.RollbackBlock(ctx, chain[0].Header.ID)
		require.ErrorIs(t, err, projection.ErrNotHead)

		for _, b := range chain {
			_, err := store.CommitBlock(ctx, b)
			require.NoError(t, err)
		}

		_, err = store.RollbackBlock(ctx, chain[1].Header.ID)
		require.ErrorIs(t, err, projection.ErrNotHead)

		// unwinding the whole chain leaves an empty projection
		for i := len(chain) - 1; i >= 0; i-- {
			_, err := store.RollbackBlock(ctx, chain[i].Header.ID)
			require.NoError(t, err)
		}
		requireHead(ctx, t, store, "")
		n, err := store.CountEntries(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		// and the chain can be rebuilt from genesis
		_, err = store.CommitBlock(ctx, chain[0])
		require.NoError(t, err)
	})
}

func TestStoreSameAddressTwiceInOneBlock(t *testing.T) {
	ctx := context.Background()
	addr := factory.Address("twice")

	g := factory.Genesis("G", factory.Set(addr, "orig"))
	b := factory.Child(g.Header, "B",
		factory.Set(addr, "first"),
		factory.Delete(addr),
		factory.Set(addr, "last"),
	)
	d := factory.Child(b.Header, "D", factory.Delete(addr), factory.Set(addr, "again"), factory.Delete(addr))

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		_, err := store.CommitBlock(ctx, g)
		require.NoError(t, err)
		_, err = store.CommitBlock(ctx, b)
		require.NoError(t, err)
		requireValue(ctx, t, store, addr, "last")

		_, err = store.CommitBlock(ctx, d)
		require.NoError(t, err)
		requireAbsent(ctx, t, store, addr)

		_, err = store.RollbackBlock(ctx, d.Header.ID)
		require.NoError(t, err)
		requireValue(ctx, t, store, addr, "last")

		_, err = store.RollbackBlock(ctx, b.Header.ID)
		require.NoError(t, err)
		requireValue(ctx, t, store, addr, "orig")
	})
}

func TestStoreEmptyValue(t *testing.T) {
	ctx := context.Background()
	addr := factory.Address("empty")
	g := factory.Genesis("G", types.StateChange{Address: addr, Op: types.OpSet})

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		_, err := store.CommitBlock(ctx, g)
		require.NoError(t, err)
		got, ok, err := store.Read(ctx, addr)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, got)
	})
}

func TestStoreRollbackRestoresEmptyValue(t *testing.T) {
	ctx := context.Background()
	addr := factory.Address("empty")
	g := factory.Genesis("G", factory.Set(addr, ""))
	b := factory.Child(g.Header, "B", factory.Set(addr, "v"))

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		_, err := store.CommitBlock(ctx, g)
		require.NoError(t, err)
		_, err = store.CommitBlock(ctx, b)
		require.NoError(t, err)
		requireValue(ctx, t, store, addr, "v")

		_, err = store.RollbackBlock(ctx, b.Header.ID)
		require.NoError(t, err)
		entry, err := store.Entry(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, &types.Entry{Address: addr, Value: []byte{}, BlockID: g.Header.ID}, entry)
	})
}

func TestStorePrunesRollbackLog(t *testing.T) {
	ctx := context.Background()
	chain := factory.Chain("main", 30)

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		for _, b := range chain {
			_, err := store.CommitBlock(ctx, b)
			require.NoError(t, err)
		}

		// retention is 20: the 20 most recent blocks can be undone
		for i := 29; i >= 10; i-- {
			_, err := store.RollbackBlock(ctx, chain[i].Header.ID)
			require.NoError(t, err, "block %d", i)
		}
		_, err := store.RollbackBlock(ctx, chain[9].Header.ID)
		require.ErrorIs(t, err, rollback.ErrNoUndo)
		requireHead(ctx, t, store, chain[9].Header.ID)
	})
}

func TestStoreKnownBlockIDs(t *testing.T) {
	ctx := context.Background()
	chain := factory.Chain("main", 15)

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		ids, err := store.KnownBlockIDs(ctx, 0, 10)
		require.NoError(t, err)
		require.Equal(t, []types.BlockID{types.NullBlockID}, ids)

		for _, b := range chain {
			_, err := store.CommitBlock(ctx, b)
			require.NoError(t, err)
		}

		ids, err = store.KnownBlockIDs(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, ids, 10)
		require.Equal(t, chain[14].Header.ID, ids[0])
		require.Equal(t, chain[5].Header.ID, ids[9])

		ids, err = store.KnownBlockIDs(ctx, 10, 10)
		require.NoError(t, err)
		require.Len(t, ids, 5)
		require.Equal(t, chain[4].Header.ID, ids[0])
		require.Equal(t, chain[0].Header.ID, ids[4])

		ids, err = store.KnownBlockIDs(ctx, 20, 10)
		require.NoError(t, err)
		require.Equal(t, []types.BlockID{types.NullBlockID}, ids)
	})
}

func TestStoreReset(t *testing.T) {
	ctx := context.Background()
	chain := factory.Chain("main", 5)

	forEachBackend(t, func(t *testing.T, store *projection.Store) {
		for _, b := range chain {
			_, err := store.CommitBlock(ctx, b)
			require.NoError(t, err)
		}
		require.NoError(t, store.Reset(ctx))

		requireHead(ctx, t, store, "")
		n, err := store.CountEntries(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		rec, err := store.ChainRecord(ctx, chain[0].Header.ID)
		require.NoError(t, err)
		require.Nil(t, rec)

		_, err = store.CommitBlock(ctx, chain[0])
		require.NoError(t, err)
	})
}

// failingBackend fails the transaction when the named operation is reached,
// after the block's state changes were already issued.
type failingBackend struct {
	projection.Backend
	failOn string
}

type failingTxn struct {
	projection.Txn
	failOn string
}

var errInjected = fmt.Errorf("%w: injected", projection.ErrStorage)

func (b failingBackend) Update(ctx context.Context, fn func(projection.Txn) error) error {
	return b.Backend.Update(ctx, func(txn projection.Txn) error {
		return fn(failingTxn{Txn: txn, failOn: b.failOn})
	})
}

func (t failingTxn) PutChainRecord(rec types.ChainRecord) error {
	if t.failOn == "chain" {
		return errInjected
	}
	return t.Txn.PutChainRecord(rec)
}

func (t failingTxn) PutUndo(id types.BlockID, height uint64, data []byte) error {
	if t.failOn == "undo" {
		return errInjected
	}
	return t.Txn.PutUndo(id, height, data)
}

func (t failingTxn) DeleteChainRecord(id types.BlockID) error {
	if t.failOn == "unchain" {
		return errInjected
	}
	return t.Txn.DeleteChainRecord(id)
}

func TestStoreFailedTransactionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	chain := factory.Chain("main", 3)

	for _, bf := range backendFactories() {
		for _, failOn := range []string{"chain", "undo", "unchain"} {
			bf, failOn := bf, failOn
			t.Run(bf.name+"/"+failOn, func(t *testing.T) {
				backend := bf.open(t)
				t.Cleanup(func() { backend.Close() })

				good := projection.NewStore(backend, 20, log.NewNopLogger(), nil)
				bad := projection.NewStore(failingBackend{Backend: backend, failOn: failOn}, 20, log.NewNopLogger(), nil)

				for _, b := range chain[:2] {
					_, err := good.CommitBlock(ctx, b)
					require.NoError(t, err)
				}

				var err error
				if failOn == "unchain" {
					_, err = bad.RollbackBlock(ctx, chain[1].Header.ID)
				} else {
					_, err = bad.CommitBlock(ctx, chain[2])
				}
				require.Error(t, err)
				require.True(t, errors.Is(err, projection.ErrStorage))

				// state is exactly as after chain[1]
				requireHead(ctx, t, good, chain[1].Header.ID)
				requireValue(ctx, t, good, factory.Address("counter"), "main-1")
				requireValue(ctx, t, good, factory.Address("main-1"), "main-1")
				requireAbsent(ctx, t, good, factory.Address("main-2"))

				// and the failed operation succeeds once storage recovers
				if failOn == "unchain" {
					_, err = good.RollbackBlock(ctx, chain[1].Header.ID)
				} else {
					_, err = good.CommitBlock(ctx, chain[2])
				}
				require.NoError(t, err)
			})
		}
	}
}
