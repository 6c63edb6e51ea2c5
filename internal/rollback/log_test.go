package rollback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/tm-projector/types"
)

type undoRow struct {
	height uint64
	data   []byte
}

type memTxn struct {
	rows map[types.BlockID]undoRow
}

func newMemTxn() *memTxn { return &memTxn{rows: make(map[types.BlockID]undoRow)} }

func (m *memTxn) PutUndo(id types.BlockID, height uint64, data []byte) error {
	m.rows[id] = undoRow{height: height, data: data}
	return nil
}

func (m *memTxn) GetUndo(id types.BlockID) ([]byte, bool, error) {
	row, ok := m.rows[id]
	return row.data, ok, nil
}

func (m *memTxn) DeleteUndo(id types.BlockID) error {
	delete(m.rows, id)
	return nil
}

func (m *memTxn) PruneUndo(maxHeight uint64) (int, error) {
	n := 0
	for id, row := range m.rows {
		if row.height <= maxHeight {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func record(height uint64, id types.BlockID) types.ChainRecord {
	return types.ChainRecord{Header: types.BlockHeader{ID: id}, Height: height}
}

func TestRecordReplayReversesOrder(t *testing.T) {
	txn := newMemTxn()
	l := NewLog(10)

	ops := []types.InverseOp{
		{Address: "aa", Existed: false},
		{Address: "aa", Value: []byte("v1"), BlockID: "1111111111111111", Existed: true},
		{Address: "bb", Value: []byte{}, Existed: true},
	}
	require.NoError(t, l.Record(txn, record(3, "2222222222222222"), ops))

	got, err := l.ReplayUndo(txn, "2222222222222222")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "bb", got[0].Address)
	require.Equal(t, []byte("v1"), got[1].Value)
	require.Equal(t, types.BlockID("1111111111111111"), got[1].BlockID)
	require.True(t, got[1].Existed)
	require.False(t, got[2].Existed)
}

func TestRecordEmptyBlock(t *testing.T) {
	txn := newMemTxn()
	l := NewLog(10)

	require.NoError(t, l.Record(txn, record(0, "3333333333333333"), nil))
	got, err := l.ReplayUndo(txn, "3333333333333333")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReplayMissingEntry(t *testing.T) {
	l := NewLog(10)
	_, err := l.ReplayUndo(newMemTxn(), "4444444444444444")
	require.ErrorIs(t, err, ErrNoUndo)
}

func TestForget(t *testing.T) {
	txn := newMemTxn()
	l := NewLog(10)

	require.NoError(t, l.Record(txn, record(1, "5555555555555555"), nil))
	require.NoError(t, l.Forget(txn, "5555555555555555"))
	_, err := l.ReplayUndo(txn, "5555555555555555")
	require.ErrorIs(t, err, ErrNoUndo)
}

func TestPruneKeepsRetentionWindow(t *testing.T) {
	txn := newMemTxn()
	l := NewLog(3)

	ids := []types.BlockID{
		"a000000000000000", "a100000000000000", "a200000000000000",
		"a300000000000000", "a400000000000000", "a500000000000000",
	}
	for h, id := range ids {
		require.NoError(t, l.Record(txn, record(uint64(h), id), nil))
	}

	// head below the retention depth prunes nothing
	n, err := l.Prune(txn, 2)
	require.NoError(t, err)
	require.Zero(t, n)

	// head at height 5 keeps heights 3, 4 and 5
	n, err = l.Prune(txn, 5)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for h, id := range ids {
		_, ok, err := txn.GetUndo(id)
		require.NoError(t, err)
		require.Equal(t, h >= 3, ok, "height %d", h)
	}
}
