package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/types"
)

func newMock(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return New(db, Postgres), mock
}

func TestBeginFailureIsStorageError(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := b.Update(context.Background(), func(projection.Txn) error {
		t.Fatal("transaction function must not run")
		return nil
	})
	require.ErrorIs(t, err, projection.ErrStorage)
}

func TestFailedWriteRollsBack(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO state_entries").
		WithArgs("aa", []byte("1"), "bb").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := b.Update(context.Background(), func(txn projection.Txn) error {
		return txn.SetEntry(types.Entry{Address: "aa", Value: []byte("1"), BlockID: "bb"})
	})
	require.ErrorIs(t, err, projection.ErrStorage)
	require.True(t, projection.IsRetryable(err))
}

func TestCallerErrorRollsBack(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chain_head").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := b.Update(context.Background(), func(txn projection.Txn) error {
		require.NoError(t, txn.SetHead(""))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, projection.IsRetryable(err))
}

func TestCommitFailureIsStorageError(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chain_head").
		WithArgs(headRowID, "ab").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := b.Update(context.Background(), func(txn projection.Txn) error {
		return txn.SetHead("ab")
	})
	require.ErrorIs(t, err, projection.ErrStorage)
}

func TestPruneUndoReportsRowsAffected(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM rollback_log WHERE height <= \$1`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	var pruned int
	require.NoError(t, b.Update(context.Background(), func(txn projection.Txn) error {
		var err error
		pruned, err = txn.PruneUndo(9)
		return err
	}))
	require.Equal(t, 3, pruned)
}

func TestViewReadsInOneTransaction(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT block_id FROM chain_head WHERE id = \$1`).
		WithArgs(headRowID).
		WillReturnRows(sqlmock.NewRows([]string{"block_id"}))
	mock.ExpectQuery(`SELECT block_num, previous_block_id, state_root, height FROM chain_records`).
		WithArgs("ab").
		WillReturnRows(sqlmock.NewRows([]string{"block_num", "previous_block_id", "state_root", "height"}).
			AddRow(int64(7), "cd", "ee", int64(3)))
	mock.ExpectQuery(`SELECT value, block_id FROM state_entries`).
		WithArgs("aa").
		WillReturnError(errors.New("timeout"))
	mock.ExpectRollback()

	require.NoError(t, b.View(context.Background(), func(r projection.Reader) error {
		_, ok, err := r.GetHead()
		require.NoError(t, err)
		require.False(t, ok)

		rec, err := r.GetChainRecord("ab")
		require.NoError(t, err)
		require.Equal(t, types.ChainRecord{
			Header: types.BlockHeader{ID: "ab", Num: 7, PreviousID: "cd", StateRoot: "ee"},
			Height: 3,
		}, *rec)

		_, err = r.GetEntry("aa")
		require.ErrorIs(t, err, projection.ErrStorage)
		return nil
	}))
}

func TestViewBeginFailureIsStorageError(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := b.View(context.Background(), func(projection.Reader) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, projection.ErrStorage)
	require.False(t, called)
}

func TestSQLiteDialectPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	b := New(db, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM state_entries WHERE address = \?`).
		WithArgs("aa").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, b.Update(context.Background(), func(txn projection.Txn) error {
		return txn.DeleteEntry("aa")
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
