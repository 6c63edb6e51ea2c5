// Package sqlstore implements the projection backend on a relational
// database. PostgreSQL is the production target; SQLite serves embedded
// deployments and tests.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/adlio/schema"

	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/types"
)

const (
	TableEntries      = "state_entries"
	TableChainRecords = "chain_records"
	TableChainHead    = "chain_head"
	TableRollbackLog  = "rollback_log"

	// the chain head table holds a single row
	headRowID = 1
)

// Dialect captures what differs between the supported engines.
type Dialect struct {
	Name        string
	DriverName  string
	Placeholder sq.PlaceholderFormat
	BlobType    string
	Migrations  schema.Dialect
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		DriverName:  "postgres",
		Placeholder: sq.Dollar,
		BlobType:    "BYTEA",
		Migrations:  schema.Postgres,
	}

	SQLite = Dialect{
		Name:        "sqlite",
		DriverName:  "sqlite",
		Placeholder: sq.Question,
		BlobType:    "BLOB",
		Migrations:  schema.SQLite,
	}
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS state_entries (
  address   TEXT PRIMARY KEY,
  value     %[1]s NOT NULL,
  block_id  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_records (
  block_id          TEXT PRIMARY KEY,
  block_num         BIGINT NOT NULL,
  previous_block_id TEXT NOT NULL,
  state_root        TEXT NOT NULL,
  height            BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_head (
  id       INTEGER PRIMARY KEY,
  block_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rollback_log (
  block_id TEXT PRIMARY KEY,
  height   BIGINT NOT NULL,
  ops      %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS rollback_log_height ON rollback_log (height);
`

// Migrations returns the schema migrations of the projection tables.
func Migrations(d Dialect) []*schema.Migration {
	return []*schema.Migration{{
		ID:     "2024-06-01 projection tables",
		Script: fmt.Sprintf(schemaTemplate, d.BlobType),
	}}
}

// Migrate applies the projection schema to db.
func Migrate(db *sql.DB, d Dialect) error {
	m := schema.NewMigrator(schema.WithDialect(d.Migrations))
	if err := m.Apply(db, Migrations(d)); err != nil {
		return fmt.Errorf("%w: applying %s schema: %v", projection.ErrStorage, d.Name, err)
	}
	return nil
}

// Backend is a projection.Backend over database/sql.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	builder sq.StatementBuilderType

	// one writer at a time
	mtx sync.Mutex
}

var _ projection.Backend = (*Backend)(nil)

// New returns a Backend over an already migrated db.
func New(db *sql.DB, d Dialect) *Backend {
	return &Backend{
		db:      db,
		dialect: d,
		builder: sq.StatementBuilder.PlaceholderFormat(d.Placeholder),
	}
}

// Dialect returns the dialect the backend speaks.
func (b *Backend) Dialect() Dialect { return b.dialect }

// Update implements projection.Backend.
func (b *Backend) Update(ctx context.Context, fn func(projection.Txn) error) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", projection.ErrStorage, err)
	}

	if err := fn(&txn{reader: reader{ctx: ctx, q: tx, builder: b.builder}, tx: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", projection.ErrStorage, err)
	}
	return nil
}

// View implements projection.Backend. All reads of fn see one snapshot.
func (b *Backend) View(ctx context.Context, fn func(projection.Reader) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("%w: beginning read transaction: %v", projection.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	return fn(reader{ctx: ctx, q: tx, builder: b.builder})
}

// Reset implements projection.Backend.
func (b *Backend) Reset(ctx context.Context) error {
	return b.Update(ctx, func(t projection.Txn) error {
		tx := t.(*txn)
		for _, table := range []string{TableEntries, TableChainRecords, TableChainHead, TableRollbackLog} {
			if err := tx.exec(b.builder.Delete(table)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements projection.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type reader struct {
	ctx     context.Context
	q       queryer
	builder sq.StatementBuilderType
}

// queryRow runs a single row select. It reports false when no row matched.
func (r reader) queryRow(query sq.SelectBuilder, dest ...interface{}) (bool, error) {
	stmt, args, err := query.ToSql()
	if err != nil {
		return false, err
	}
	err = r.q.QueryRowContext(r.ctx, stmt, args...).Scan(dest...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	return true, nil
}

func (r reader) GetEntry(address string) (*types.Entry, error) {
	var (
		value   []byte
		blockID string
	)
	ok, err := r.queryRow(
		r.builder.Select("value", "block_id").From(TableEntries).Where(sq.Eq{"address": address}),
		&value, &blockID,
	)
	if err != nil || !ok {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return &types.Entry{Address: address, Value: value, BlockID: types.BlockID(blockID)}, nil
}

func (r reader) CountEntries() (int64, error) {
	var n int64
	_, err := r.queryRow(r.builder.Select("COUNT(*)").From(TableEntries), &n)
	return n, err
}

func (r reader) GetChainRecord(id types.BlockID) (*types.ChainRecord, error) {
	var (
		num, height       int64
		prevID, stateRoot string
	)
	ok, err := r.queryRow(
		r.builder.Select("block_num", "previous_block_id", "state_root", "height").
			From(TableChainRecords).
			Where(sq.Eq{"block_id": string(id)}),
		&num, &prevID, &stateRoot, &height,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &types.ChainRecord{
		Header: types.BlockHeader{
			ID:         id,
			Num:        uint64(num),
			PreviousID: types.BlockID(prevID),
			StateRoot:  stateRoot,
		},
		Height: uint64(height),
	}, nil
}

func (r reader) GetHead() (types.BlockID, bool, error) {
	var id string
	ok, err := r.queryRow(
		r.builder.Select("block_id").From(TableChainHead).Where(sq.Eq{"id": headRowID}),
		&id,
	)
	return types.BlockID(id), ok, err
}

func (r reader) GetUndo(id types.BlockID) ([]byte, bool, error) {
	var ops []byte
	ok, err := r.queryRow(
		r.builder.Select("ops").From(TableRollbackLog).Where(sq.Eq{"block_id": string(id)}),
		&ops,
	)
	return ops, ok, err
}

type txn struct {
	reader
	tx *sql.Tx
}

type sqlizer interface {
	ToSql() (string, []interface{}, error)
}

func (t *txn) execResult(query sqlizer) (sql.Result, error) {
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	return res, nil
}

func (t *txn) exec(query sqlizer) error {
	_, err := t.execResult(query)
	return err
}

func (t *txn) SetEntry(e types.Entry) error {
	return t.exec(t.builder.Insert(TableEntries).
		Columns("address", "value", "block_id").
		Values(e.Address, e.Value, string(e.BlockID)).
		Suffix("ON CONFLICT (address) DO UPDATE SET value = excluded.value, block_id = excluded.block_id"))
}

func (t *txn) DeleteEntry(address string) error {
	return t.exec(t.builder.Delete(TableEntries).Where(sq.Eq{"address": address}))
}

func (t *txn) PutChainRecord(rec types.ChainRecord) error {
	return t.exec(t.builder.Insert(TableChainRecords).
		Columns("block_id", "block_num", "previous_block_id", "state_root", "height").
		Values(
			string(rec.Header.ID),
			int64(rec.Header.Num),
			string(rec.Header.PreviousID),
			rec.Header.StateRoot,
			int64(rec.Height),
		))
}

func (t *txn) DeleteChainRecord(id types.BlockID) error {
	return t.exec(t.builder.Delete(TableChainRecords).Where(sq.Eq{"block_id": string(id)}))
}

func (t *txn) SetHead(id types.BlockID) error {
	if id == "" {
		return t.exec(t.builder.Delete(TableChainHead))
	}
	return t.exec(t.builder.Insert(TableChainHead).
		Columns("id", "block_id").
		Values(headRowID, string(id)).
		Suffix("ON CONFLICT (id) DO UPDATE SET block_id = excluded.block_id"))
}

func (t *txn) PutUndo(id types.BlockID, height uint64, data []byte) error {
	return t.exec(t.builder.Insert(TableRollbackLog).
		Columns("block_id", "height", "ops").
		Values(string(id), int64(height), data))
}

func (t *txn) DeleteUndo(id types.BlockID) error {
	return t.exec(t.builder.Delete(TableRollbackLog).Where(sq.Eq{"block_id": string(id)}))
}

func (t *txn) PruneUndo(maxHeight uint64) (int, error) {
	res, err := t.execResult(t.builder.Delete(TableRollbackLog).Where(sq.LtOrEq{"height": int64(maxHeight)}))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	return int(n), nil
}
