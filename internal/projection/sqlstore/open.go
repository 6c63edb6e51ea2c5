package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	// database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/internal/projection"
)

// Open connects to the database named by cfg, applies the schema and returns
// a ready Backend.
func Open(ctx context.Context, cfg *config.StorageConfig) (*Backend, error) {
	var (
		d   Dialect
		dsn string
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		d, dsn = Postgres, cfg.ConnString
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DBDir(), 0700); err != nil {
			return nil, err
		}
		d, dsn = SQLite, SQLiteDSN(cfg.SQLiteFile())
	default:
		return nil, fmt.Errorf("backend %q is not a relational backend", cfg.Backend)
	}

	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", projection.ErrStorage, d.Name, err)
	}
	if d.Name == SQLite.Name {
		// sqlite allows a single writer; a single connection keeps the
		// backend's transactions from contending for the file lock
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connecting to %s: %v", projection.ErrStorage, d.Name, err)
	}
	if err := Migrate(db, d); err != nil {
		db.Close()
		return nil, err
	}

	return New(db, d), nil
}

// SQLiteDSN returns the connection string for the sqlite file at path.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
}
