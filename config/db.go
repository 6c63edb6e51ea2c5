package config

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"
)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *StorageConfig
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a key/value database using the backend and
// directory specified in the storage config.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	switch ctx.Config.Backend {
	case BackendGoLevelDB, BackendMemDB:
	default:
		return nil, fmt.Errorf("backend %q is not a key/value backend", ctx.Config.Backend)
	}

	dbType := dbm.BackendType(ctx.Config.Backend)

	return dbm.NewDB(ctx.ID, dbType, ctx.Config.DBDir())
}
