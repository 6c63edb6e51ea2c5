package commands

import (
	"context"

	cfg "github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/internal/projection/kv"
	"github.com/tendermint/tm-projector/internal/projection/sqlstore"
	"github.com/tendermint/tm-projector/libs/log"
)

const projectionDBName = "projection"

// openBackend opens the storage backend selected by conf.
func openBackend(ctx context.Context, conf *cfg.StorageConfig) (projection.Backend, error) {
	switch conf.Backend {
	case cfg.BackendPostgres, cfg.BackendSQLite:
		return sqlstore.Open(ctx, conf)
	default:
		db, err := cfg.DefaultDBProvider(&cfg.DBContext{ID: projectionDBName, Config: conf})
		if err != nil {
			return nil, err
		}
		return kv.New(db), nil
	}
}

// openStore opens the projection store of the configured projector.
func openStore(ctx context.Context, logger log.Logger, metrics *projection.Metrics) (*projection.Store, error) {
	backend, err := openBackend(ctx, config.Storage)
	if err != nil {
		return nil, err
	}
	return projection.NewStore(backend, uint64(config.Subscriber.RollbackRetention), logger, metrics), nil
}
