package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.EventSource)
	assert.NotNil(cfg.Storage)
	assert.NotNil(cfg.Subscriber)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	assert.Equal("/foo/data", cfg.Storage.DBDir())
	assert.Equal("/foo/data/projection.sqlite", cfg.Storage.SQLiteFile())

	cfg.Storage.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.Storage.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	require.NoError(t, DefaultConfig().ValidateBasic())
	require.NoError(t, TestConfig().ValidateBasic())

	testCases := []struct {
		name     string
		malleate func(cfg *Config)
	}{
		{"bad log format", func(cfg *Config) { cfg.LogFormat = "xml" }},
		{"bad log level", func(cfg *Config) { cfg.LogLevel = "loud" }},
		{"http endpoint", func(cfg *Config) { cfg.EventSource.Endpoint = "http://127.0.0.1:8008" }},
		{"zero ping period", func(cfg *Config) { cfg.EventSource.PingPeriod = 0 }},
		{"bad namespace", func(cfg *Config) { cfg.EventSource.NamespacePrefixes = []string{"XYZ"} }},
		{"odd namespace", func(cfg *Config) { cfg.EventSource.NamespacePrefixes = []string{"abc"} }},
		{"unknown backend", func(cfg *Config) { cfg.Storage.Backend = "boltdb" }},
		{"postgres without dsn", func(cfg *Config) { cfg.Storage.Backend = BackendPostgres }},
		{"zero fork depth", func(cfg *Config) { cfg.Subscriber.MaxForkDepth = 0 }},
		{"retention below fork depth", func(cfg *Config) {
			cfg.Subscriber.MaxForkDepth = 50
			cfg.Subscriber.RollbackRetention = 49
		}},
		{"zero storage retries", func(cfg *Config) { cfg.Subscriber.StorageRetries = 0 }},
		{"negative heartbeat", func(cfg *Config) { cfg.Subscriber.HeartbeatTimeout = -time.Second }},
		{"max below initial", func(cfg *Config) {
			cfg.Subscriber.ReconnectMaxInterval = cfg.Subscriber.ReconnectInitialInterval / 2
		}},
		{"negative connections", func(cfg *Config) { cfg.Instrumentation.MaxOpenConnections = -1 }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.malleate(cfg)
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestRetentionEqualToForkDepthIsValid(t *testing.T) {
	cfg := DefaultSubscriberConfig()
	cfg.RollbackRetention = cfg.MaxForkDepth
	require.NoError(t, cfg.ValidateBasic())
}

func TestDefaultDBProvider(t *testing.T) {
	cfg := TestStorageConfig()
	db, err := DefaultDBProvider(&DBContext{ID: "projection", Config: cfg})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg.Backend = BackendSQLite
	_, err = DefaultDBProvider(&DBContext{ID: "projection", Config: cfg})
	require.Error(t, err)
}
