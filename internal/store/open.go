package store

import (
	"context"
	"strings"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/pkg/conn"
	"arbterm/pkg/exception"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a store implementation.
type Config struct {
	Driver     string
	SQLitePath string
	Postgres   conn.Option
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		logs.Warnf("store: using in-memory store, nothing survives a restart")
		return NewMemory(), nil
	case DriverSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "arbterm.db"
		}
		return OpenSQLite(path)
	case DriverPostgres:
		pg, err := OpenPostgres(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if err := pg.client.Ping(ctx); err != nil {
			_ = pg.Close()
			return nil, errors.Wrap(err, "ping postgres")
		}
		return pg, nil
	default:
		return nil, errors.Wrap(exception.ErrStoreUnsupportedDriver, cfg.Driver)
	}
}
