// Package store checkpoints negotiation state so sessions survive restarts.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

// Store persists session checkpoints. Load returns nil, nil when no
// checkpoint exists for id.
type Store interface {
	Save(ctx context.Context, id string, st session.State) error
	Load(ctx context.Context, id string) (*session.State, error)
	Delete(ctx context.Context, id string) error
	// List returns checkpoints in a given status, newest first. An empty
	// status lists everything.
	List(ctx context.Context, status session.Status) ([]session.State, error)
	// Prune deletes terminal checkpoints last updated before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Open builds the store selected by cfg.Store.Driver.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite, "":
		path := cfg.SQLitePath()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		return OpenSQL(DialectSQLite, path)
	case config.StoreDriverPostgres:
		return OpenSQL(DialectPostgres, cfg.Store.DSN)
	case config.StoreDriverMySQL:
		return OpenSQL(DialectMySQL, cfg.Store.DSN)
	case config.StoreDriverRedis:
		return OpenRedis(cfg.Store.DSN)
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
