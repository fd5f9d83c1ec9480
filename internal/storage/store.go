// Package storage persists relay sessions. Every backend offers the same
// compare-and-set contract on Session.Version so that two processes sharing
// one backend never both apply a mutation to the same session.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairrelay/internal/config"
	"pairrelay/internal/models"
	"pairrelay/internal/redis"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("session version conflict")
)

// Store is the key-value backing store shared by all session actors.
type Store interface {
	// Load returns a private copy of the session or ErrNotFound.
	Load(ctx context.Context, id string) (*models.Session, error)
	// Create inserts s unless a record with the same id exists; it reports
	// whether the insert happened.
	Create(ctx context.Context, s *models.Session) (bool, error)
	// Update replaces the record if its stored version equals expectVersion.
	// It returns ErrConflict when another writer got there first.
	Update(ctx context.Context, s *models.Session, expectVersion int64) error
	// Expired lists ids of sessions that are not yet reaped and whose last
	// activity is before cutoff.
	Expired(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// Open builds the store selected by cfg.Store.Driver.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "mysql":
		db, err := OpenDB(cfg.Store.Driver, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, cfg.Store.Driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLStore(db), nil
	case "redis":
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.Retention()), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
