package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pairrelay/internal/models"
	"pairrelay/internal/redis"
)

const defaultRedisRetention = 24 * time.Hour

// RedisStore keeps each session as one JSON value. Updates run inside
// WATCH/MULTI so a concurrent writer on another node surfaces as ErrConflict.
// Keys carry a retention TTL, refreshed on every write, which is the physical
// cleanup policy for abandoned sessions.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = defaultRedisRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + "session:" + id
}

func (r *RedisStore) Load(ctx context.Context, id string) (*models.Session, error) {
	raw, err := r.client.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(raw)
}

func (r *RedisStore) Create(ctx context.Context, s *models.Session) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), data, r.retention)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) Update(ctx context.Context, s *models.Session, expectVersion int64) error {
	key := r.key(s.ID)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = r.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.ErrCacheMiss) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		cur, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if cur.Version != expectVersion {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.retention)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.ErrTxFailed) {
		return ErrConflict
	}
	return err
}

func (r *RedisStore) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.client.Scan(ctx, r.prefix+"session:*", func(key string) error {
		s, err := r.Load(ctx, strings.TrimPrefix(key, r.prefix+"session:"))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !s.Reaped && s.LastActivity.Before(cutoff) {
			ids = append(ids, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeSession(raw []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Messages == nil {
		s.Messages = make([]*models.Message, 0)
	}
	return &s, nil
}
