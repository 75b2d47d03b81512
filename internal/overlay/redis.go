package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMaxRetries = 5

// RedisStore keeps one JSON array per scope under "overlay:<scope>". Every
// write refreshes the key TTL, so a scope lives ttl past its last booking.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a store on client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "overlay:"}
}

func (s *RedisStore) key(scope string) string {
	return s.prefix + scope
}

// Load returns the scope's entries.
func (s *RedisStore) Load(ctx context.Context, scope string) ([]Entry, error) {
	return decodeEntries(s.client.Get(ctx, s.key(scope)))
}

// Update performs an optimistic WATCH/MULTI read-modify-write, retrying when
// another writer touched the key in between.
func (s *RedisStore) Update(ctx context.Context, scope string, fn func([]Entry) []Entry) error {
	key := s.key(scope)

	txf := func(tx *redis.Tx) error {
		current, err := decodeEntries(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		next := fn(current)

		var data []byte
		if len(next) > 0 {
			if data, err = json.Marshal(next); err != nil {
				return fmt.Errorf("encode overlay: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if data == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func decodeEntries(cmd *redis.StringCmd) ([]Entry, error) {
	val, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(val, &entries); err != nil {
		return nil, fmt.Errorf("decode overlay: %w", err)
	}
	return entries, nil
}
