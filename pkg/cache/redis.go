package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// putScript writes an entry unless the stored one is newer. Timestamps are
// fixed-width decimal strings so string comparison orders them.
var putScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'updated_at')
if current and current > ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1], 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// scanCount is the COUNT hint used when iterating keys.
const scanCount = 200

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Prefix namespaces the keys, DefaultKeyPrefix when empty.
	Prefix string

	// Version is the scoring model version the table belongs to.
	Version int

	// TTL expires entries after their last write. Zero keeps them.
	TTL time.Duration
}

// RedisStore is a Store backed by Redis hashes.
type RedisStore struct {
	redis  redis.UniversalClient
	config RedisConfig
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed table.
func NewRedisStore(redisClient redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cfg.Version < 1 {
		cfg.Version = 1
	}
	return &RedisStore{
		redis:  redisClient,
		config: cfg,
		logger: log.With().Str("component", "item-store").Str("backend", "redis").Logger(),
	}
}

func (s *RedisStore) key(id string) ItemKey {
	return ItemKey{Prefix: s.config.Prefix, Version: s.config.Version, ID: id}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*ItemEntry, error) {
	data, err := s.redis.HGet(ctx, s.key(id).String(), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues("redis").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, err
	}

	CacheHits.WithLabelValues("redis").Inc()
	return entry, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, entry *ItemEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: entry must have an id", ErrInvalidEntry)
	}
	e := entry.Clone()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal item entry: %w", err)
	}

	written, err := putScript.Run(ctx, s.redis,
		[]string{s.key(e.ID).String()},
		stamp(e.UpdatedAt), data, s.config.TTL.Milliseconds(),
	).Int()
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis put script: %w", err)
	}
	if written == 0 {
		StaleWrites.WithLabelValues("redis").Inc()
		s.logger.Debug().
			Str("item_id", e.ID).
			Str("status", string(e.Status)).
			Msg("Rejected stale item write")
		return ErrStaleWrite
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.key(id).String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear implements Store. Only keys of this store's prefix and version are
// removed.
func (s *RedisStore) Clear(ctx context.Context) error {
	removed := 0
	err := s.scan(ctx, func(keys []string) error {
		if err := s.redis.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += len(keys)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return err
	}

	s.logger.Info().Int("removed", removed).Msg("Cleared item table")
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]*ItemEntry, error) {
	var out []*ItemEntry
	err := s.scan(ctx, func(keys []string) error {
		pipe := s.redis.Pipeline()
		cmds := make([]*redis.StringCmd, len(keys))
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, key, "data")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis pipeline: %w", err)
		}

		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				// expired or deleted between SCAN and HGET
				continue
			}
			if err != nil {
				return fmt.Errorf("redis hget %s: %w", keys[i], err)
			}
			entry, err := decodeEntry(data)
			if err != nil {
				id, _ := s.key("").IDFromKey(keys[i])
				s.logger.Warn().Err(err).Str("key", keys[i]).Str("item_id", id).Msg("Skipping corrupt item entry")
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		return nil, err
	}

	slices.SortFunc(out, func(a, b *ItemEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// scan walks every key of this store in SCAN batches.
func (s *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	pattern := s.key("").Pattern()
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func decodeEntry(data []byte) (*ItemEntry, error) {
	var entry ItemEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}
	return &entry, nil
}

// stamp renders t as a fixed-width decimal of nanoseconds since the epoch.
func stamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}
