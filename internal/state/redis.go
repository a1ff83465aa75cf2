package state

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
)

const (
	flagPrefix    = "flag:"
	counterPrefix = "rr:"
	lockPrefix    = "lock:"
	versionKey    = "config:version"
)

// releaseScript deletes a lock only while it still belongs to the caller.
// A lease that expired and was taken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on go-redis. It accepts a UniversalClient so
// the same code runs against a single node, a sentinel setup or a cluster.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owner  string // written as the lock value, unique per RedisStore
	logger *slog.Logger
}

// NewRedisStore wraps client. prefix namespaces every key (for example
// "credrouter:"); logger may be nil.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		owner:  uuid.NewString(),
		logger: logging.OrDefault(logger).With(slog.String("component", "state")),
	}
}

func (s *RedisStore) failOpen(op, key string, err error) {
	metrics.StoreFailOpen.WithLabelValues(op).Inc()
	s.logger.Warn("state store unavailable, failing open",
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("error", err),
	)
}

// IsFlagged implements Store.
func (s *RedisStore) IsFlagged(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, s.prefix+flagPrefix+key).Result()
	if err != nil {
		s.failOpen("is_flagged", key, err)
		return false
	}
	return n > 0
}

// FlagTTL implements Store.
func (s *RedisStore) FlagTTL(ctx context.Context, key string) time.Duration {
	ttl, err := s.client.PTTL(ctx, s.prefix+flagPrefix+key).Result()
	if err != nil {
		s.failOpen("flag_ttl", key, err)
		return 0
	}
	// go-redis reports -1 (no expiry) and -2 (missing) as raw durations.
	if ttl < 0 {
		return 0
	}
	return ttl
}

// SetFlag implements Store.
func (s *RedisStore) SetFlag(ctx context.Context, key string, ttl time.Duration) {
	if ttl <= 0 {
		s.logger.Warn("refusing to set flag without ttl", slog.String("key", key))
		return
	}
	if err := s.client.Set(ctx, s.prefix+flagPrefix+key, "1", ttl).Err(); err != nil {
		s.failOpen("set_flag", key, err)
	}
}

// DeleteFlag implements Store.
func (s *RedisStore) DeleteFlag(ctx context.Context, key string) {
	if err := s.client.Del(ctx, s.prefix+flagPrefix+key).Err(); err != nil {
		s.failOpen("delete_flag", key, err)
	}
}

// NextIndex implements Store. The counter has no expiry: it only ever
// grows, and every process selecting from scope shares it.
func (s *RedisStore) NextIndex(ctx context.Context, scope string, modulus int) int {
	if modulus <= 1 {
		return 0
	}
	n, err := s.client.Incr(ctx, s.prefix+counterPrefix+scope).Result()
	if err != nil {
		s.failOpen("next_index", scope, err)
		return rand.IntN(modulus)
	}
	// #nosec G115 -- modulus bounds the value.
	return int((n - 1) % int64(modulus))
}

// AcquireLock implements Store.
func (s *RedisStore) AcquireLock(ctx context.Context, resource string, lease time.Duration) bool {
	ok, err := s.client.SetNX(ctx, s.prefix+lockPrefix+resource, s.owner, lease).Result()
	if err != nil {
		s.failOpen("acquire_lock", resource, err)
		return true
	}
	return ok
}

// ReleaseLock implements Store.
func (s *RedisStore) ReleaseLock(ctx context.Context, resource string) {
	err := releaseScript.Run(ctx, s.client, []string{s.prefix + lockPrefix + resource}, s.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.failOpen("release_lock", resource, err)
	}
}

// Version implements Store. A watermark that was never bumped reads as 0.
func (s *RedisStore) Version(ctx context.Context) (int64, bool) {
	v, err := s.client.Get(ctx, s.prefix+versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		s.failOpen("version", versionKey, err)
		return 0, false
	}
	return v, true
}

// BumpVersion implements Store.
func (s *RedisStore) BumpVersion(ctx context.Context) int64 {
	v, err := s.client.Incr(ctx, s.prefix+versionKey).Result()
	if err != nil {
		s.failOpen("bump_version", versionKey, err)
		return 0
	}
	return v
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// NewClient builds the go-redis client for addrs. One address gives a
// plain client, more than one a cluster client.
func NewClient(addrs []string, password string, db int) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
		DB:       db,
	})
}
