package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKeyPrefix namespaces dedup keys in a shared redis.
const DefaultKeyPrefix = "darkwatch:dedup:"

// The stored value is the expiry in unix milliseconds so callers can supply
// their own clock; PX lets redis reclaim the key on its own.
var checkAndRecordScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current and tonumber(current) > tonumber(ARGV[1]) then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
`)

// RedisStore keeps identifiers in redis, shared by every process that points
// at the same instance.
type RedisStore struct {
	*window

	client redis.UniversalClient
	logger *zap.Logger
	prefix string
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client redis.UniversalClient, cfg Config, logger *zap.Logger) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		window: newWindow(cfg.Retention),
		client: client,
		logger: logger,
		prefix: cfg.KeyPrefix,
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// ShouldAlert reports whether id is absent or expired.
func (r *RedisStore) ShouldAlert(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}

	expiresAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.logger.Warn("Corrupt dedup entry, treating as unseen", zap.String("id", id), zap.Error(err))
		return true, nil
	}
	return now.UnixMilli() >= expiresAt, nil
}

// Record marks id as alerted at now.
func (r *RedisStore) Record(ctx context.Context, id string, now time.Time) error {
	if id == "" {
		return ErrEmptyID
	}
	retention := r.Retention()
	expiresAt := now.Add(retention).UnixMilli()
	if err := r.client.Set(ctx, r.key(id), expiresAt, retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CheckAndRecord atomically records id if absent or expired.
func (r *RedisStore) CheckAndRecord(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	retention := r.Retention()
	expiresAt := now.Add(retention).UnixMilli()
	result, err := checkAndRecordScript.Run(ctx, r.client, []string{r.key(id)},
		now.UnixMilli(), expiresAt, retention.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis check-and-record: %w", err)
	}
	return result == 1, nil
}

// Purge is a no-op; redis expires keys on its own.
func (r *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
