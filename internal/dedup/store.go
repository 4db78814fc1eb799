// Package dedup remembers which finding identifiers have already alerted so
// the same content is not reported twice within the retention window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRetention is how long an alerted identifier suppresses repeats.
const DefaultRetention = 7 * 24 * time.Hour

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Common errors.
var (
	ErrUnknownBackend = errors.New("unknown dedup backend")
	ErrEmptyID        = errors.New("identifier must not be empty")
)

// Store is a retention-bounded set of alerted identifiers. Implementations
// must make CheckAndRecord atomic per identifier.
type Store interface {
	// ShouldAlert reports whether id is absent or expired.
	ShouldAlert(ctx context.Context, id string, now time.Time) (bool, error)
	// Record marks id as alerted at now.
	Record(ctx context.Context, id string, now time.Time) error
	// CheckAndRecord records id and returns true only if it was absent or
	// expired. Concurrent callers with the same id see exactly one true.
	CheckAndRecord(ctx context.Context, id string, now time.Time) (bool, error)
	// Purge removes expired entries and returns how many were removed.
	Purge(ctx context.Context, now time.Time) (int, error)
	// SetRetention changes the window applied to identifiers recorded from
	// then on. Entries already stored keep their expiry.
	SetRetention(d time.Duration)
	Retention() time.Duration
	Close() error
}

// window is the retention shared by every backend. It may change between
// cycles while another goroutine serves readiness checks.
type window struct {
	d atomic.Int64
}

func newWindow(d time.Duration) *window {
	w := &window{}
	w.SetRetention(d)
	return w
}

// SetRetention replaces the window; non-positive values mean DefaultRetention.
func (w *window) SetRetention(d time.Duration) {
	if d <= 0 {
		d = DefaultRetention
	}
	w.d.Store(int64(d))
}

// Retention returns the current window.
func (w *window) Retention() time.Duration {
	return time.Duration(w.d.Load())
}

// Config selects and configures a backend.
type Config struct {
	Backend    string        `yaml:"backend"` // memory, redis, sqlite
	Retention  time.Duration `yaml:"retention"`
	KeyPrefix  string        `yaml:"key_prefix"`
	SQLitePath string        `yaml:"sqlite_path"`
}

// New builds the configured backend. The redis client is only used by the
// redis backend and may be nil otherwise.
func New(cfg Config, client redis.UniversalClient, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(cfg.Retention), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis backend requires a client")
		}
		return NewRedisStore(client, cfg, logger), nil
	case BackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath, cfg.Retention)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
