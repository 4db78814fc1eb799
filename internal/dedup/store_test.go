package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var day0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// backends returns one fresh store per backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "dedup.db"), DefaultRetention)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	stores := map[string]Store{
		BackendMemory: NewMemoryStore(DefaultRetention),
		BackendRedis:  NewRedisStore(client, Config{Retention: DefaultRetention}, nil),
		BackendSQLite: sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

// =============================================================================
// Store Contract Tests
// =============================================================================

// TestStore_RecordSuppressesWithinRetention verifies that once recorded, an
// identifier is not alerted again inside the window.
func TestStore_RecordSuppressesWithinRetention(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.ShouldAlert(ctx, "abc", day0)
			if err != nil || !ok {
				t.Fatalf("fresh id should alert, got %v, %v", ok, err)
			}
			if err := store.Record(ctx, "abc", day0); err != nil {
				t.Fatalf("Record: %v", err)
			}
			for _, at := range []time.Time{day0, day0.Add(time.Hour), day0.Add(DefaultRetention - time.Second)} {
				ok, err := store.ShouldAlert(ctx, "abc", at)
				if err != nil {
					t.Fatalf("ShouldAlert: %v", err)
				}
				if ok {
					t.Errorf("id should be suppressed at %v", at)
				}
			}
		})
	}
}

// TestStore_ReappearsAfterRetention covers the day-0 / day-8 scenario with a
// 7-day window.
func TestStore_ReappearsAfterRetention(t *testing.T) {
	ctx := context.Background()
	day8 := day0.Add(8 * 24 * time.Hour)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.CheckAndRecord(ctx, "leak-1", day0)
			if err != nil || !ok {
				t.Fatalf("first sighting should alert, got %v, %v", ok, err)
			}
			ok, err = store.CheckAndRecord(ctx, "leak-1", day0.Add(24*time.Hour))
			if err != nil || ok {
				t.Fatalf("day 1 repeat should be suppressed, got %v, %v", ok, err)
			}
			ok, err = store.CheckAndRecord(ctx, "leak-1", day8)
			if err != nil {
				t.Fatalf("CheckAndRecord: %v", err)
			}
			if !ok {
				t.Error("identifier should alert again after retention expires")
			}
			ok, _ = store.CheckAndRecord(ctx, "leak-1", day8.Add(time.Minute))
			if ok {
				t.Error("re-recorded identifier should be suppressed again")
			}
		})
	}
}

// TestStore_SetRetention verifies a window changed between cycles applies to
// identifiers recorded afterwards.
func TestStore_SetRetention(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store.SetRetention(24 * time.Hour)
			if got := store.Retention(); got != 24*time.Hour {
				t.Fatalf("Retention() = %s", got)
			}

			ok, err := store.CheckAndRecord(ctx, "short", day0)
			if err != nil || !ok {
				t.Fatalf("first sighting should alert, got %v, %v", ok, err)
			}
			ok, err = store.CheckAndRecord(ctx, "short", day0.Add(2*24*time.Hour))
			if err != nil || !ok {
				t.Errorf("id should alert again after the shorter window, got %v, %v", ok, err)
			}

			store.SetRetention(0)
			if got := store.Retention(); got != DefaultRetention {
				t.Errorf("non-positive retention should reset to default, got %s", got)
			}
		})
	}
}

// TestStore_CheckAndRecordIsAtomic runs concurrent callers for one id.
func TestStore_CheckAndRecordIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.CheckAndRecord(ctx, "same", day0)
					if err != nil {
						t.Errorf("CheckAndRecord: %v", err)
						return
					}
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestStore_EmptyID(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CheckAndRecord(ctx, "", day0); !errors.Is(err, ErrEmptyID) {
				t.Errorf("expected ErrEmptyID, got %v", err)
			}
		})
	}
}

// =============================================================================
// Backend-specific Tests
// =============================================================================

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	store.Record(ctx, "old", day0)
	store.Record(ctx, "new", day0.Add(50*time.Minute))

	removed, err := store.Purge(ctx, day0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 || store.Len() != 1 {
		t.Errorf("expected one expired entry removed, removed=%d len=%d", removed, store.Len())
	}
}

func TestSQLiteStore_PurgeAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dedup.db")

	store, err := NewSQLiteStore(path, time.Hour)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	store.Record(ctx, "old", day0)
	store.Record(ctx, "kept", day0.Add(30*time.Minute))
	removed, err := store.Purge(ctx, day0.Add(time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 purged, got %d, %v", removed, err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ok, err := reopened.ShouldAlert(ctx, "kept", day0.Add(time.Hour))
	if err != nil || ok {
		t.Errorf("record should survive reopen, got %v, %v", ok, err)
	}
}

func TestRedisStore_UsesPrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, Config{Retention: time.Hour, KeyPrefix: "test:"}, nil)

	if _, err := store.CheckAndRecord(ctx, "abc", time.Now()); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !mr.Exists("test:abc") {
		t.Fatal("expected prefixed key")
	}
	if ttl := mr.TTL("test:abc"); ttl != time.Hour {
		t.Errorf("expected 1h TTL, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	ok, err := store.ShouldAlert(ctx, "abc", time.Now())
	if err != nil || !ok {
		t.Errorf("expired key should alert, got %v, %v", ok, err)
	}
}

func TestRedisStore_ErrorsSurface(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedisStore(client, Config{}, nil)
	mr.Close()

	if _, err := store.CheckAndRecord(context.Background(), "abc", day0); err == nil {
		t.Error("expected error when redis is down")
	}
}

func TestNew_Backends(t *testing.T) {
	if _, err := New(Config{Backend: "bogus"}, nil, nil); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := New(Config{Backend: BackendRedis}, nil, nil); err == nil {
		t.Error("redis backend without client should fail")
	}
	s, err := New(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("default backend should be memory, got %T", s)
	}
}
