package settings

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "hireflow/pkg/logx"
)

// Provider is the read side used by the scheduler.
type Provider interface {
	Get(ctx context.Context, key, def string) string
	Int(ctx context.Context, key string, def int) int
	Bool(ctx context.Context, key string, def bool) bool
	Many(ctx context.Context, keys []string) map[string]string
	// Snapshot errors only when the backend is unreachable and no fresh
	// cached copy exists.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Backend is the persistence the store caches. *storage.SQLite implements it.
type Backend interface {
	AllSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Store is a TTL-cached Provider with validated writes.
type Store struct {
	backend Backend
	ttl     time.Duration
	log     logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	cached   Snapshot
	loadedAt time.Time
	valid    bool
}

type Option func(*Store)

// WithTTL sets how long a loaded snapshot is reused. 0 disables caching.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

func WithLogger(l logx.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(b Backend, opts ...Option) *Store {
	s := &Store{backend: b, ttl: 30 * time.Second, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.valid && s.ttl > 0 && now.Sub(s.loadedAt) < s.ttl {
		return s.cached, nil
	}
	all, err := s.backend.AllSettings(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "load settings")
	}
	s.cached = NewSnapshot(all)
	s.loadedAt = now
	s.valid = true
	return s.cached, nil
}

// current is Snapshot with failures degraded to the last good copy, or empty.
func (s *Store) current(ctx context.Context) Snapshot {
	snap, err := s.Snapshot(ctx)
	if err == nil {
		return snap
	}
	s.log.Warn("settings read failed, using defaults", logx.Err(err))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid {
		return s.cached
	}
	return Snapshot{}
}

func (s *Store) Get(ctx context.Context, key, def string) string {
	return s.current(ctx).String(key, def)
}

func (s *Store) Int(ctx context.Context, key string, def int) int {
	n, _ := s.current(ctx).Int(key, def)
	return n
}

func (s *Store) Bool(ctx context.Context, key string, def bool) bool {
	return s.current(ctx).Bool(key, def)
}

// Many returns the stored values of keys; missing keys are omitted.
func (s *Store) Many(ctx context.Context, keys []string) map[string]string {
	snap := s.current(ctx)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := snap.Raw(k); ok {
			out[k] = v
		}
	}
	return out
}

// Set validates and persists one setting. A rejected write leaves the stored
// value untouched.
func (s *Store) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if err := Validate(key, value); err != nil {
		return err
	}
	if err := s.backend.PutSetting(ctx, key, value); err != nil {
		return err
	}
	s.invalidate()
	s.log.Info("setting updated", logx.String("key", key), logx.String("value", value))
	return nil
}

// Unset removes a setting so reads fall back to their defaults.
func (s *Store) Unset(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if _, ok := validators[key]; !ok {
		return errors.Wrapf(ErrUnknownKey, "%q", key)
	}
	if err := s.backend.DeleteSetting(ctx, key); err != nil {
		return err
	}
	s.invalidate()
	s.log.Info("setting removed", logx.String("key", key))
	return nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
