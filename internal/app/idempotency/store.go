// Package idempotency deduplicates retried mutations. A request fingerprint
// is reserved with a short-lived pending marker, the handler runs once, and
// its successful response is cached so retries within the window replay it.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrUnavailable wraps failures talking to the backing store.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// Record is a completed response kept for replay.
type Record struct {
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body"`
	CompletedAt time.Time `json:"completed_at"`
}

// Entry is the state found under a fingerprint.
type Entry struct {
	Pending bool
	Record  Record
}

// Store keeps pending markers and completed records.
type Store interface {
	// Reserve atomically places a pending marker under key. When the key is
	// already taken it returns the existing entry and reserved == false.
	Reserve(ctx context.Context, key string, ttl time.Duration) (token string, existing Entry, reserved bool, err error)
	// Complete replaces the pending marker with rec.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release drops the pending marker if it still belongs to token.
	Release(ctx context.Context, key, token string) error
}

// Sequencer remembers the most recent successful mutation per scope so that
// requests without a client key are only replayed while they repeat it.
// Stores may implement it; Guard falls back to plain fingerprints otherwise.
type Sequencer interface {
	Latest(ctx context.Context, scope string) (Mark, error)
	SetLatest(ctx context.Context, scope string, mark Mark, ttl time.Duration) error
}

// Mark is the fingerprint of a scope's latest mutation and the key its
// result was recorded under.
type Mark struct {
	Base string `json:"base"`
	Key  string `json:"key"`
}

type storedEntry struct {
	State  string  `json:"state"`
	Token  string  `json:"token,omitempty"`
	Record *Record `json:"record,omitempty"`
}

const (
	statePending   = "pending"
	stateCompleted = "completed"
)

func (e storedEntry) entry() Entry {
	if e.State != stateCompleted || e.Record == nil {
		return Entry{Pending: true}
	}
	return Entry{Record: *e.Record}
}

// RedisStore implements Store on Redis with SETNX markers.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithNamespace sets the key prefix.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, namespace: "shopfront"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis parses url, connects and verifies connectivity.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) latestKey(scope string) string {
	return s.namespace + ":idem-latest:" + scope
}

func (s *RedisStore) Latest(ctx context.Context, scope string) (Mark, error) {
	raw, err := s.client.Get(ctx, s.latestKey(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Mark{}, nil
	}
	if err != nil {
		return Mark{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var m Mark
	if err := json.Unmarshal(raw, &m); err != nil {
		return Mark{}, nil
	}
	return m, nil
}

func (s *RedisStore) SetLatest(ctx context.Context, scope string, mark Mark, ttl time.Duration) error {
	raw, err := json.Marshal(mark)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.latestKey(scope), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":idem:" + k
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (string, Entry, bool, error) {
	token := uuid.NewString()
	marker, err := json.Marshal(storedEntry{State: statePending, Token: token})
	if err != nil {
		return "", Entry{}, false, err
	}

	// Two rounds cover a marker expiring between SETNX and GET.
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, s.key(key), marker, ttl).Result()
		if err != nil {
			return "", Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			return token, Entry{}, true, nil
		}

		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var stored storedEntry
		if err := json.Unmarshal(data, &stored); err != nil {
			return "", Entry{}, false, fmt.Errorf("decode idempotency entry: %w", err)
		}
		return "", stored.entry(), false, nil
	}
	return "", Entry{Pending: true}, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(storedEntry{State: stateCompleted, Record: &rec})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// releaseScript deletes the key only while it still holds the caller's
// pending marker.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, entry = pcall(cjson.decode, v)
if ok and entry["state"] == "pending" and entry["token"] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MemoryStore is a process-local Store used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	latest  map[string]memoryMark
	now     func() time.Time
}

type memoryMark struct {
	mark      Mark
	expiresAt time.Time
}

type memoryEntry struct {
	stored    storedEntry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		latest:  make(map[string]memoryMark),
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (string, Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return "", e.stored.entry(), false, nil
	}
	token := uuid.NewString()
	s.entries[key] = memoryEntry{
		stored:    storedEntry{State: statePending, Token: token},
		expiresAt: now.Add(ttl),
	}
	return token, Entry{}, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		stored:    storedEntry{State: stateCompleted, Record: &rec},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.stored.State == statePending && e.stored.Token == token {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, scope string) (Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.latest[scope]; ok && s.now().Before(m.expiresAt) {
		return m.mark, nil
	}
	return Mark{}, nil
}

func (s *MemoryStore) SetLatest(_ context.Context, scope string, mark Mark, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[scope] = memoryMark{mark: mark, expiresAt: s.now().Add(ttl)}
	return nil
}

// Compact drops expired entries and returns how many were removed.
func (s *MemoryStore) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	for k, m := range s.latest {
		if !now.Before(m.expiresAt) {
			delete(s.latest, k)
			removed++
		}
	}
	return removed
}
