package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore holds fixed-window counters. Increment starts a new window
// of length window when none exists for key or the current one has ended
// at now, and otherwise increments the live window.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
	// Sweep evicts windows that ended at or before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a process-local CounterStore. Under multi-instance
// deployment it limits per instance only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*window
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*window)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, d time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(d)}
		s.entries[key] = w
		return w.count, w.resetAt, nil
	}
	w.count++
	return w.count, w.resetAt, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.entries {
		if !now.Before(w.resetAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// size returns the number of tracked windows.
func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// incrementScript runs the fixed-window step atomically on the server. Times
// are unix milliseconds from the caller's clock; PEXPIRE lets Redis evict
// finished windows without a sweep.
var incrementScript = redis.NewScript(`
local reset = redis.call('HGET', KEYS[1], 'reset')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if (not reset) or now >= tonumber(reset) then
	redis.call('HSET', KEYS[1], 'count', 1, 'reset', now + window)
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, now + window}
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, tonumber(reset)}
`)

// RedisStore shares counters between instances through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a RedisStore using client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, d time.Duration, now time.Time) (int64, time.Time, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, now.UnixMilli(), d.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate limit counter: %w", err)
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("increment rate limit counter: unexpected reply %v", vals)
	}
	return vals[0], time.UnixMilli(vals[1]), nil
}

// Sweep is a no-op; Redis expires finished windows itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
