// Package idempotency makes POST endpoints safe to retry.
//
// A client that sends the same Idempotency-Key twice gets the first response
// back instead of a second transfer. Keys are scoped to the caller account and
// route, so two accounts may reuse the same key value.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Response is a cached 2xx answer.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
	// Fingerprint is a digest of the request body that produced the response.
	Fingerprint string `json:"fingerprint"`
}

// Store persists cached responses and the in-flight lock for each key.
type Store interface {
	// Get returns the cached response for key, or nil when none exists.
	Get(ctx context.Context, key string) (*Response, error)
	// Lock marks key as in flight. It reports false when another request
	// already holds it.
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error
}

const (
	redisKeyPrefix  = "holdpay:idempotency:"
	redisLockPrefix = "holdpay:idempotency-lock:"
)

// RedisStore keeps responses in Redis so every replica sees them.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Ping checks connectivity for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Response, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, redisLockPrefix+key, "processing", ttl).Result()
}

func (s *RedisStore) Unlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisLockPrefix+key).Err()
}

func (s *RedisStore) Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

// MemoryStore is a single-process Store for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	responses map[string]memoryEntry
	locks     map[string]time.Time
	now       func() time.Time
}

type memoryEntry struct {
	resp    Response
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		responses: make(map[string]memoryEntry),
		locks:     make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.responses[key]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.responses, key)
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (s *MemoryStore) Lock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if until, ok := s.locks[key]; ok && now.Before(until) {
		return false, nil
	}
	s.locks[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Unlock(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.locks, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Save(_ context.Context, key string, resp *Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[key] = memoryEntry{resp: *resp, expires: s.now().Add(ttl)}
	now := s.now()
	for k, e := range s.responses {
		if !now.Before(e.expires) {
			delete(s.responses, k)
		}
	}
	return nil
}
