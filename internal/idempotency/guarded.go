package idempotency

import (
	"context"
	"time"

	"github.com/mbd888/holdpay/internal/circuitbreaker"
)

// breakerKey names the idempotency backend in breaker metrics.
const breakerKey = "idempotency_store"

// GuardedStore fails fast with circuitbreaker.ErrOpen once the wrapped store
// has failed repeatedly, so a Redis outage costs clients a quick 503 rather
// than a timeout per request.
type GuardedStore struct {
	store   Store
	breaker *circuitbreaker.Breaker
}

// Guard wraps store with breaker.
func Guard(store Store, breaker *circuitbreaker.Breaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: breaker}
}

func (g *GuardedStore) Get(ctx context.Context, key string) (resp *Response, err error) {
	err = g.breaker.Do(breakerKey, func() error {
		resp, err = g.store.Get(ctx, key)
		return err
	}, nil)
	return resp, err
}

func (g *GuardedStore) Lock(ctx context.Context, key string, ttl time.Duration) (ok bool, err error) {
	err = g.breaker.Do(breakerKey, func() error {
		ok, err = g.store.Lock(ctx, key, ttl)
		return err
	}, nil)
	return ok, err
}

// Unlock always reaches the store so a lock taken before the circuit opened
// is not left behind.
func (g *GuardedStore) Unlock(ctx context.Context, key string) error {
	return g.store.Unlock(ctx, key)
}

func (g *GuardedStore) Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	return g.breaker.Do(breakerKey, func() error {
		return g.store.Save(ctx, key, resp, ttl)
	}, nil)
}
