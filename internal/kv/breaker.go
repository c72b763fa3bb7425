package kv

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Zachkp/zach-consulting/internal/logging"
)

// BreakerStore wraps a Store with a circuit breaker so a failing backend is
// rejected quickly instead of stalling every request. A missing key is not
// a failure.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

var (
	_ Store       = (*BreakerStore)(nil)
	_ BatchGetter = (*BreakerStore)(nil)
)

// BreakerSettings tunes WithBreaker.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	OnStateChange       func(name string, from, to gobreaker.State)
}

// WithBreaker opens the circuit after ConsecutiveFailures failures in a row
// (default 5) and probes again after OpenTimeout (default 30s).
func WithBreaker(inner Store, st BreakerSettings) *BreakerStore {
	if st.Name == "" {
		st.Name = "kv"
	}
	if st.ConsecutiveFailures == 0 {
		st.ConsecutiveFailures = 5
	}
	if st.OpenTimeout == 0 {
		st.OpenTimeout = 30 * time.Second
	}
	threshold := st.ConsecutiveFailures
	onChange := st.OnStateChange

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: 1,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("kv circuit breaker state change")
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	})
	return &BreakerStore{inner: inner, cb: cb}
}

// State reports the breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *BreakerStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Set(ctx, key, value)
	})
	return err
}

func (b *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	return err
}

func (b *BreakerStore) GetByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetByPrefix(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

// MGet uses the inner store's batch primitive when it has one.
func (b *BreakerStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return MGet(ctx, b.inner, keys...)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

// Ping bypasses the breaker so health checks see the real backend.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
