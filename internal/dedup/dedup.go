// Package dedup coalesces concurrent calls for the same key into one.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one call per key at a time. Callers that arrive while
// a call is in flight wait for it and receive the same value and error. The
// key is released once the call settles, so the next call starts fresh.
type Group[T any] struct {
	sf singleflight.Group

	mu      sync.Mutex
	pending map[string]int
}

// Do runs fn for key unless a call is already in flight. shared is true when
// the result was delivered to more than one caller. If ctx ends first, Do
// returns ctx.Err() without cancelling the shared call.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (v T, shared bool, err error) {
	ch := g.sf.DoChan(key, func() (any, error) {
		return fn()
	})
	// Counted only once DoChan has returned, so every caller in Waiting is
	// already attached to the call. Waiting may briefly trail a caller that
	// is still joining.
	g.track(key, 1)
	defer g.track(key, -1)

	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		val, ok := res.Val.(T)
		if !ok && res.Val != nil {
			var zero T
			return zero, res.Shared, fmt.Errorf("dedup: unexpected result type %T", res.Val)
		}
		return val, res.Shared, nil
	}
}

// Forget releases key so the next Do starts a new call even if one is in
// flight.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

// Waiting returns the number of callers attached to the in-flight call for
// key. It never counts a caller that has not joined yet.
func (g *Group[T]) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[key]
}

func (g *Group[T]) track(key string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		g.pending = make(map[string]int)
	}
	g.pending[key] += delta
	if g.pending[key] <= 0 {
		delete(g.pending, key)
	}
}
