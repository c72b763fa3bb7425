// Package kv is the key-value storage the site keeps its data in. The rest
// of the code sees only Store; sqlite, badger and postgres backends are
// interchangeable.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Store is the black-box key-value interface.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// GetByPrefix returns every key starting with prefix.
	GetByPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// BatchGetter is implemented by stores that can fetch many keys in one
// round trip. Missing keys yield nil at their position.
type BatchGetter interface {
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
}

// MGet fetches keys with the store's batch primitive when it has one, and
// with parallel individual gets otherwise. Missing keys yield nil.
func MGet(ctx context.Context, s Store, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if bg, ok := s.(BatchGetter); ok {
		return bg.MGet(ctx, keys...)
	}

	out := make([][]byte, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, key := range keys {
		g.Go(func() error {
			v, err := s.Get(gctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// MGetJSON batch-fetches keys and decodes the present ones, preserving key
// order. Missing keys are skipped.
func MGetJSON[T any](ctx context.Context, s Store, keys ...string) ([]T, error) {
	raws, err := MGet(ctx, s, keys...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, v)
	}
	return out, nil
}
