package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/model"
)

// Subscribers stores the newsletter list as one value. Emails are
// normalized before every membership test.
type Subscribers struct {
	store kv.Store
	mu    sync.Mutex
}

func NewSubscribers(store kv.Store) *Subscribers {
	return &Subscribers{store: store}
}

// List returns the subscribers in signup order.
func (r *Subscribers) List(ctx context.Context) ([]string, error) {
	var list []string
	err := kv.GetJSON(ctx, r.store, subscribersKey, &list)
	if errors.Is(err, kv.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	return list, nil
}

// Add subscribes email. It reports false when already subscribed.
func (r *Subscribers) Add(ctx context.Context, email string) (bool, error) {
	email = model.NormalizeEmail(email)
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(list, email) {
		return false, nil
	}
	if err := kv.SetJSON(ctx, r.store, subscribersKey, append(list, email)); err != nil {
		return false, err
	}
	return true, nil
}

// Remove unsubscribes email. A missing email returns ErrNotFound and leaves
// the list untouched.
func (r *Subscribers) Remove(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.List(ctx)
	if err != nil {
		return err
	}
	i := slices.Index(list, email)
	if i < 0 {
		return ErrNotFound
	}
	return kv.SetJSON(ctx, r.store, subscribersKey, slices.Delete(list, i, i+1))
}
