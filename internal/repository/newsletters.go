package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/model"
)

// Newsletters stores newsletter send records.
type Newsletters struct {
	store kv.Store
	mu    sync.Mutex
}

func NewNewsletters(store kv.Store) *Newsletters {
	return &Newsletters{store: store}
}

// Create stores a new record and indexes it as the newest.
func (r *Newsletters) Create(ctx context.Context, n model.Newsletter) error {
	if !n.Status.Valid() {
		return fmt.Errorf("newsletter %s: invalid status %q", n.ID, n.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := kv.SetJSON(ctx, r.store, NewsletterKey(n.ID), n); err != nil {
		return err
	}
	return prependIndex(ctx, r.store, newsletterIndex, n.ID)
}

func (r *Newsletters) Save(ctx context.Context, n model.Newsletter) error {
	if !n.Status.Valid() {
		return fmt.Errorf("newsletter %s: invalid status %q", n.ID, n.Status)
	}
	return kv.SetJSON(ctx, r.store, NewsletterKey(n.ID), n)
}

func (r *Newsletters) Get(ctx context.Context, id string) (model.Newsletter, error) {
	var n model.Newsletter
	err := kv.GetJSON(ctx, r.store, NewsletterKey(id), &n)
	if errors.Is(err, kv.ErrNotFound) {
		return n, ErrNotFound
	}
	return n, err
}

// Recent returns up to limit records, newest first.
func (r *Newsletters) Recent(ctx context.Context, limit int) ([]model.Newsletter, error) {
	ids, err := loadIndex(ctx, r.store, newsletterIndex)
	if err != nil {
		return nil, err
	}
	out, err := kv.MGetJSON[model.Newsletter](ctx, r.store, keys(head(ids, limit), NewsletterKey)...)
	if err != nil {
		return nil, fmt.Errorf("load newsletters: %w", err)
	}
	return out, nil
}

// All scans every stored record, newest first.
func (r *Newsletters) All(ctx context.Context) ([]model.Newsletter, error) {
	raw, err := r.store.GetByPrefix(ctx, newsletterPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan newsletters: %w", err)
	}
	out := make([]model.Newsletter, 0, len(raw))
	for k, v := range raw {
		var n model.Newsletter
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out, nil
}
