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

// Contacts stores contact submissions.
type Contacts struct {
	store kv.Store
	// mu serializes index read-modify-write within this process.
	mu sync.Mutex
}

func NewContacts(store kv.Store) *Contacts {
	return &Contacts{store: store}
}

// Create stores a new contact and indexes it as the newest.
func (r *Contacts) Create(ctx context.Context, c model.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := kv.SetJSON(ctx, r.store, ContactKey(c.ID), c); err != nil {
		return err
	}
	return prependIndex(ctx, r.store, contactIndex, c.ID)
}

// Save overwrites an existing contact.
func (r *Contacts) Save(ctx context.Context, c model.Contact) error {
	return kv.SetJSON(ctx, r.store, ContactKey(c.ID), c)
}

func (r *Contacts) Get(ctx context.Context, id string) (model.Contact, error) {
	var c model.Contact
	err := kv.GetJSON(ctx, r.store, ContactKey(id), &c)
	if errors.Is(err, kv.ErrNotFound) {
		return c, ErrNotFound
	}
	return c, err
}

// RecentIDs returns up to limit ids, newest first. limit <= 0 returns all.
func (r *Contacts) RecentIDs(ctx context.Context, limit int) ([]string, error) {
	ids, err := loadIndex(ctx, r.store, contactIndex)
	if err != nil {
		return nil, err
	}
	return head(ids, limit), nil
}

// GetMany resolves ids in one batch, skipping ids with no record.
func (r *Contacts) GetMany(ctx context.Context, ids []string) ([]model.Contact, error) {
	out, err := kv.MGetJSON[model.Contact](ctx, r.store, keys(ids, ContactKey)...)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	return out, nil
}

// Recent returns the newest contacts.
func (r *Contacts) Recent(ctx context.Context, limit int) ([]model.Contact, error) {
	ids, err := r.RecentIDs(ctx, limit)
	if err != nil {
		return nil, err
	}
	return r.GetMany(ctx, ids)
}

// All scans every stored contact, newest first, including any the index
// lost track of.
func (r *Contacts) All(ctx context.Context) ([]model.Contact, error) {
	raw, err := r.store.GetByPrefix(ctx, contactPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan contacts: %w", err)
	}
	out := make([]model.Contact, 0, len(raw))
	for k, v := range raw {
		var c model.Contact
		if err := json.Unmarshal(v, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}
