// Package repository maps the site's records onto the key-value store.
//
// Layout:
//
//	contact:<id>        one contact submission
//	contacts:index      contact ids, newest first
//	newsletter:<id>     one newsletter record
//	newsletters:index   newsletter ids, newest first
//	subscribers         the subscriber list
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zachkp/zach-consulting/internal/kv"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

const (
	contactPrefix    = "contact:"
	contactIndex     = "contacts:index"
	newsletterPrefix = "newsletter:"
	newsletterIndex  = "newsletters:index"
	subscribersKey   = "subscribers"
)

// ContactKey returns the storage key of a contact.
func ContactKey(id string) string { return contactPrefix + id }

// NewsletterKey returns the storage key of a newsletter.
func NewsletterKey(id string) string { return newsletterPrefix + id }

func loadIndex(ctx context.Context, s kv.Store, key string) ([]string, error) {
	var ids []string
	err := kv.GetJSON(ctx, s, key, &ids)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return ids, nil
}

// prependIndex puts id at the front of the index, dropping an earlier copy.
func prependIndex(ctx context.Context, s kv.Store, key, id string) error {
	ids, err := loadIndex(ctx, s, key)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, id)
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return kv.SetJSON(ctx, s, key, out)
}

func head(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

func keys(ids []string, key func(string) string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = key(id)
	}
	return out
}
