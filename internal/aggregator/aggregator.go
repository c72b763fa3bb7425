// Package aggregator builds the admin dashboard payload: subscribers,
// recent newsletters and recent contacts, fetched in parallel and cached
// per section.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Zachkp/zach-consulting/internal/cache"
	"github.com/Zachkp/zach-consulting/internal/dedup"
	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/repository"
)

// ErrUnavailable means no section could be loaded and nothing was cached.
var ErrUnavailable = errors.New("dashboard data unavailable")

// dedupKey is the single aggregate all dashboard loads share.
const dedupKey = "dashboard-data"

// Options tunes an Aggregator. Zero values take the defaults.
type Options struct {
	SubscribersTTL  time.Duration
	NewslettersTTL  time.Duration
	ContactsTTL     time.Duration
	NewsletterLimit int
	ContactLimit    int
	// Timeout bounds one aggregate load.
	Timeout time.Duration
	Now     func() time.Time
	// OnServe is told the source of every response.
	OnServe func(model.Source)
	// OnSectionError is told about every failed section load.
	OnSectionError func(model.Section)
}

func (o *Options) defaults() {
	if o.SubscribersTTL <= 0 {
		o.SubscribersTTL = 120 * time.Second
	}
	if o.NewslettersTTL <= 0 {
		o.NewslettersTTL = 180 * time.Second
	}
	if o.ContactsTTL <= 0 {
		o.ContactsTTL = 90 * time.Second
	}
	if o.NewsletterLimit <= 0 {
		o.NewsletterLimit = 15
	}
	if o.ContactLimit <= 0 {
		o.ContactLimit = 200
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	contacts    *repository.Contacts
	newsletters *repository.Newsletters
	subscribers *repository.Subscribers
	cache       *cache.Cache[any]
	group       dedup.Group[*model.DashboardData]
	opts        Options

	mu       sync.Mutex
	lastGood map[model.Section]any
	// gen counts invalidations per section. A load only caches what it
	// read if no invalidation happened while it was reading.
	gen map[model.Section]uint64
}

// New creates an Aggregator that caches sections in c.
func New(contacts *repository.Contacts, newsletters *repository.Newsletters, subscribers *repository.Subscribers, c *cache.Cache[any], opts Options) *Aggregator {
	opts.defaults()
	return &Aggregator{
		contacts:    contacts,
		newsletters: newsletters,
		subscribers: subscribers,
		cache:       c,
		opts:        opts,
		lastGood:    make(map[model.Section]any),
		gen:         make(map[model.Section]uint64),
	}
}

func cacheKey(s model.Section) string { return "dashboard:" + string(s) }

func (a *Aggregator) ttl(s model.Section) time.Duration {
	switch s {
	case model.SectionSubscribers:
		return a.opts.SubscribersTTL
	case model.SectionNewsletters:
		return a.opts.NewslettersTTL
	case model.SectionContacts:
		return a.opts.ContactsTTL
	}
	return 0
}

// Invalidate drops the cached copy of a section. Loads already reading the
// section do not cache their result, and the next Fetch starts a new load.
// The last-known-good snapshot is kept for fallback.
func (a *Aggregator) Invalidate(s model.Section) {
	a.mu.Lock()
	a.gen[s]++
	a.cache.Delete(cacheKey(s))
	a.mu.Unlock()
	a.group.Forget(dedupKey)
}

func (a *Aggregator) generation(s model.Section) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen[s]
}

// Fetch returns the dashboard payload. Concurrent calls share one load;
// a caller whose ctx ends stops waiting without aborting the shared load.
func (a *Aggregator) Fetch(ctx context.Context) (*model.DashboardData, error) {
	data, _, err := a.group.Do(ctx, dedupKey, func() (*model.DashboardData, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.Timeout)
		defer cancel()
		return a.load(lctx)
	})
	if err != nil {
		return nil, err
	}
	if a.opts.OnServe != nil {
		a.opts.OnServe(data.Source)
	}
	return data, nil
}

type sectionResult struct {
	value     any
	fromCache bool
	stale     bool
	err       error
}

func (a *Aggregator) load(ctx context.Context) (*model.DashboardData, error) {
	results := make(map[model.Section]*sectionResult, len(model.Sections))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range model.Sections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := a.section(ctx, s)
			mu.Lock()
			results[s] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	data := &model.DashboardData{
		LastUpdated: a.opts.Now().UTC(),
		Subscribers: model.SubscribersSection{Subscribers: []string{}},
		Newsletters: model.NewslettersSection{Newsletters: []model.Newsletter{}},
		Contacts:    model.ContactsSection{Contacts: []model.Contact{}, StatusCounts: model.StatusCounts(nil)},
	}
	allCached, failed, served := true, 0, 0
	for _, s := range model.Sections {
		r := results[s]
		if r.err != nil {
			failed++
			if data.Errors == nil {
				data.Errors = make(map[model.Section]string)
			}
			data.Errors[s] = r.err.Error()
			if a.opts.OnSectionError != nil {
				a.opts.OnSectionError(s)
			}
		}
		if r.stale {
			data.Stale = append(data.Stale, s)
		}
		if !r.fromCache {
			allCached = false
		}
		if r.value == nil {
			continue
		}
		served++
		switch v := r.value.(type) {
		case model.SubscribersSection:
			data.Subscribers = v
		case model.NewslettersSection:
			data.Newsletters = v
		case model.ContactsSection:
			data.Contacts = v
		}
	}

	switch {
	case failed == len(model.Sections) && served == 0:
		return nil, ErrUnavailable
	case failed == len(model.Sections):
		data.Source = model.SourceFallbackCache
	case allCached:
		data.Source = model.SourceCache
	default:
		data.Source = model.SourceBatchFetch
	}
	if failed > 0 {
		logging.Warn().Int("failed", failed).Str("source", string(data.Source)).Msg("dashboard served with failed sections")
	}
	return data, nil
}

func (a *Aggregator) section(ctx context.Context, s model.Section) *sectionResult {
	if v, ok := a.cache.Get(cacheKey(s)); ok {
		return &sectionResult{value: v, fromCache: true}
	}

	gen := a.generation(s)
	v, err := a.fetchSection(ctx, s)
	if err != nil {
		logging.Error().Err(err).Str("section", string(s)).Msg("dashboard section load failed")
		a.mu.Lock()
		last, ok := a.lastGood[s]
		a.mu.Unlock()
		if ok {
			return &sectionResult{value: last, stale: true, err: err}
		}
		return &sectionResult{err: err}
	}

	a.mu.Lock()
	if a.gen[s] == gen {
		a.cache.Set(cacheKey(s), v, a.ttl(s))
		a.lastGood[s] = v
	}
	a.mu.Unlock()
	return &sectionResult{value: v}
}

func (a *Aggregator) fetchSection(ctx context.Context, s model.Section) (any, error) {
	switch s {
	case model.SectionSubscribers:
		list, err := a.subscribers.List(ctx)
		if err != nil {
			return nil, err
		}
		return model.SubscribersSection{Subscribers: list, Count: len(list)}, nil
	case model.SectionNewsletters:
		list, err := a.newsletters.Recent(ctx, a.opts.NewsletterLimit)
		if err != nil {
			return nil, err
		}
		return model.NewslettersSection{Newsletters: list, Count: len(list)}, nil
	case model.SectionContacts:
		list, err := a.contacts.Recent(ctx, a.opts.ContactLimit)
		if err != nil {
			return nil, err
		}
		return model.ContactsSection{Contacts: list, Count: len(list), StatusCounts: model.StatusCounts(list)}, nil
	}
	return nil, errors.New("unknown section " + string(s))
}
