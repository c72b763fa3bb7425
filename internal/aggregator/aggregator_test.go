package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zachkp/zach-consulting/internal/cache"
	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/repository"
)

// flakyStore fails reads on demand and counts reads of the subscriber key.
// gate holds subscriber reads before they reach the store, hold after.
type flakyStore struct {
	kv.Store
	fail     atomic.Bool
	subReads atomic.Int32
	gate     chan struct{}
	hold     chan struct{}
	held     atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "subscribers" {
		f.subReads.Add(1)
		if f.gate != nil {
			<-f.gate
		}
	}
	if f.fail.Load() {
		return nil, errors.New("kv backend unreachable")
	}
	v, err := f.Store.Get(ctx, key)
	if key == "subscribers" && f.hold != nil {
		f.held.Add(1)
		<-f.hold
	}
	return v, err
}

type fixture struct {
	store *flakyStore
	agg   *Aggregator
	now   time.Time
	mu    sync.Mutex
}

func (fx *fixture) clock() time.Time {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.now
}

func (fx *fixture) advance(d time.Duration) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.now = fx.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inner, err := kv.OpenBadger("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { inner.Close() })
	fx := &fixture{store: &flakyStore{Store: inner}, now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}

	ctx := context.Background()
	contacts := repository.NewContacts(fx.store)
	subs := repository.NewSubscribers(fx.store)
	for _, c := range []model.Contact{
		{ID: "c1", Name: "Ana", Status: model.StatusNew},
		{ID: "c2", Name: "Bo", Status: model.StatusCompleted},
	} {
		if err := contacts.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := subs.Add(ctx, "ana@example.com"); err != nil {
		t.Fatal(err)
	}

	c := cache.New[any](cache.WithMaxEntries(10), cache.WithClock(fx.clock))
	fx.agg = New(contacts, repository.NewNewsletters(fx.store), subs, c, Options{Now: fx.clock})
	return fx
}

func TestFetchMissThenHit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.agg.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Source != model.SourceBatchFetch {
		t.Fatalf("first source = %s, want batch-fetch", first.Source)
	}
	if first.Contacts.Count != 2 || first.Contacts.StatusCounts[model.StatusCompleted] != 1 {
		t.Fatalf("contacts = %+v", first.Contacts)
	}
	if first.Subscribers.Count != 1 || first.Newsletters.Count != 0 {
		t.Fatalf("subscribers = %+v newsletters = %+v", first.Subscribers, first.Newsletters)
	}

	second, err := fx.agg.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Source != model.SourceCache {
		t.Fatalf("second source = %s, want cache", second.Source)
	}
}

func TestSectionsExpireIndependently(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.agg.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	// Contacts (90s) expire, subscribers (120s) do not.
	fx.advance(100 * time.Second)
	reads := fx.store.subReads.Load()
	data, err := fx.agg.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data.Source != model.SourceBatchFetch {
		t.Fatalf("source = %s", data.Source)
	}
	if fx.store.subReads.Load() != reads {
		t.Fatal("subscribers re-read before their TTL")
	}
}

func TestConcurrentFetchesShareOneLoad(t *testing.T) {
	fx := newFixture(t)
	fx.store.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*model.DashboardData, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := fx.agg.Fetch(context.Background())
			if err != nil {
				t.Error(err)
			}
			results[i] = d
		}()
	}
	for fx.agg.group.Waiting(dedupKey) < len(results) {
		time.Sleep(time.Millisecond)
	}
	close(fx.store.gate)
	wg.Wait()

	if n := fx.store.subReads.Load(); n != 1 {
		t.Fatalf("subscriber reads = %d, want 1", n)
	}
	for _, d := range results[1:] {
		if d != results[0] {
			t.Fatal("callers received different results")
		}
	}
}

func TestInvalidateDuringLoadDiscardsItsResult(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.hold = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := fx.agg.Fetch(ctx)
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for fx.store.held.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber read never started")
		}
		time.Sleep(time.Millisecond)
	}

	// The load has read one subscriber. A second one lands before it
	// finishes.
	if _, err := repository.NewSubscribers(fx.store.Store).Add(ctx, "bo@example.com"); err != nil {
		t.Fatal(err)
	}
	fx.agg.Invalidate(model.SectionSubscribers)
	close(fx.store.hold)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	data, err := fx.agg.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data.Subscribers.Count != 2 {
		t.Fatalf("subscribers = %+v, want the write made during the load", data.Subscribers)
	}
	if data.Source == model.SourceCache {
		t.Fatal("served the pre-invalidation read from cache")
	}
}

func TestFailedSectionServesLastGoodSnapshot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.agg.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	fx.agg.Invalidate(model.SectionContacts)
	fx.store.fail.Store(true)

	data, err := fx.agg.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data.Source != model.SourceBatchFetch {
		t.Fatalf("source = %s", data.Source)
	}
	if len(data.Stale) != 1 || data.Stale[0] != model.SectionContacts {
		t.Fatalf("stale = %v", data.Stale)
	}
	if data.Errors[model.SectionContacts] == "" || data.Contacts.Count != 2 {
		t.Fatalf("errors = %v contacts = %+v", data.Errors, data.Contacts)
	}
}

func TestEverySectionFailing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.agg.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	fx.store.fail.Store(true)
	fx.advance(time.Hour)

	data, err := fx.agg.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data.Source != model.SourceFallbackCache || len(data.Stale) != 3 {
		t.Fatalf("source = %s stale = %v", data.Source, data.Stale)
	}
	if data.Subscribers.Count != 1 {
		t.Fatalf("subscribers = %+v", data.Subscribers)
	}
}

func TestNothingCachedAndBackendDown(t *testing.T) {
	fx := newFixture(t)
	fx.store.fail.Store(true)
	if _, err := fx.agg.Fetch(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
