package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentCallsShareOneInvocation(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32
	release := make(chan struct{})

	factory := func() (string, error) {
		calls.Add(1)
		<-release
		return "contacts", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := g.Do(context.Background(), "contacts", factory)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}

	waitFor(t, func() bool { return g.Waiting("contacts") == 2 })
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("factory invoked %d times, want 1", n)
	}
	for i, v := range results {
		if v != "contacts" {
			t.Errorf("caller %d got %q", i, v)
		}
	}
}

func TestFailureSharedThenCleared(t *testing.T) {
	var g Group[int]
	boom := errors.New("kv unavailable")
	release := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "k", func() (int, error) {
				calls.Add(1)
				<-release
				return 0, boom
			})
		}(i)
	}
	waitFor(t, func() bool { return g.Waiting("k") == 3 })
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d err = %v, want %v", i, err, boom)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	// The failed registration is gone; a retry runs fresh work.
	v, shared, err := g.Do(context.Background(), "k", func() (int, error) { return 7, nil })
	if err != nil || v != 7 || shared {
		t.Fatalf("retry = %d, %v, %v", v, shared, err)
	}
}

func TestWaiterContextCancelled(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	defer close(release)

	go g.Do(context.Background(), "slow", func() (int, error) {
		<-release
		return 1, nil
	})
	waitFor(t, func() bool { return g.Waiting("slow") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "slow", func() (int, error) { return 2, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	var g Group[string]
	a, _, _ := g.Do(context.Background(), "a", func() (string, error) { return "A", nil })
	b, _, _ := g.Do(context.Background(), "b", func() (string, error) { return "B", nil })
	if a != "A" || b != "B" {
		t.Fatalf("got %q %q", a, b)
	}
}

func TestWaitingCountsOnlyAttachedCallers(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	var calls atomic.Int32

	const callers = 16
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), "dash", func() (int, error) {
				calls.Add(1)
				<-release
				return 1, nil
			})
		}()
	}
	// Every counted caller has joined, so releasing now cannot let a
	// straggler start a second call.
	waitFor(t, func() bool { return g.Waiting("dash") == callers })
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
	if n := g.Waiting("dash"); n != 0 {
		t.Fatalf("Waiting after settle = %d", n)
	}
}
