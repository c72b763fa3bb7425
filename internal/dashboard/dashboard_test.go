package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Zachkp/zach-consulting/internal/health"
	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/optimistic"
	"github.com/Zachkp/zach-consulting/internal/scheduler/schedulertest"
	"github.com/Zachkp/zach-consulting/internal/session"
)

const (
	testSecret = "secret"
	testToken  = "tok-1"
)

// fakeAPI stands in for the site's admin API.
type fakeAPI struct {
	mu            sync.Mutex
	calls         map[string]int
	contacts      []model.Contact
	revoked       bool
	batchStatus   int
	sectionStatus int
	updateStatus  int
	updateDelay   time.Duration
	gate          chan struct{}
}

func newFakeAPI() *fakeAPI {
	submitted := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &fakeAPI{
		calls: make(map[string]int),
		contacts: []model.Contact{
			{ID: "c1", Name: "Ana", Email: "ana@example.com", Message: "hi", Status: model.StatusNew, SubmittedAt: submitted},
			{ID: "c2", Name: "Bo", Email: "bo@example.com", Message: "hello", Status: model.StatusContacted, SubmittedAt: submitted},
		},
	}
}

func (f *fakeAPI) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) contactsSection() model.ContactsSection {
	list := append([]model.Contact(nil), f.contacts...)
	return model.ContactsSection{Contacts: list, Count: len(list), StatusCounts: model.StatusCounts(list)}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.calls[route]++
	revoked, gate := f.revoked, f.gate
	batchStatus, sectionStatus := f.batchStatus, f.sectionStatus
	updateStatus, updateDelay := f.updateStatus, f.updateDelay
	f.mu.Unlock()

	reply := func(status int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}

	if r.Header.Get("Authorization") != "Bearer "+testSecret {
		reply(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	switch route {
	case "GET /ping":
		reply(http.StatusOK, map[string]bool{"pong": true})
		return
	case "POST /admin/authenticate":
		var req struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "pw" {
			reply(http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid password"})
			return
		}
		f.set(func(f *fakeAPI) { f.revoked = false })
		reply(http.StatusOK, map[string]any{"success": true, "token": testToken, "expiresAt": time.Now().Add(time.Hour)})
		return
	case "POST /admin/logout":
		f.set(func(f *fakeAPI) { f.revoked = true })
		reply(http.StatusOK, map[string]bool{"success": true})
		return
	}
	if revoked || r.Header.Get("X-Admin-Session") != testToken {
		reply(http.StatusUnauthorized, map[string]string{"error": "Session expired"})
		return
	}

	switch {
	case route == "GET /admin/dashboard-data":
		if gate != nil {
			<-gate
		}
		if batchStatus != 0 {
			reply(batchStatus, map[string]string{"error": "Dashboard data unavailable"})
			return
		}
		f.mu.Lock()
		data := model.DashboardData{
			Subscribers: model.SubscribersSection{Subscribers: []string{"reader@example.com"}, Count: 1},
			Contacts:    f.contactsSection(),
			LastUpdated: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			Source:      model.SourceBatchFetch,
		}
		f.mu.Unlock()
		reply(http.StatusOK, data)
	case route == "GET /contacts", route == "GET /subscribers", route == "GET /newsletters":
		if sectionStatus != 0 {
			reply(sectionStatus, map[string]string{"error": "failed"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/contacts":
			reply(http.StatusOK, f.contactsSection())
		case "/subscribers":
			reply(http.StatusOK, model.SubscribersSection{Subscribers: []string{"reader@example.com"}, Count: 1})
		default:
			reply(http.StatusOK, model.NewslettersSection{Newsletters: []model.Newsletter{}})
		}
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/contacts/"):
		if updateDelay > 0 {
			select {
			case <-time.After(updateDelay):
			case <-r.Context().Done():
				return
			}
		}
		if updateStatus != 0 {
			reply(updateStatus, map[string]string{"error": "Failed to update contact"})
			return
		}
		var req struct {
			Status model.ContactStatus `json:"status"`
			Notes  *string             `json:"notes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		id := strings.TrimPrefix(r.URL.Path, "/contacts/")
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.contacts {
			if f.contacts[i].ID == id {
				f.contacts[i].Status = req.Status
				if req.Notes != nil {
					f.contacts[i].Notes = *req.Notes
				}
				reply(http.StatusOK, map[string]any{"success": true, "contact": f.contacts[i]})
				return
			}
		}
		reply(http.StatusNotFound, map[string]string{"error": "Contact not found"})
	default:
		reply(http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

type fixture struct {
	t      *testing.T
	api    *fakeAPI
	srv    *httptest.Server
	clock  *schedulertest.Clock
	tokens *session.TokenStore
	dash   *Dashboard

	mu      sync.Mutex
	warned  bool
	expired int
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		api:   newFakeAPI(),
		clock: schedulertest.New(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
	}
	f.srv = httptest.NewServer(f.api)
	t.Cleanup(f.srv.Close)

	store, err := kv.OpenBadger("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	f.tokens = session.NewTokenStore(store)

	opts := Options{
		Clock: f.clock,
		OnWarn: func(time.Duration) {
			f.mu.Lock()
			f.warned = true
			f.mu.Unlock()
		},
		OnExpire: func() {
			f.mu.Lock()
			f.expired++
			f.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	client := NewClient(f.srv.URL, testSecret, f.tokens, f.srv.Client())
	f.dash, err = New(client, f.tokens, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.dash.Close)
	return f
}

func (f *fixture) login() {
	f.t.Helper()
	if _, err := f.dash.Login(context.Background(), "pw"); err != nil {
		f.t.Fatalf("Login: %v", err)
	}
}

func (f *fixture) load() {
	f.t.Helper()
	if _, err := f.dash.Load(context.Background(), false); err != nil {
		f.t.Fatalf("Load: %v", err)
	}
}

const batchRoute = "GET /admin/dashboard-data"

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.dash.Login(context.Background(), "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if f.dash.Authenticated() {
		t.Fatal("authenticated after failed login")
	}
	if _, err := f.tokens.Load(context.Background()); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("token stored after failed login: %v", err)
	}
}

func TestLoadUsesCacheUntilExpiry(t *testing.T) {
	f := newFixture(t)
	f.login()

	f.load()
	f.load()
	if n := f.api.count(batchRoute); n != 1 {
		t.Fatalf("batch calls = %d, want 1", n)
	}
	v := f.dash.View()
	if len(v.Contacts) != 2 || v.Source != model.SourceBatchFetch {
		t.Fatalf("view = %+v", v)
	}
	if v.Analytics.TotalContacts != 2 || v.Analytics.ResponseRate != 50 {
		t.Fatalf("analytics = %+v", v.Analytics)
	}

	f.clock.Advance(DefaultCacheTTL)
	f.load()
	if n := f.api.count(batchRoute); n != 2 {
		t.Fatalf("batch calls after expiry = %d, want 2", n)
	}
}

func TestLoadWithoutSessionMakesNoRequest(t *testing.T) {
	f := newFixture(t)
	if _, err := f.dash.Load(context.Background(), true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if n := f.api.count(batchRoute); n != 0 {
		t.Fatalf("batch calls = %d", n)
	}
}

func TestConcurrentLoadsShareOneRequest(t *testing.T) {
	f := newFixture(t)
	f.login()
	gate := make(chan struct{})
	f.api.set(func(a *fakeAPI) { a.gate = gate })

	var wg sync.WaitGroup
	results := make([]*model.DashboardData, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := f.dash.Refresh(context.Background())
			if err != nil {
				t.Errorf("Refresh: %v", err)
			}
			results[i] = data
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.dash.group.Waiting(cacheKey) < len(results) {
		if time.Now().After(deadline) {
			t.Fatal("callers never joined the in-flight load")
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)
	wg.Wait()

	if n := f.api.count(batchRoute); n != 1 {
		t.Fatalf("batch calls = %d, want 1", n)
	}
	for i, r := range results {
		if r != results[0] {
			t.Fatalf("result %d differs from result 0", i)
		}
	}
}

func TestScheduleLoadDebounces(t *testing.T) {
	f := newFixture(t)
	f.login()

	for range 5 {
		f.dash.ScheduleLoad(false)
		f.clock.Advance(100 * time.Millisecond)
	}
	if n := f.api.count(batchRoute); n != 0 {
		t.Fatalf("batch calls inside the quiet window = %d", n)
	}
	f.clock.Advance(200 * time.Millisecond)
	if n := f.api.count(batchRoute); n != 1 {
		t.Fatalf("batch calls = %d, want 1", n)
	}
}

func TestScheduleLoadImmediateCancelsPending(t *testing.T) {
	f := newFixture(t)
	f.login()

	f.dash.ScheduleLoad(false)
	f.dash.ScheduleLoad(true)
	if n := f.api.count(batchRoute); n != 1 {
		t.Fatalf("batch calls = %d, want 1", n)
	}
	if f.dash.sched.Pending(loadTask) {
		t.Fatal("debounced load still pending")
	}
	f.clock.Advance(time.Second)
	if n := f.api.count(batchRoute); n != 1 {
		t.Fatalf("batch calls after quiet window = %d, want 1", n)
	}
}

func TestBackgroundRefreshMakesNoRequestWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.dash.StartBackgroundRefresh(2 * time.Minute)

	// Not logged in.
	f.clock.Advance(2 * time.Minute)
	if n := f.api.count(batchRoute); n != 0 {
		t.Fatalf("batch calls while logged out = %d", n)
	}

	f.login()
	f.dash.SetOnline(false)
	f.clock.Advance(2 * time.Minute)
	f.clock.Advance(2 * time.Minute)
	if n := f.api.count(batchRoute); n != 0 {
		t.Fatalf("batch calls while offline = %d", n)
	}

	f.dash.SetOnline(true)
	if snap, err := f.dash.TestConnection(context.Background()); err != nil || snap.State != health.Healthy {
		t.Fatalf("TestConnection = %+v, %v", snap, err)
	}
	f.clock.Advance(2 * time.Minute)
	if n := f.api.count(batchRoute); n != 1 {
		t.Fatalf("batch calls once healthy = %d, want 1", n)
	}
}

func TestBackgroundRefreshSkippedWhileDegraded(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.api.set(func(a *fakeAPI) {
		a.batchStatus = http.StatusInternalServerError
		a.sectionStatus = http.StatusInternalServerError
	})
	for range health.DefaultFailureThreshold {
		if _, err := f.dash.Refresh(context.Background()); err == nil {
			t.Fatal("Refresh succeeded against a failing server")
		}
	}
	if st := f.dash.Health().State; st != health.Degraded {
		t.Fatalf("health = %s, want degraded", st)
	}
	before := f.api.count(batchRoute)

	f.dash.StartBackgroundRefresh(time.Minute)
	f.clock.Advance(time.Minute)
	if n := f.api.count(batchRoute); n != before {
		t.Fatalf("background refresh ran while degraded: %d calls", n-before)
	}
}

func TestFailedRefreshKeepsStaleView(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()

	f.api.set(func(a *fakeAPI) {
		a.batchStatus = http.StatusServiceUnavailable
		a.sectionStatus = http.StatusInternalServerError
	})
	_, err := f.dash.Refresh(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want the batch APIError", err)
	}
	v := f.dash.View()
	if len(v.Contacts) != 2 || !v.Stale {
		t.Fatalf("view after failed refresh = %+v", v)
	}
	if f.dash.Health().ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d", f.dash.Health().ConsecutiveFailures)
	}
}

func TestBatchFailureFallsBackToSections(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.api.set(func(a *fakeAPI) { a.batchStatus = http.StatusGatewayTimeout })

	data, err := f.dash.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if data.Source != SourceIndividual || data.Contacts.Count != 2 || data.Subscribers.Count != 1 {
		t.Fatalf("data = %+v", data)
	}
	for _, route := range []string{"GET /contacts", "GET /subscribers", "GET /newsletters"} {
		if n := f.api.count(route); n != 1 {
			t.Errorf("%s calls = %d", route, n)
		}
	}
}

func TestUnauthorizedForcesLogout(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()
	f.api.set(func(a *fakeAPI) { a.revoked = true })

	if _, err := f.dash.Refresh(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if st := f.dash.SessionState(); st != session.Unauthenticated {
		t.Fatalf("session = %s", st)
	}
	if _, err := f.tokens.Load(context.Background()); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("token kept after 401: %v", err)
	}
	if v := f.dash.View(); len(v.Contacts) != 0 {
		t.Fatalf("view kept after 401: %+v", v)
	}
	if n := f.api.count("GET /contacts"); n != 0 {
		t.Fatalf("fell back to sections after 401: %d calls", n)
	}
}

func TestSessionExpiryClearsLocalState(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()

	f.clock.Advance(session.DefaultTimeout - session.DefaultWarning)
	if st := f.dash.SessionState(); st != session.WarnPending {
		t.Fatalf("session = %s, want warn-pending", st)
	}
	f.mu.Lock()
	warned := f.warned
	f.mu.Unlock()
	if !warned {
		t.Fatal("no expiry warning")
	}

	f.clock.Advance(session.DefaultWarning)
	if st := f.dash.SessionState(); st != session.Unauthenticated {
		t.Fatalf("session = %s", st)
	}
	f.mu.Lock()
	expired := f.expired
	f.mu.Unlock()
	if expired != 1 {
		t.Fatalf("OnExpire calls = %d", expired)
	}
	if _, err := f.tokens.Load(context.Background()); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("token kept after expiry: %v", err)
	}
	if f.dash.cache.Len() != 0 || len(f.dash.View().Contacts) != 0 {
		t.Fatal("cached data kept after expiry")
	}
}

func TestActivityKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	f.login()
	for range 3 {
		f.clock.Advance(session.DefaultTimeout - session.DefaultWarning - time.Minute)
		f.dash.Touch()
	}
	if st := f.dash.SessionState(); st != session.Active {
		t.Fatalf("session = %s, want active", st)
	}
	if got := f.dash.SessionLastActivity(); !got.Equal(f.clock.Now()) {
		t.Fatalf("last activity = %s, want %s", got, f.clock.Now())
	}
}

func TestLogoutDuringLoadDiscardsResult(t *testing.T) {
	f := newFixture(t)
	f.login()
	gate := make(chan struct{})
	f.api.set(func(a *fakeAPI) { a.gate = gate })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.dash.Refresh(context.Background())
	}()
	deadline := time.Now().Add(5 * time.Second)
	for f.api.count(batchRoute) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch request never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	f.dash.Logout(context.Background())
	close(gate)
	<-done

	if n := f.dash.cache.Len(); n != 0 {
		t.Fatalf("cache entries after logout = %d", n)
	}
	if v := f.dash.View(); len(v.Contacts) != 0 || !v.LastUpdated.IsZero() {
		t.Fatalf("view populated after logout: %+v", v)
	}
}

func TestLogoutClearsToken(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()
	f.dash.Logout(context.Background())

	if n := f.api.count("POST /admin/logout"); n != 1 {
		t.Fatalf("logout calls = %d", n)
	}
	if _, err := f.tokens.Load(context.Background()); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("token kept after logout: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired != 0 {
		t.Fatal("logout fired OnExpire")
	}
}

func TestUpdateStatusAppliesAndDropsCache(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()
	f.dash.Select("c1")

	notes := "call back Friday"
	if err := f.dash.UpdateStatus(context.Background(), "c1", model.StatusCompleted, &notes); err != nil {
		t.Fatal(err)
	}
	v := f.dash.View()
	if v.Contacts[0].Status != model.StatusCompleted || v.Contacts[0].Notes != notes {
		t.Fatalf("contact = %+v", v.Contacts[0])
	}
	if v.Selected == nil || v.Selected.Status != model.StatusCompleted {
		t.Fatalf("selected = %+v", v.Selected)
	}
	if v.Analytics.CompletionRate != 50 || v.Analytics.ResponseRate != 100 {
		t.Fatalf("analytics = %+v", v.Analytics)
	}

	f.load()
	if n := f.api.count(batchRoute); n != 2 {
		t.Fatalf("batch calls = %d, want a reload after the update", n)
	}
}

func TestUpdateStatusRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()
	f.dash.Select("c1")
	before := f.dash.View()

	f.api.set(func(a *fakeAPI) { a.updateStatus = http.StatusInternalServerError })
	err := f.dash.UpdateStatus(context.Background(), "c1", model.StatusCompleted, nil)

	var oerr *optimistic.Error
	if !errors.As(err, &oerr) || oerr.Timeout() {
		t.Fatalf("err = %v, want a non-timeout *optimistic.Error", err)
	}
	if !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("message = %q", err.Error())
	}
	if after := f.dash.View(); !reflect.DeepEqual(before, after) {
		t.Fatalf("view not restored\nbefore %+v\nafter  %+v", before, after)
	}
	if f.dash.View().Contacts[0].Status != model.StatusNew {
		t.Fatal("status kept after failure")
	}
}

func TestUpdateStatusTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MutationTimeout = 50 * time.Millisecond })
	f.login()
	f.load()
	before := f.dash.View()

	f.api.set(func(a *fakeAPI) { a.updateDelay = 2 * time.Second })
	err := f.dash.UpdateStatus(context.Background(), "c2", model.StatusArchived, nil)

	var oerr *optimistic.Error
	if !errors.As(err, &oerr) || !oerr.Timeout() {
		t.Fatalf("err = %v, want a timeout", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout in the chain", err)
	}
	if after := f.dash.View(); !reflect.DeepEqual(before, after) {
		t.Fatal("view not restored after timeout")
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.load()

	if err := f.dash.UpdateStatus(context.Background(), "c1", "deleted", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad status err = %v", err)
	}
	if err := f.dash.UpdateStatus(context.Background(), "nope", model.StatusNew, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown contact err = %v", err)
	}
	if n := f.api.count("PUT /contacts/c1") + f.api.count("PUT /contacts/nope"); n != 0 {
		t.Fatalf("update calls = %d", n)
	}
}

func TestTestConnectionMarksOffline(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()

	snap, err := f.dash.TestConnection(context.Background())
	var ne *NetworkError
	if !errors.As(err, &ne) || !ne.Offline {
		t.Fatalf("err = %v, want an offline NetworkError", err)
	}
	if snap.State != health.Offline {
		t.Fatalf("health = %s, want offline", snap.State)
	}
}
