// Package dashboard is the admin client: it loads the dashboard aggregate
// through a TTL cache and a request deduplicator, keeps the session alive
// or expires it, refreshes in the background while the connection is
// healthy, and applies contact status changes optimistically.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zachkp/zach-consulting/internal/cache"
	"github.com/Zachkp/zach-consulting/internal/dedup"
	"github.com/Zachkp/zach-consulting/internal/health"
	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/optimistic"
	"github.com/Zachkp/zach-consulting/internal/scheduler"
	"github.com/Zachkp/zach-consulting/internal/session"
)

const (
	cacheKey    = "dashboard-data"
	loadTask    = "load"
	refreshTask = "refresh"

	DefaultCacheTTL        = 60 * time.Second
	DefaultDebounce        = 300 * time.Millisecond
	DefaultRefreshInterval = 120 * time.Second
)

// SourceIndividual marks an aggregate assembled on the client from the
// per-section endpoints after the batch endpoint failed.
const SourceIndividual model.Source = "individual"

// View is what the dashboard currently shows.
type View struct {
	Contacts    []model.Contact
	Selected    *model.Contact
	Analytics   model.Analytics
	Subscribers []string
	Newsletters []model.Newsletter
	LastUpdated time.Time
	Source      model.Source
	// Stale is set when the shown data could not be refreshed, or the
	// server itself served part of it from a stale snapshot.
	Stale bool
}

func cloneView(v View) View {
	out := v
	if v.Contacts != nil {
		out.Contacts = make([]model.Contact, len(v.Contacts))
		for i, c := range v.Contacts {
			out.Contacts[i] = c.Clone()
		}
	}
	if v.Selected != nil {
		sel := v.Selected.Clone()
		out.Selected = &sel
	}
	if v.Analytics.StatusCounts != nil {
		out.Analytics.StatusCounts = make(map[model.ContactStatus]int, len(v.Analytics.StatusCounts))
		for k, n := range v.Analytics.StatusCounts {
			out.Analytics.StatusCounts[k] = n
		}
	}
	out.Subscribers = append([]string(nil), v.Subscribers...)
	out.Newsletters = append([]model.Newsletter(nil), v.Newsletters...)
	return out
}

// Options configures a Dashboard. Zero durations take the defaults.
type Options struct {
	Clock           scheduler.Clock
	CacheTTL        time.Duration
	Debounce        time.Duration
	MutationTimeout time.Duration
	SessionTimeout  time.Duration
	SessionWarning  time.Duration

	// OnWarn fires when the session is about to expire.
	OnWarn func(remaining time.Duration)
	// OnExpire fires after an inactivity expiry has cleared local state.
	OnExpire func()
	// OnSessionChange fires on every session state change.
	OnSessionChange func(from, to session.State)
}

// Dashboard is safe for concurrent use. Close releases its timers.
type Dashboard struct {
	client *Client
	tokens *session.TokenStore
	opts   Options

	sched  *scheduler.Scheduler
	cache  *cache.Cache[*model.DashboardData]
	group  dedup.Group[*model.DashboardData]
	health *health.Tracker
	timer  *session.Timer
	view   *optimistic.State[View]

	mu      sync.Mutex
	loading int
	// epoch advances each time local state is cleared. Loads started in an
	// earlier epoch do not publish their result.
	epoch uint64
}

// New wires a Dashboard around client. tokens must be the same store the
// client reads from.
func New(client *Client, tokens *session.TokenStore, opts Options) (*Dashboard, error) {
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = MutationTimeout
	}

	d := &Dashboard{
		client: client,
		tokens: tokens,
		opts:   opts,
		sched:  scheduler.New(opts.Clock),
		cache:  cache.New[*model.DashboardData](cache.WithClock(opts.Clock.Now)),
		health: health.NewTracker(opts.Clock.Now),
		view:   optimistic.NewState(View{}, cloneView),
	}
	timer, err := session.NewTimer(d.sched, opts.SessionTimeout, opts.SessionWarning, session.Callbacks{
		OnWarn:   opts.OnWarn,
		OnExpire: d.expired,
		OnChange: opts.OnSessionChange,
	})
	if err != nil {
		d.sched.Close()
		return nil, err
	}
	d.timer = timer
	return d, nil
}

// Close cancels every pending timer.
func (d *Dashboard) Close() {
	d.sched.Close()
}

// Login authenticates and starts the session timer.
func (d *Dashboard) Login(ctx context.Context, password string) (time.Time, error) {
	token, expiresAt, err := d.client.Authenticate(ctx, password)
	if err != nil {
		d.observe(err)
		return time.Time{}, err
	}
	if err := d.tokens.Save(ctx, token); err != nil {
		return time.Time{}, err
	}
	d.health.RecordSuccess()
	d.timer.Start()
	logging.Info().Time("expires_at", expiresAt).Msg("admin session started")
	return expiresAt, nil
}

// Resume starts the session timer if a token was persisted by an earlier
// run. The server has the final word on whether it is still valid.
func (d *Dashboard) Resume(ctx context.Context) bool {
	if _, err := d.tokens.Load(ctx); err != nil {
		return false
	}
	d.timer.Start()
	return true
}

// Logout revokes the session on the server, best effort, and clears all
// local authenticated state.
func (d *Dashboard) Logout(ctx context.Context) {
	if _, err := d.tokens.Load(ctx); err == nil {
		if err := d.client.Logout(ctx); err != nil {
			logging.Warn().Err(err).Msg("server logout failed")
		}
	}
	d.clearLocal()
	d.timer.Logout()
}

// Authenticated reports whether a session is running.
func (d *Dashboard) Authenticated() bool {
	st := d.timer.State()
	return st == session.Active || st == session.WarnPending
}

// SessionState returns the session timer state.
func (d *Dashboard) SessionState() session.State { return d.timer.State() }

// SessionRemaining returns the time left before inactivity expiry.
func (d *Dashboard) SessionRemaining() time.Duration { return d.timer.Remaining() }

// SessionLastActivity returns when activity was last recorded.
func (d *Dashboard) SessionLastActivity() time.Time { return d.timer.LastActivity() }

// Touch records user activity.
func (d *Dashboard) Touch() { d.timer.Touch() }

// Extend answers the expiry warning.
func (d *Dashboard) Extend() { d.timer.Extend() }

// Health returns the connection health.
func (d *Dashboard) Health() health.Snapshot { return d.health.Snapshot() }

// SetOnline records a connectivity change reported by the environment.
func (d *Dashboard) SetOnline(online bool) { d.health.SetOnline(online) }

// Loading reports whether a foreground load is in flight.
func (d *Dashboard) Loading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading > 0
}

// View returns a copy of the current view.
func (d *Dashboard) View() View { return d.view.Get() }

// Select marks a contact as selected. It reports whether id is shown.
func (d *Dashboard) Select(id string) bool {
	found := false
	d.view.Update(func(v View) View {
		v.Selected = nil
		for _, c := range v.Contacts {
			if c.ID == id {
				sel := c
				v.Selected = &sel
				found = true
				break
			}
		}
		return v
	})
	return found
}

// Load returns the dashboard aggregate, from the cache unless force is
// set. Concurrent loads share one request.
func (d *Dashboard) Load(ctx context.Context, force bool) (*model.DashboardData, error) {
	if !d.Authenticated() {
		return nil, ErrUnauthorized
	}
	if !force {
		if data, ok := d.cache.Get(cacheKey); ok {
			d.show(data)
			return data, nil
		}
	}
	d.mu.Lock()
	d.loading++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.loading--
		d.mu.Unlock()
	}()
	return d.fetch(ctx)
}

// Refresh bypasses the cache.
func (d *Dashboard) Refresh(ctx context.Context) (*model.DashboardData, error) {
	return d.Load(ctx, true)
}

// ScheduleLoad loads now when immediate is set, cancelling any pending
// debounced load. Otherwise bursts of calls collapse into one load after
// the quiet period.
func (d *Dashboard) ScheduleLoad(immediate bool) {
	if immediate {
		d.sched.Cancel(loadTask)
		d.scheduledLoad()
		return
	}
	d.sched.Debounce(loadTask, d.opts.Debounce, d.scheduledLoad)
}

func (d *Dashboard) scheduledLoad() {
	if _, err := d.Load(context.Background(), false); err != nil {
		logging.Debug().Err(err).Msg("scheduled dashboard load failed")
	}
}

// StartBackgroundRefresh refreshes the aggregate every interval while the
// session is running, no foreground load is in flight, and the connection
// is healthy. Other ticks make no request.
func (d *Dashboard) StartBackgroundRefresh(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	d.sched.Every(refreshTask, interval, d.backgroundRefresh)
}

// StopBackgroundRefresh cancels the periodic refresh.
func (d *Dashboard) StopBackgroundRefresh() {
	d.sched.Cancel(refreshTask)
}

func (d *Dashboard) backgroundRefresh() {
	if !d.Authenticated() || d.Loading() {
		return
	}
	if st := d.health.State(); st != health.Healthy {
		logging.Debug().Str("health", st.String()).Msg("background refresh skipped")
		return
	}
	if _, err := d.fetch(context.Background()); err != nil {
		logging.Debug().Err(err).Msg("background refresh failed")
	}
}

// TestConnection probes the server and updates the health tracker.
func (d *Dashboard) TestConnection(ctx context.Context) (health.Snapshot, error) {
	err := d.client.Ping(ctx)
	if err == nil {
		d.health.RecordSuccess()
	} else {
		d.observe(err)
	}
	return d.health.Snapshot(), err
}

func (d *Dashboard) fetch(ctx context.Context) (*model.DashboardData, error) {
	detached := context.WithoutCancel(ctx)
	data, _, err := d.group.Do(ctx, cacheKey, func() (*model.DashboardData, error) {
		d.mu.Lock()
		epoch := d.epoch
		d.mu.Unlock()

		data, err := d.fetchRemote(detached)
		if err != nil {
			d.observe(err)
			if d.Authenticated() {
				d.view.Update(func(v View) View {
					v.Stale = true
					return v
				})
			}
			return nil, err
		}
		d.health.RecordSuccess()
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.epoch != epoch || !d.Authenticated() {
			logging.Debug().Msg("session ended during dashboard load, discarding result")
			return data, nil
		}
		d.cache.Set(cacheKey, data, d.opts.CacheTTL)
		d.show(data)
		return data, nil
	})
	return data, err
}

// fetchRemote calls the batch endpoint and falls back to the per-section
// endpoints when it fails for a reason other than auth or connectivity.
func (d *Dashboard) fetchRemote(ctx context.Context) (*model.DashboardData, error) {
	data, err := d.client.DashboardData(ctx)
	if err == nil {
		return data, nil
	}
	var ne *NetworkError
	if errors.Is(err, ErrUnauthorized) || (errors.As(err, &ne) && ne.Offline) {
		return nil, err
	}
	logging.Warn().Err(err).Msg("batch dashboard load failed, loading sections individually")

	out := &model.DashboardData{Source: SourceIndividual, LastUpdated: d.opts.Clock.Now().UTC()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Subscribers, err = d.client.Subscribers(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.Newsletters, err = d.client.Newsletters(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.Contacts, err = d.client.Contacts(gctx)
		return err
	})
	if ferr := g.Wait(); ferr != nil {
		if errors.Is(ferr, ErrUnauthorized) {
			return nil, ferr
		}
		return nil, err
	}
	return out, nil
}

func (d *Dashboard) show(data *model.DashboardData) {
	d.view.Update(func(v View) View {
		var selected string
		if v.Selected != nil {
			selected = v.Selected.ID
		}
		v = View{
			Contacts:    data.Contacts.Contacts,
			Analytics:   model.ComputeAnalytics(data.Contacts.Contacts),
			Subscribers: data.Subscribers.Subscribers,
			Newsletters: data.Newsletters.Newsletters,
			LastUpdated: data.LastUpdated,
			Source:      data.Source,
			Stale:       len(data.Stale) > 0,
		}
		for _, c := range v.Contacts {
			if c.ID == selected {
				sel := c
				v.Selected = &sel
				break
			}
		}
		return cloneView(v)
	})
}

// UpdateStatus changes a contact's status, showing the change before the
// server confirms it. On failure the view is restored exactly and the
// returned *optimistic.Error says whether the change was reverted or its
// outcome is unknown.
func (d *Dashboard) UpdateStatus(ctx context.Context, id string, status model.ContactStatus, notes *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if !d.Authenticated() {
		return ErrUnauthorized
	}
	if !d.shows(id) {
		return fmt.Errorf("%w: unknown contact %q", ErrValidation, id)
	}
	d.timer.Touch()

	now := d.opts.Clock.Now().UTC()
	var saved model.Contact
	err := optimistic.Apply(ctx, d.view, d.opts.MutationTimeout,
		func(v View) View {
			for i := range v.Contacts {
				if v.Contacts[i].ID == id {
					setStatus(&v.Contacts[i], status, notes, now)
				}
			}
			if v.Selected != nil && v.Selected.ID == id {
				setStatus(v.Selected, status, notes, now)
			}
			v.Analytics = model.ComputeAnalytics(v.Contacts)
			return v
		},
		func(cctx context.Context) error {
			var err error
			saved, err = d.client.UpdateContact(cctx, id, status, notes)
			return err
		})
	if err != nil {
		d.observe(err)
		logging.Warn().Err(err).Str("contact", id).Msg("contact update rolled back")
		return err
	}

	d.health.RecordSuccess()
	d.cache.Delete(cacheKey)
	if saved.ID == id {
		d.view.Update(func(v View) View {
			for i := range v.Contacts {
				if v.Contacts[i].ID == id {
					v.Contacts[i] = saved.Clone()
				}
			}
			if v.Selected != nil && v.Selected.ID == id {
				sel := saved.Clone()
				v.Selected = &sel
			}
			return v
		})
	}
	return nil
}

func setStatus(c *model.Contact, status model.ContactStatus, notes *string, now time.Time) {
	c.Status = status
	if notes != nil {
		c.Notes = *notes
	}
	c.LastUpdated = &now
}

func (d *Dashboard) shows(id string) bool {
	for _, c := range d.view.Get().Contacts {
		if c.ID == id {
			return true
		}
	}
	return false
}

// SendNewsletter sends a newsletter and drops the cached aggregate.
func (d *Dashboard) SendNewsletter(ctx context.Context, subject, content, previewText string) (model.Newsletter, error) {
	if !d.Authenticated() {
		return model.Newsletter{}, ErrUnauthorized
	}
	d.timer.Touch()
	rec, err := d.client.SendNewsletter(ctx, subject, content, previewText)
	if err != nil {
		d.observe(err)
		return rec, err
	}
	d.health.RecordSuccess()
	d.cache.Delete(cacheKey)
	return rec, nil
}

// observe feeds a request error into the health tracker and ends the
// session on ErrUnauthorized.
func (d *Dashboard) observe(err error) {
	var ne *NetworkError
	switch {
	case errors.Is(err, ErrUnauthorized):
		if d.Authenticated() {
			logging.Warn().Msg("server rejected the admin session, logging out")
			d.clearLocal()
			d.timer.Logout()
		}
	case errors.Is(err, ErrValidation), errors.Is(err, context.Canceled):
	case errors.As(err, &ne):
		d.health.RecordFailure(err)
		if ne.Offline {
			d.health.SetOnline(false)
		}
	default:
		d.health.RecordFailure(err)
	}
}

// expired runs when the session timer expires.
func (d *Dashboard) expired() {
	logging.Info().Msg("admin session expired after inactivity")
	d.clearLocal()
	if d.opts.OnExpire != nil {
		d.opts.OnExpire()
	}
}

func (d *Dashboard) clearLocal() {
	d.mu.Lock()
	d.epoch++
	d.mu.Unlock()
	d.sched.Cancel(loadTask)
	if err := d.tokens.Clear(context.Background()); err != nil {
		logging.Error().Err(err).Msg("failed to clear session token")
	}
	d.cache.Clear()
	d.view.Set(View{})
}
