package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Zachkp/zach-consulting/internal/aggregator"
	"github.com/Zachkp/zach-consulting/internal/auth"
	"github.com/Zachkp/zach-consulting/internal/cache"
	"github.com/Zachkp/zach-consulting/internal/config"
	"github.com/Zachkp/zach-consulting/internal/contact"
	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/mail"
	"github.com/Zachkp/zach-consulting/internal/metrics"
	"github.com/Zachkp/zach-consulting/internal/newsletter"
	"github.com/Zachkp/zach-consulting/internal/ratelimit"
	"github.com/Zachkp/zach-consulting/internal/repository"
	"github.com/Zachkp/zach-consulting/internal/scheduler"
)

const (
	probeTimeout  = 2 * time.Second
	janitorPeriod = 10 * time.Minute
)

// app holds everything the handlers need.
type app struct {
	cfg       *config.Server
	store     kv.Store
	apiSecret string

	auth        *auth.Authenticator
	agg         *aggregator.Aggregator
	cache       *cache.Cache[any]
	limiter     *ratelimit.Limiter
	contactRepo *repository.Contacts
	letterRepo  *repository.Newsletters
	contacts    *contact.Service
	newsletters *newsletter.Service
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Str("backend", cfg.KVBackend).Msg("failed to open store")
	}
	defer store.Close()

	mailer := mail.New(mail.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
	})
	a := newApp(cfg, store, mailer)

	sched := scheduler.New(nil)
	defer sched.Close()
	sched.Every("janitor", janitorPeriod, a.janitor)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info().Str("addr", srv.Addr).Str("store", cfg.KVBackend).Bool("mail", cfg.MailConfigured()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg *config.Server) (kv.Store, error) {
	var (
		inner kv.Store
		err   error
	)
	switch cfg.KVBackend {
	case "badger":
		inner, err = kv.OpenBadger(cfg.KVPath)
	case "postgres":
		inner, err = kv.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		inner, err = kv.OpenSQLite(ctx, cfg.KVPath)
	}
	if err != nil {
		return nil, err
	}
	return kv.WithBreaker(inner, kv.BreakerSettings{OnStateChange: metrics.RecordBreakerState}), nil
}

func newApp(cfg *config.Server, store kv.Store, mailer mail.Mailer) *app {
	registerValidators()

	apiSecret := cfg.APISecret
	if apiSecret == "" {
		apiSecret = auth.RandomToken()
		logging.Warn().Msg("API_SECRET not set, generated a one-off admin API secret")
		if gin.Mode() == gin.DebugMode {
			logging.Info().Str("api_secret", apiSecret).Msg("admin API secret (dev only)")
		}
	}

	c := cache.New[any](
		cache.WithMaxEntries(cfg.CacheMaxEntries),
		cache.WithObserver("dashboard", metrics.CacheObserver{}),
	)
	contactRepo := repository.NewContacts(store)
	letterRepo := repository.NewNewsletters(store)
	subs := repository.NewSubscribers(store)

	agg := aggregator.New(contactRepo, letterRepo, subs, c, aggregator.Options{
		SubscribersTTL:  cfg.SubscribersTTL,
		NewslettersTTL:  cfg.NewslettersTTL,
		ContactsTTL:     cfg.ContactsTTL,
		NewsletterLimit: cfg.NewsletterLimit,
		ContactLimit:    cfg.ContactLimit,
		OnServe:         metrics.RecordDashboard,
		OnSectionError:  metrics.RecordSectionError,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		apiSecret: apiSecret,
		auth: auth.New(store, auth.Options{
			Password:     cfg.AdminPassword,
			PasswordHash: cfg.AdminPasswordHash,
			Secret:       []byte(cfg.SessionSecret),
			TTL:          cfg.SessionTTL,
		}),
		agg:         agg,
		cache:       c,
		limiter:     ratelimit.New(cfg.FormRatePerMinute, 3),
		contactRepo: contactRepo,
		letterRepo:  letterRepo,
		contacts: contact.NewService(contactRepo, mailer, agg, contact.Options{
			NotifyTo: cfg.ToEmail,
			Services: serviceNames(),
		}),
		newsletters: newsletter.NewService(subs, letterRepo, mailer, agg, newsletter.Options{
			Concurrency:     cfg.SendConcurrency,
			SiteURL:         cfg.SiteURL,
			DeliveryTimeout: sendTimeout - newsletter.FinalizeTimeout,
		}),
	}
}

// janitor drops expired sessions, idle rate-limit buckets and expired
// cache entries.
func (a *app) janitor() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.auth.PruneExpired(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("session pruning failed")
	}
	idle := a.limiter.Cleanup(time.Hour)
	purged := a.cache.Purge()
	logging.Debug().Int("sessions", n).Int("clients", idle).Int("cache", purged).Msg("janitor run")
}

func (a *app) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger(), metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			logging.Error().Err(err).Msg("health check: store unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": "ok"})
	})

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true, "time": time.Now().UTC()})
	})

	// Warm-up probe. With admin credentials it also primes the dashboard cache.
	r.GET("/warm", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()
		storeOK := a.store.Ping(ctx) == nil
		primed := false
		if storeOK && a.auth.HasSession(c, a.apiSecret) {
			_, err := a.agg.Fetch(c.Request.Context())
			primed = err == nil
		}
		c.JSON(http.StatusOK, gin.H{"warmed": true, "store": storeOK, "dashboard": primed})
	})

	r.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"services":  Services,
			"budgets":   Budgets,
			"timelines": Timelines,
		})
	})

	forms := r.Group("", a.limiter.Middleware())

	forms.POST("/contact", func(c *gin.Context) {
		var sub contact.Submission
		if err := c.ShouldBindJSON(&sub); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		ct, err := a.contacts.Submit(c.Request.Context(), sub)
		if errors.Is(err, contact.ErrInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err != nil {
			logging.Error().Err(err).Str("client", a.auth.HashIP(c.ClientIP())).Msg("contact submission failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "Sorry, there was an error sending your message. Please try again later.",
			})
			return
		}
		metrics.ContactsSubmitted.Inc()
		c.JSON(http.StatusCreated, gin.H{
			"success": true,
			"id":      ct.ID,
			"message": "Thank you for your message! I'll get back to you soon.",
		})
	})

	forms.POST("/subscribe", func(c *gin.Context) {
		var req emailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		added, err := a.newsletters.Subscribe(c.Request.Context(), req.Email)
		if errors.Is(err, newsletter.ErrInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err != nil {
			logging.Error().Err(err).Msg("subscribe failed")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Subscription failed"})
			return
		}
		if !added {
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already subscribed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Subscribed"})
	})

	// Unsubscribe links in newsletters are GET requests with the address in
	// the query. One-click clients POST to the same URL.
	forms.GET("/unsubscribe", func(c *gin.Context) {
		var req emailRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		a.unsubscribe(c, req.Email)
	})

	forms.POST("/unsubscribe", func(c *gin.Context) {
		var req emailRequest
		bind := c.ShouldBindJSON
		if c.Query("email") != "" {
			bind = c.ShouldBindQuery
		}
		if err := bind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		a.unsubscribe(c, req.Email)
	})

	setupAdminRoutes(r, a)
	return r
}

type emailRequest struct {
	Email string `json:"email" form:"email" binding:"required,emailnorm"`
}

func (a *app) unsubscribe(c *gin.Context, email string) {
	err := a.newsletters.Unsubscribe(c.Request.Context(), email)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Email not found"})
	case errors.Is(err, newsletter.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case err != nil:
		logging.Error().Err(err).Msg("unsubscribe failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Unsubscribe failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Unsubscribed"})
	}
}

// requestLogger logs one line per request with the client IP hashed.
func (a *app) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := logging.Info()
		if status >= http.StatusInternalServerError {
			ev = logging.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client", a.auth.HashIP(c.ClientIP())).
			Msg("request")
	}
}
