// admin.go - admin API: authentication, dashboard data and record management
package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/Zachkp/zach-consulting/internal/aggregator"
	"github.com/Zachkp/zach-consulting/internal/auth"
	"github.com/Zachkp/zach-consulting/internal/contact"
	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/metrics"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/newsletter"
	"github.com/Zachkp/zach-consulting/internal/repository"
)

const (
	mutationTimeout = 10 * time.Second
	sendTimeout     = 30 * time.Second
)

// AdminExport is the body of GET /admin/export.
type AdminExport struct {
	ExportedAt  time.Time          `json:"exportedAt"`
	Contacts    []model.Contact    `json:"contacts"`
	Newsletters []model.Newsletter `json:"newsletters"`
	Subscribers []string           `json:"subscribers"`
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type updateContactRequest struct {
	Status model.ContactStatus `json:"status" binding:"required,contactstatus"`
	Notes  *string             `json:"notes" binding:"omitempty,max=5000"`
}

var validatorsOnce sync.Once

// registerValidators adds the custom binding tags used by request structs.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("contactstatus", func(fl validator.FieldLevel) bool {
			return model.ContactStatus(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("emailnorm", func(fl validator.FieldLevel) bool {
			return v.Var(model.NormalizeEmail(fl.Field().String()), "email") == nil
		})
	})
}

// bindingMessage turns a binding error into a short client-facing message.
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request body"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email", "emailnorm":
			msgs = append(msgs, field+" must be a valid email address")
		case "contactstatus":
			msgs = append(msgs, field+" must be one of new, contacted, in-progress, completed, archived")
		case "max":
			msgs = append(msgs, field+" is too long")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func queryLimit(c *gin.Context, def int) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

// Setup all admin routes
func setupAdminRoutes(r *gin.Engine, a *app) {
	apiKey := auth.RequireAPIKey(a.apiSecret)

	r.POST("/admin/authenticate", apiKey, func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		token, expiresAt, err := a.auth.Login(c.Request.Context(), req.Password, c.ClientIP())
		if errors.Is(err, auth.ErrInvalidPassword) || errors.Is(err, auth.ErrNoPassword) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid password"})
			return
		}
		if err != nil {
			logging.Error().Err(err).Msg("admin login failed")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Login failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "expiresAt": expiresAt})
	})

	r.POST("/admin/logout", apiKey, func(c *gin.Context) {
		if token := c.GetHeader(auth.SessionHeader); token != "" {
			if err := a.auth.Logout(c.Request.Context(), token); err != nil && !errors.Is(err, auth.ErrInvalidSession) {
				logging.Error().Err(err).Msg("admin logout failed")
			}
		}
		logging.Info().Str("client", a.auth.HashIP(c.ClientIP())).Msg("admin logout")
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	// Protected admin routes group
	adminGroup := r.Group("", apiKey, a.auth.RequireSession())

	adminGroup.GET("/admin/dashboard-data", func(c *gin.Context) {
		data, err := a.agg.Fetch(c.Request.Context())
		if errors.Is(err, aggregator.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Dashboard data unavailable"})
			return
		}
		if err != nil {
			logging.Error().Err(err).Msg("dashboard fetch failed")
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Dashboard request timed out"})
			return
		}
		c.JSON(http.StatusOK, data)
	})

	adminGroup.GET("/subscribers", func(c *gin.Context) {
		list, err := a.newsletters.Subscribers(c.Request.Context())
		if err != nil {
			logging.Error().Err(err).Msg("list subscribers failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscribers"})
			return
		}
		c.JSON(http.StatusOK, model.SubscribersSection{Subscribers: list, Count: len(list)})
	})

	adminGroup.GET("/newsletters", func(c *gin.Context) {
		list, err := a.newsletters.Recent(c.Request.Context(), queryLimit(c, a.cfg.NewsletterLimit))
		if err != nil {
			logging.Error().Err(err).Msg("list newsletters failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load newsletters"})
			return
		}
		c.JSON(http.StatusOK, model.NewslettersSection{Newsletters: list, Count: len(list)})
	})

	adminGroup.GET("/contacts", func(c *gin.Context) {
		list, err := a.contacts.Recent(c.Request.Context(), queryLimit(c, a.cfg.ContactLimit))
		if err != nil {
			logging.Error().Err(err).Msg("list contacts failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load contacts"})
			return
		}
		c.JSON(http.StatusOK, model.ContactsSection{
			Contacts:     list,
			Count:        len(list),
			StatusCounts: model.StatusCounts(list),
		})
	})

	adminGroup.PUT("/contacts/:id", func(c *gin.Context) {
		var req updateContactRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), mutationTimeout)
		defer cancel()

		updated, err := a.contacts.Update(ctx, c.Param("id"), req.Status, req.Notes)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Contact not found"})
			return
		case errors.Is(err, contact.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		case err != nil:
			logging.Error().Err(err).Str("contact", c.Param("id")).Msg("contact update failed")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update contact"})
			return
		}
		logging.Info().Str("contact", updated.ID).Str("status", string(updated.Status)).Msg("contact updated")
		c.JSON(http.StatusOK, gin.H{"success": true, "contact": updated})
	})

	adminGroup.POST("/newsletters/send", func(c *gin.Context) {
		var d newsletter.Draft
		if err := c.ShouldBindJSON(&d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": bindingMessage(err)})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
		defer cancel()

		rec, err := a.newsletters.Send(ctx, d)
		if errors.Is(err, newsletter.ErrInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err != nil {
			logging.Error().Err(err).Msg("newsletter send failed")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to send newsletter"})
			return
		}
		metrics.RecordNewsletter(rec.SuccessCount, rec.FailCount)
		c.JSON(http.StatusOK, gin.H{"success": true, "newsletter": rec})
	})

	// Full data export (for backups or analysis)
	adminGroup.GET("/admin/export", func(c *gin.Context) {
		ctx := c.Request.Context()
		contacts, err := a.contactRepo.All(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("export contacts failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed"})
			return
		}
		letters, err := a.letterRepo.All(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("export newsletters failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed"})
			return
		}
		subs, err := a.newsletters.Subscribers(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("export subscribers failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed"})
			return
		}

		// Set headers for file download
		c.Header("Content-Disposition", "attachment; filename=site-export.json")
		logging.Info().Str("client", a.auth.HashIP(c.ClientIP())).Msg("admin data exported")
		c.JSON(http.StatusOK, AdminExport{
			ExportedAt:  time.Now().UTC(),
			Contacts:    contacts,
			Newsletters: letters,
			Subscribers: subs,
		})
	})

	adminGroup.GET("/metrics", metrics.Handler())
}
