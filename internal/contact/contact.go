// Package contact handles contact form submissions and their admin
// lifecycle.
package contact

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/mail"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/repository"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid contact")

// Invalidator drops cached dashboard sections.
type Invalidator interface {
	Invalidate(section model.Section)
}

// Submission is the public form payload.
type Submission struct {
	Name     string `json:"name" binding:"required,max=200"`
	Email    string `json:"email" binding:"required,email,max=320"`
	Company  string `json:"company" binding:"max=200"`
	Service  string `json:"service" binding:"max=100"`
	Budget   string `json:"budget" binding:"max=100"`
	Timeline string `json:"timeline" binding:"max=100"`
	Message  string `json:"message" binding:"required,max=5000"`
}

// Options configures a Service.
type Options struct {
	// NotifyTo receives a copy of every submission.
	NotifyTo string
	// Services, when set, restricts the service field.
	Services []string
	// MailTimeout bounds the notification send.
	MailTimeout time.Duration
	Now         func() time.Time
}

type Service struct {
	repo   *repository.Contacts
	mailer mail.Mailer
	inv    Invalidator
	opts   Options
}

func NewService(repo *repository.Contacts, mailer mail.Mailer, inv Invalidator, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = 30 * time.Second
	}
	return &Service{repo: repo, mailer: mailer, inv: inv, opts: opts}
}

func (s *Service) validate(sub *Submission) error {
	sub.Name = strings.TrimSpace(sub.Name)
	sub.Email = strings.TrimSpace(sub.Email)
	sub.Message = strings.TrimSpace(sub.Message)
	switch {
	case sub.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case sub.Email == "":
		return fmt.Errorf("%w: email is required", ErrInvalid)
	case sub.Message == "":
		return fmt.Errorf("%w: message is required", ErrInvalid)
	}
	if sub.Service != "" && len(s.opts.Services) > 0 && !slices.Contains(s.opts.Services, sub.Service) {
		return fmt.Errorf("%w: unknown service %q", ErrInvalid, sub.Service)
	}
	return nil
}

// Submit stores a new contact and emails the owner. A failed email does not
// fail the submission; the outcome is recorded in EmailSent.
func (s *Service) Submit(ctx context.Context, sub Submission) (model.Contact, error) {
	if err := s.validate(&sub); err != nil {
		return model.Contact{}, err
	}
	c := model.Contact{
		ID:          uuid.NewString(),
		Name:        sub.Name,
		Email:       sub.Email,
		Company:     sub.Company,
		Service:     sub.Service,
		Budget:      sub.Budget,
		Timeline:    sub.Timeline,
		Message:     sub.Message,
		SubmittedAt: s.opts.Now().UTC(),
		Status:      model.StatusNew,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return model.Contact{}, fmt.Errorf("store contact: %w", err)
	}
	s.inv.Invalidate(model.SectionContacts)

	sent := s.notify(ctx, c)
	c.EmailSent = &sent
	if err := s.repo.Save(ctx, c); err != nil {
		logging.Warn().Err(err).Str("contact", c.ID).Msg("failed to record email status")
	}
	return c, nil
}

func (s *Service) notify(ctx context.Context, c model.Contact) bool {
	mctx, cancel := context.WithTimeout(ctx, s.opts.MailTimeout)
	defer cancel()
	msg := mail.ContactNotification(s.opts.NotifyTo, c.Name, c.Email, c.Company, c.Service, c.Budget, c.Timeline, c.Message)
	if err := s.mailer.Send(mctx, msg); err != nil {
		if !errors.Is(err, mail.ErrNotConfigured) {
			logging.Error().Err(err).Str("contact", c.ID).Msg("contact notification failed")
		}
		return false
	}
	logging.Info().Str("contact", c.ID).Msg("contact notification sent")
	return true
}

// Recent returns the newest contacts.
func (s *Service) Recent(ctx context.Context, limit int) ([]model.Contact, error) {
	return s.repo.Recent(ctx, limit)
}

// Update sets a contact's status and, when notes is non-nil, its notes.
// Repeating the same update is harmless.
func (s *Service) Update(ctx context.Context, id string, status model.ContactStatus, notes *string) (model.Contact, error) {
	if !status.Valid() {
		return model.Contact{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Contact{}, err
	}
	c.Status = status
	if notes != nil {
		c.Notes = *notes
	}
	now := s.opts.Now().UTC()
	c.LastUpdated = &now
	if err := s.repo.Save(ctx, c); err != nil {
		return model.Contact{}, fmt.Errorf("update contact %s: %w", id, err)
	}
	s.inv.Invalidate(model.SectionContacts)
	return c, nil
}
