// Package newsletter manages the subscriber list and newsletter sends.
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/mail"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/repository"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid newsletter request")

// FinalizeTimeout bounds the write that completes a send record. It runs
// even when the caller's context has already ended.
const FinalizeTimeout = 5 * time.Second

// Invalidator drops cached dashboard sections.
type Invalidator interface {
	Invalidate(section model.Section)
}

// Draft is the admin's send request.
type Draft struct {
	Subject     string `json:"subject" binding:"required,max=200"`
	Content     string `json:"content" binding:"required"`
	PreviewText string `json:"previewText" binding:"max=300"`
}

type Options struct {
	// Concurrency bounds parallel deliveries.
	Concurrency int
	// SiteURL builds unsubscribe links.
	SiteURL string
	// DeliveryTimeout bounds all deliveries of one send. Zero leaves them
	// bounded by the caller's context only.
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

type Service struct {
	subs     *repository.Subscribers
	records  *repository.Newsletters
	mailer   mail.Mailer
	inv      Invalidator
	validate *validator.Validate
	opts     Options
}

func NewService(subs *repository.Subscribers, records *repository.Newsletters, mailer mail.Mailer, inv Invalidator, opts Options) *Service {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		subs:     subs,
		records:  records,
		mailer:   mailer,
		inv:      inv,
		validate: validator.New(),
		opts:     opts,
	}
}

func (s *Service) checkEmail(email string) (string, error) {
	email = model.NormalizeEmail(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", fmt.Errorf("%w: invalid email address", ErrInvalid)
	}
	return email, nil
}

// Subscribe adds email. It reports false when it was already subscribed.
func (s *Service) Subscribe(ctx context.Context, email string) (bool, error) {
	email, err := s.checkEmail(email)
	if err != nil {
		return false, err
	}
	added, err := s.subs.Add(ctx, email)
	if err != nil {
		return false, err
	}
	if added {
		s.inv.Invalidate(model.SectionSubscribers)
	}
	return added, nil
}

// Unsubscribe removes email, or returns repository.ErrNotFound without
// touching the list.
func (s *Service) Unsubscribe(ctx context.Context, email string) error {
	email, err := s.checkEmail(email)
	if err != nil {
		return err
	}
	if err := s.subs.Remove(ctx, email); err != nil {
		return err
	}
	s.inv.Invalidate(model.SectionSubscribers)
	return nil
}

func (s *Service) Subscribers(ctx context.Context) ([]string, error) {
	return s.subs.List(ctx)
}

func (s *Service) Recent(ctx context.Context, limit int) ([]model.Newsletter, error) {
	return s.records.Recent(ctx, limit)
}

// Send delivers d to every subscriber and records the outcome. The record
// is stored as sending first and completed once every delivery settled.
// Deliveries cut short by the deadline count as failures; the record is
// still completed with the partial counts.
func (s *Service) Send(ctx context.Context, d Draft) (model.Newsletter, error) {
	d.Subject = strings.TrimSpace(d.Subject)
	if d.Subject == "" || strings.TrimSpace(d.Content) == "" {
		return model.Newsletter{}, fmt.Errorf("%w: subject and content are required", ErrInvalid)
	}
	recipients, err := s.subs.List(ctx)
	if err != nil {
		return model.Newsletter{}, err
	}

	rec := model.Newsletter{
		ID:              uuid.NewString(),
		Subject:         d.Subject,
		Content:         d.Content,
		PreviewText:     d.PreviewText,
		SentAt:          s.opts.Now().UTC(),
		SubscriberCount: len(recipients),
		Status:          model.NewsletterSending,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return model.Newsletter{}, fmt.Errorf("store newsletter: %w", err)
	}

	dctx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.DeliveryTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.opts.DeliveryTimeout)
	}
	defer cancel()

	var ok, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, to := range recipients {
		g.Go(func() error {
			if err := dctx.Err(); err != nil {
				failed.Add(1)
				return nil
			}
			msg := mail.Newsletter(to, d.Subject, d.PreviewText, d.Content, s.unsubscribeURL(to))
			if err := s.mailer.Send(dctx, msg); err != nil {
				failed.Add(1)
				logging.Warn().Err(err).Str("newsletter", rec.ID).Msg("newsletter delivery failed")
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 && dctx.Err() != nil {
		logging.Warn().Err(dctx.Err()).Str("newsletter", rec.ID).Int64("failed", n).Msg("newsletter deliveries cut short")
	}
	if err := rec.MarkSent(int(ok.Load()), int(failed.Load())); err != nil {
		return model.Newsletter{}, err
	}
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), FinalizeTimeout)
	defer fcancel()
	if err := s.records.Save(fctx, rec); err != nil {
		return model.Newsletter{}, fmt.Errorf("complete newsletter %s: %w", rec.ID, err)
	}
	s.inv.Invalidate(model.SectionNewsletters)
	logging.Info().
		Str("newsletter", rec.ID).
		Int("recipients", rec.SubscriberCount).
		Int("failed", rec.FailCount).
		Msg("newsletter sent")
	return rec, nil
}

func (s *Service) unsubscribeURL(email string) string {
	if s.opts.SiteURL == "" {
		return ""
	}
	return strings.TrimRight(s.opts.SiteURL, "/") + "/unsubscribe?email=" + url.QueryEscape(email)
}
