package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"valueai/internal/credits"
)

const DefaultTimeout = 20 * time.Second

// Issuer mints licenses for confirmed payments; credits.Service implements it.
type Issuer interface {
	Issue(ctx context.Context, p credits.Payment) (credits.Issued, error)
}

// Service turns plan purchases into licenses. A license is only ever issued
// after the gateway itself confirms the payment; client redirects merely
// trigger that confirmation.
type Service struct {
	gw      Gateway
	issuer  Issuer
	catalog *credits.Catalog
	timeout time.Duration
	log     *slog.Logger
}

func NewService(gw Gateway, issuer Issuer, catalog *credits.Catalog, timeout time.Duration, log *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{gw: gw, issuer: issuer, catalog: catalog, timeout: timeout, log: log}
}

func (s *Service) Plans() []credits.Plan { return s.catalog.All() }

// Enabled reports whether a gateway is wired.
func (s *Service) Enabled() bool { return s.gw != nil }

func (s *Service) StartCheckout(ctx context.Context, planID, email string) (Checkout, error) {
	plan, ok := s.catalog.Get(planID)
	if !ok {
		return Checkout{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	if s.gw == nil {
		return Checkout{}, fmt.Errorf("%w: %w", credits.ErrInfrastructure, ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	co, err := s.gw.CreateCheckout(ctx, plan, strings.TrimSpace(email))
	if err != nil {
		s.log.ErrorContext(ctx, "checkout creation failed", "plan_id", plan.ID, "err", err)
		return Checkout{}, fmt.Errorf("%w: %w", credits.ErrInfrastructure, err)
	}
	s.log.InfoContext(ctx, "checkout started", "plan_id", plan.ID, "reference", co.Reference)
	return co, nil
}

// Complete verifies reference with the gateway and issues the license. It is
// safe to call any number of times for the same reference.
func (s *Service) Complete(ctx context.Context, reference string) (credits.Issued, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return credits.Issued{}, fmt.Errorf("%w: missing reference", credits.ErrPaymentUnverified)
	}
	if s.gw == nil {
		return credits.Issued{}, fmt.Errorf("%w: %w", credits.ErrInfrastructure, ErrNotConfigured)
	}
	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	conf, err := s.gw.Verify(vctx, reference)
	cancel()
	if err != nil {
		s.log.ErrorContext(ctx, "payment verification failed", "reference", reference, "err", err)
		return credits.Issued{}, fmt.Errorf("verify payment: %w: %w", credits.ErrInfrastructure, err)
	}
	if !conf.Paid {
		s.log.WarnContext(ctx, "payment not confirmed", "reference", reference)
		return credits.Issued{}, credits.ErrPaymentUnverified
	}

	ref := conf.Reference
	if ref == "" {
		ref = reference
	}
	n := conf.Credits
	if n <= 0 {
		if plan, ok := s.catalog.Get(conf.PlanID); ok {
			n = plan.Credits
		}
	}
	issued, err := s.issuer.Issue(ctx, credits.Payment{
		Reference: ref,
		Paid:      true,
		Email:     conf.Email,
		Amount:    conf.Amount,
		Currency:  conf.Currency,
		PlanID:    conf.PlanID,
		Credits:   n,
	})
	if errors.Is(err, credits.ErrIncompleteConfirmation) {
		s.log.ErrorContext(ctx, "paid checkout could not be issued",
			"reference", ref, "plan_id", conf.PlanID, "credits", conf.Credits,
			"amount", conf.Amount.StringFixed(2), "email", conf.Email, "err", err)
	}
	return issued, err
}

// HandleWebhook authenticates a provider callback and completes the checkout
// it refers to. Events other than a completed checkout are acknowledged and
// ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.gw == nil {
		return fmt.Errorf("%w: %w", credits.ErrInfrastructure, ErrNotConfigured)
	}
	ref, err := s.gw.CompletedReference(payload, signature)
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			s.log.WarnContext(ctx, "webhook rejected", "err", err)
		}
		return err
	}
	if ref == "" {
		return nil
	}
	_, err = s.Complete(ctx, ref)
	if errors.Is(err, credits.ErrPaymentUnverified) {
		// async payment methods complete later with a second event
		return nil
	}
	// a paid but unmappable checkout must fail so the provider keeps retrying
	return err
}
