package credits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"valueai/internal/license"
	"valueai/internal/store"
)

// Service is the credit ledger: validation, debit, admin provisioning,
// issuance after payment, reporting and reconciliation. It holds no balance
// cache; every decision re-reads the store.
type Service struct {
	st  store.Store
	log *slog.Logger

	// newKey and now are swapped in tests.
	newKey func() (string, error)
	now    func() time.Time
}

func NewService(st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		st:     st,
		log:    log,
		newKey: license.NewKey,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Validate reports whether key exists with a positive balance. Unknown keys
// are (false, 0, nil); only storage failures return an error.
func (s *Service) Validate(ctx context.Context, key string) (bool, int, error) {
	balance, err := s.Check(ctx, key)
	switch {
	case err == nil:
		return true, balance, nil
	case NoCredit(err):
		return false, balance, nil
	default:
		return false, 0, err
	}
}

// Check is Validate with the negative outcomes spelled out as
// ErrUnknownKey and ErrInsufficientCredit.
func (s *Service) Check(ctx context.Context, key string) (int, error) {
	key = license.Normalize(key)
	if key == "" {
		return 0, ErrUnknownKey
	}
	e, ok, err := s.st.Get(ctx, key)
	if err != nil {
		return 0, infra("read balance", err)
	}
	if !ok {
		return 0, ErrUnknownKey
	}
	if e.Balance <= 0 {
		return 0, ErrInsufficientCredit
	}
	return e.Balance, nil
}

// Debit consumes one credit. false with a nil error is the normal
// "insufficient credit" outcome and covers unknown keys too.
func (s *Service) Debit(ctx context.Context, key string) (bool, error) {
	ok, _, err := s.DebitRemaining(ctx, key)
	return ok, err
}

// DebitRemaining is Debit that also returns the balance left afterwards.
func (s *Service) DebitRemaining(ctx context.Context, key string) (bool, int, error) {
	key = license.Normalize(key)
	if key == "" {
		return false, 0, nil
	}
	ok, remaining, err := s.st.DecrementIfPositive(ctx, key)
	if err != nil {
		return false, 0, infra("debit", err)
	}
	if ok {
		s.log.InfoContext(ctx, "credit debited", "license_key", key, "remaining", remaining)
	}
	return ok, remaining, nil
}

// Provision creates a license by hand, as an administrator would.
func (s *Service) Provision(ctx context.Context, key string, credits int) (store.Entry, error) {
	key = license.Normalize(key)
	if key == "" {
		return store.Entry{}, ErrEmptyKey
	}
	if !license.Valid(key) {
		return store.Entry{}, ErrInvalidKey
	}
	if credits < 0 {
		return store.Entry{}, ErrInvalidAmount
	}
	e := store.Entry{Key: key, Balance: credits, Source: store.SourceManual, CreatedAt: s.now()}
	if err := s.st.Create(ctx, e); err != nil {
		if errors.Is(err, store.ErrExists) {
			return store.Entry{}, ErrKeyExists
		}
		return store.Entry{}, infra("provision", err)
	}
	s.log.InfoContext(ctx, "license provisioned", "license_key", key, "credits", credits)
	return e, nil
}

// ProvisionGenerated provisions a license under a freshly minted key.
func (s *Service) ProvisionGenerated(ctx context.Context, credits int) (store.Entry, error) {
	for i := 0; i < store.MaxKeyAttempts; i++ {
		key, err := s.newKey()
		if err != nil {
			return store.Entry{}, err
		}
		e, err := s.Provision(ctx, key, credits)
		if errors.Is(err, ErrKeyExists) {
			continue
		}
		return e, err
	}
	return store.Entry{}, store.ErrKeyCollision
}

// SetBalance overwrites the balance of an existing license.
func (s *Service) SetBalance(ctx context.Context, key string, credits int) (store.Entry, error) {
	key = license.Normalize(key)
	if credits < 0 {
		return store.Entry{}, ErrInvalidAmount
	}
	e, err := s.st.Update(ctx, key, credits)
	if errors.Is(err, store.ErrNotFound) {
		return store.Entry{}, ErrUnknownKey
	}
	if err != nil {
		return store.Entry{}, infra("set balance", err)
	}
	s.log.InfoContext(ctx, "license balance set", "license_key", key, "credits", credits)
	return e, nil
}

func (s *Service) Remove(ctx context.Context, key string) error {
	key = license.Normalize(key)
	if err := s.st.Delete(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownKey
		}
		return infra("delete license", err)
	}
	s.log.InfoContext(ctx, "license deleted", "license_key", key)
	return nil
}

// Entry returns a single license for administrative display.
func (s *Service) Entry(ctx context.Context, key string) (store.Entry, error) {
	e, ok, err := s.st.Get(ctx, license.Normalize(key))
	if err != nil {
		return store.Entry{}, infra("read license", err)
	}
	if !ok {
		return store.Entry{}, ErrUnknownKey
	}
	return e, nil
}

func (s *Service) Entries(ctx context.Context) ([]store.Entry, error) {
	list, err := s.st.List(ctx)
	if err != nil {
		return nil, infra("list licenses", err)
	}
	return list, nil
}

func (s *Service) Payments(ctx context.Context) ([]store.PaymentEvent, error) {
	list, err := s.st.ListPayments(ctx)
	if err != nil {
		return nil, infra("list payments", err)
	}
	return list, nil
}

// SeedIfEmpty provisions the given keys only when the ledger has no entries.
func (s *Service) SeedIfEmpty(ctx context.Context, seed map[string]int) error {
	list, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	if len(list) > 0 {
		return nil
	}
	for key, credits := range seed {
		if _, err := s.Provision(ctx, key, credits); err != nil && !errors.Is(err, ErrKeyExists) {
			return err
		}
	}
	return nil
}
