package credits

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"valueai/internal/store"
)

// Payment is a normalized confirmation handed over by the payment gateway.
type Payment struct {
	Reference string
	Paid      bool
	Email     string
	Amount    decimal.Decimal
	Currency  string
	PlanID    string
	Credits   int
}

// Issued is the outcome of Issue. Created is false when the reference had
// already produced a license; the original license is returned again.
type Issued struct {
	LicenseKey string             `json:"license_key"`
	Credits    int                `json:"credits"`
	Email      string             `json:"email,omitempty"`
	PlanID     string             `json:"plan_id"`
	Created    bool               `json:"created"`
	Event      store.PaymentEvent `json:"-"`
}

// Issue mints a license for a confirmed payment. The ledger insert and the
// audit append happen in one store transaction keyed by p.Reference, so
// retried callbacks and duplicate webhooks cannot mint twice.
func (s *Service) Issue(ctx context.Context, p Payment) (Issued, error) {
	if !p.Paid {
		return Issued{}, ErrPaymentUnverified
	}
	if p.Reference == "" || p.Credits <= 0 || p.PlanID == "" {
		return Issued{}, fmt.Errorf("%w (reference=%q plan=%q credits=%d)",
			ErrIncompleteConfirmation, p.Reference, p.PlanID, p.Credits)
	}
	currency := strings.ToLower(p.Currency)
	if currency == "" {
		currency = "eur"
	}

	ev, created, err := s.st.Issue(ctx, store.IssueRequest{
		Reference: p.Reference,
		Email:     p.Email,
		Amount:    p.Amount,
		Currency:  currency,
		Credits:   p.Credits,
		PlanID:    p.PlanID,
		At:        s.now(),
		NewKey:    s.newKey,
	})
	if err != nil {
		return Issued{}, infra("issue license", err)
	}
	if created {
		s.log.InfoContext(ctx, "license issued",
			"license_key", ev.LicenseKey,
			"reference", ev.Reference,
			"plan_id", ev.PlanID,
			"credits", ev.Credits,
			"amount", ev.Amount.StringFixed(2),
		)
	} else {
		s.log.InfoContext(ctx, "duplicate payment confirmation ignored",
			"license_key", ev.LicenseKey, "reference", ev.Reference)
	}
	return Issued{
		LicenseKey: ev.LicenseKey,
		Credits:    ev.Credits,
		Email:      ev.Email,
		PlanID:     ev.PlanID,
		Created:    created,
		Event:      ev,
	}, nil
}
