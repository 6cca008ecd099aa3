package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"valueai/internal/credits"
)

var (
	ErrUnknownPlan   = errors.New("unknown plan")
	ErrBadSignature  = errors.New("webhook signature verification failed")
	ErrNotConfigured = errors.New("payment gateway not configured")
)

// Checkout is a started hosted checkout. Reference is the provider's session
// id and doubles as the issuance dedup key.
type Checkout struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
}

// Confirmation is what the provider reports about a checkout reference.
type Confirmation struct {
	Reference string
	Paid      bool
	Email     string
	Amount    decimal.Decimal
	Currency  string
	PlanID    string
	Credits   int
}

// Gateway is the payment provider boundary.
type Gateway interface {
	CreateCheckout(ctx context.Context, plan credits.Plan, email string) (Checkout, error)
	Verify(ctx context.Context, reference string) (Confirmation, error)
	// CompletedReference authenticates a webhook delivery and returns the
	// checkout reference it completes, or "" for events that need no action.
	CompletedReference(payload []byte, signature string) (string, error)
}
