package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("license not found")
	ErrExists       = errors.New("license already exists")
	ErrKeyCollision = errors.New("could not generate an unused license key")
	ErrNegative     = errors.New("balance must be >= 0")
)

// MaxKeyAttempts bounds how many fresh keys Issue draws before giving up.
const MaxKeyAttempts = 5

type Source string

const (
	SourceManual  Source = "manual"
	SourcePayment Source = "payment"
)

// Entry is one ledger row: a license key and its remaining credits.
type Entry struct {
	Key       string    `json:"license_key"`
	Balance   int       `json:"credits"`
	Source    Source    `json:"source"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentEvent is an immutable audit record of a completed payment.
type PaymentEvent struct {
	ID         string          `json:"id"`
	Reference  string          `json:"reference,omitempty"`
	LicenseKey string          `json:"license_key"`
	Timestamp  time.Time       `json:"timestamp"`
	Email      string          `json:"email"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Credits    int             `json:"credits"`
	PlanID     string          `json:"plan_id"`
}

// IssueRequest describes a confirmed payment to turn into a license.
type IssueRequest struct {
	// Reference is the provider's checkout reference; it is the dedup key.
	Reference string
	EventID   string
	Email     string
	Amount    decimal.Decimal
	Currency  string
	Credits   int
	PlanID    string
	At        time.Time
	NewKey    func() (string, error)
}

type Ledger interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, balance int) error
	// Update overwrites the balance of an existing entry and returns
	// ErrNotFound instead of creating one.
	Update(ctx context.Context, key string, balance int) (Entry, error)
	Create(ctx context.Context, e Entry) error
	DecrementIfPositive(ctx context.Context, key string) (ok bool, remaining int, err error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Entry, error)
}

type AuditLog interface {
	AppendPayment(ctx context.Context, ev PaymentEvent) error
	ListPayments(ctx context.Context) ([]PaymentEvent, error)
}

type Store interface {
	Ledger
	AuditLog

	// Issue inserts the ledger entry and the audit event for one payment in a
	// single transaction. A reference seen before yields the original event
	// and created=false.
	Issue(ctx context.Context, req IssueRequest) (ev PaymentEvent, created bool, err error)

	Close() error
}
