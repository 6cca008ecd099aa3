package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredit means the key exists but has no credits left.
	ErrInsufficientCredit = errors.New("no credits remaining")
	// ErrUnknownKey is reported to users exactly like ErrInsufficientCredit.
	ErrUnknownKey = errors.New("unknown license key")
	// ErrPaymentUnverified means the provider did not confirm the payment.
	ErrPaymentUnverified = errors.New("payment not verified")
	// ErrIncompleteConfirmation means the provider confirmed a payment that
	// cannot be mapped to a plan. Money was taken and nothing was issued.
	ErrIncompleteConfirmation = errors.New("paid confirmation cannot be mapped to a plan")
	// ErrInfrastructure wraps storage, network and timeout failures.
	ErrInfrastructure = errors.New("temporarily unavailable")

	ErrKeyExists     = errors.New("license key already exists")
	ErrInvalidAmount = errors.New("credits must be >= 0")
	ErrEmptyKey      = errors.New("license key is empty")
	ErrInvalidKey    = errors.New("license key must be at most 48 printable characters without spaces")
)

// NoCredit reports whether err should be shown to the user as "no credits
// remaining". Unknown keys are folded in so keys cannot be enumerated.
func NoCredit(err error) bool {
	return errors.Is(err, ErrInsufficientCredit) || errors.Is(err, ErrUnknownKey)
}

func infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}
