package credits

import (
	"context"
	"sort"

	"valueai/internal/store"
)

type MismatchKind string

const (
	// MissingAudit: a payment-sourced license has no audit event.
	MissingAudit MismatchKind = "ledger_without_audit"
	// MissingLedger: an audit event names a key the ledger no longer has.
	MissingLedger MismatchKind = "audit_without_ledger"
)

type Mismatch struct {
	Kind       MismatchKind `json:"kind"`
	LicenseKey string       `json:"license_key"`
	Reference  string       `json:"reference,omitempty"`
}

// Reconcile cross-checks the ledger against the audit log. It is an
// administrative check; each mismatch is logged for manual review.
func (s *Service) Reconcile(ctx context.Context) ([]Mismatch, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := s.Payments(ctx)
	if err != nil {
		return nil, err
	}

	audited := make(map[string]bool, len(payments))
	for _, p := range payments {
		audited[p.LicenseKey] = true
	}
	inLedger := make(map[string]bool, len(entries))
	out := make([]Mismatch, 0)
	for _, e := range entries {
		inLedger[e.Key] = true
		if e.Source == store.SourcePayment && !audited[e.Key] {
			out = append(out, Mismatch{Kind: MissingAudit, LicenseKey: e.Key, Reference: e.Reference})
		}
	}
	for _, p := range payments {
		if !inLedger[p.LicenseKey] {
			out = append(out, Mismatch{Kind: MissingLedger, LicenseKey: p.LicenseKey, Reference: p.Reference})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].LicenseKey < out[j].LicenseKey
	})

	for _, m := range out {
		s.log.WarnContext(ctx, "reconciliation mismatch",
			"kind", string(m.Kind), "license_key", m.LicenseKey, "reference", m.Reference)
	}
	return out, nil
}
