package credits

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/shopspring/decimal"

	"valueai/internal/store"
)

type Stats struct {
	Transactions       int             `json:"transactions"`
	Revenue            decimal.Decimal `json:"revenue_eur"`
	CreditsSold        int             `json:"credits_sold"`
	Licenses           int             `json:"licenses"`
	CreditsOutstanding int             `json:"credits_outstanding"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	payments, err := s.Payments(ctx)
	if err != nil {
		return Stats{}, err
	}
	entries, err := s.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := summarize(payments)
	st.Licenses = len(entries)
	for _, e := range entries {
		st.CreditsOutstanding += e.Balance
	}
	return st, nil
}

func summarize(payments []store.PaymentEvent) Stats {
	st := Stats{Revenue: decimal.Zero}
	for _, p := range payments {
		st.Transactions++
		st.Revenue = st.Revenue.Add(p.Amount)
		st.CreditsSold += p.Credits
	}
	return st
}

var csvHeader = []string{"timestamp", "license_key", "email", "amount_eur", "credits", "plan_id"}

// WritePaymentsCSV exports the audit log in insertion order.
func WritePaymentsCSV(w io.Writer, payments []store.PaymentEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range payments {
		if err := cw.Write([]string{
			p.Timestamp.UTC().Format("2006-01-02 15:04"),
			p.LicenseKey,
			p.Email,
			p.Amount.StringFixed(2),
			strconv.Itoa(p.Credits),
			p.PlanID,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
