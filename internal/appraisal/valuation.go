package appraisal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnparseable is returned by analyzers when the model answered but the
// answer is not a valuation.
var ErrUnparseable = errors.New("response is not a valuation")

// Valuation is the structured result of one appraisal. Prices are in EUR.
type Valuation struct {
	ItemName       string          `json:"item_name"`
	Condition      string          `json:"condition"`
	PriceNew       decimal.Decimal `json:"price_new"`
	PriceUsedFast  decimal.Decimal `json:"price_used_fast"`
	PriceCollector decimal.Decimal `json:"price_collector"`
	Description    string          `json:"description"`
}

// price accepts 120, "120", "€120", "120.50 EUR" and "1,200".
type price struct {
	d   decimal.Decimal
	set bool
}

func (p *price) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = s
	}
	raw = strings.NewReplacer("€", "", "EUR", "", "eur", "", ",", "", " ", "").Replace(raw)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("price %s: %w", b, err)
	}
	if d.IsNegative() {
		return fmt.Errorf("price %s is negative", b)
	}
	p.d, p.set = d, true
	return nil
}

type rawValuation struct {
	ItemName       string `json:"item_name"`
	Condition      string `json:"condition"`
	PriceNew       price  `json:"price_new"`
	PriceUsedFast  price  `json:"price_used_fast"`
	PriceCollector price  `json:"price_collector"`
	Description    string `json:"description"`
}

// ParseValuation extracts a Valuation from model output, tolerating a
// surrounding markdown code fence. Every failure wraps ErrUnparseable.
func ParseValuation(text string) (Valuation, error) {
	body := stripFence(text)
	if body == "" {
		return Valuation{}, fmt.Errorf("%w: empty response", ErrUnparseable)
	}
	var raw rawValuation
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Valuation{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if strings.TrimSpace(raw.ItemName) == "" {
		return Valuation{}, fmt.Errorf("%w: missing item_name", ErrUnparseable)
	}
	if !raw.PriceNew.set || !raw.PriceUsedFast.set || !raw.PriceCollector.set {
		return Valuation{}, fmt.Errorf("%w: missing price estimate", ErrUnparseable)
	}
	return Valuation{
		ItemName:       strings.TrimSpace(raw.ItemName),
		Condition:      strings.TrimSpace(raw.Condition),
		PriceNew:       raw.PriceNew.d,
		PriceUsedFast:  raw.PriceUsedFast.d,
		PriceCollector: raw.PriceCollector.d,
		Description:    strings.TrimSpace(raw.Description),
	}, nil
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
