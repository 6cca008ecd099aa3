package credits

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Plan is a static catalog entry customers can buy.
type Plan struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Credits     int      `json:"credits" yaml:"credits"`
	PriceCents  int64    `json:"price_cents" yaml:"price_cents"`
	Description string   `json:"description" yaml:"description"`
	Features    []string `json:"features,omitempty" yaml:"features"`
	Badge       string   `json:"badge,omitempty" yaml:"badge"`
}

// Price returns the plan price in euros.
func (p Plan) Price() decimal.Decimal {
	return decimal.New(p.PriceCents, -2)
}

// Catalog is a read-only set of plans keyed by id, iterated in price order.
type Catalog struct {
	byID  map[string]Plan
	order []string
}

func NewCatalog(plans []Plan) *Catalog {
	c := &Catalog{byID: make(map[string]Plan, len(plans))}
	sorted := append([]Plan(nil), plans...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PriceCents < sorted[j].PriceCents })
	for _, p := range sorted {
		if p.ID == "" || p.Credits <= 0 {
			continue
		}
		if _, dup := c.byID[p.ID]; dup {
			continue
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c
}

func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}

func (c *Catalog) All() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:          "starter",
			Name:        "Starter Pack",
			Credits:     10,
			PriceCents:  500,
			Description: "Perfect for trying out ValueAI",
			Features:    []string{"10 AI analyses", "Valid for 30 days", "Email support"},
		},
		{
			ID:          "professional",
			Name:        "Professional",
			Credits:     50,
			PriceCents:  2000,
			Description: "Best value for regular users",
			Features:    []string{"50 AI analyses", "Valid for 60 days", "Priority support", "Save 20%"},
			Badge:       "MOST POPULAR",
		},
		{
			ID:          "business",
			Name:        "Business",
			Credits:     150,
			PriceCents:  5000,
			Description: "For power users and businesses",
			Features:    []string{"150 AI analyses", "Valid for 90 days", "Premium support", "Save 33%"},
			Badge:       "BEST VALUE",
		},
		{
			ID:          "enterprise",
			Name:        "Enterprise",
			Credits:     500,
			PriceCents:  15000,
			Description: "Unlimited power for your business",
			Features:    []string{"500 AI analyses", "Valid for 12 months", "Dedicated support", "Custom integrations", "Save 40%"},
		},
	}
}
