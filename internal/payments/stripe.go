package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"valueai/internal/credits"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// SuccessURL may contain {CHECKOUT_SESSION_ID}; if it does not, the
	// session id query parameter is appended.
	SuccessURL string
	CancelURL  string
}

// StripeGateway runs hosted Stripe Checkout sessions in EUR.
type StripeGateway struct {
	sc  *client.API
	cfg StripeConfig
}

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.SuccessURL == "" || cfg.CancelURL == "" {
		return nil, fmt.Errorf("stripe: success and cancel urls are required")
	}
	if _, err := url.Parse(cfg.SuccessURL); err != nil {
		return nil, fmt.Errorf("stripe: success url: %w", err)
	}
	return &StripeGateway{sc: client.New(cfg.SecretKey, nil), cfg: cfg}, nil
}

const sessionPlaceholder = "{CHECKOUT_SESSION_ID}"

func (g *StripeGateway) successURL(plan credits.Plan) string {
	u, err := url.Parse(g.cfg.SuccessURL)
	if err != nil {
		return g.cfg.SuccessURL
	}
	q := u.Query()
	if !strings.Contains(g.cfg.SuccessURL, sessionPlaceholder) {
		q.Set("session_id", sessionPlaceholder)
	}
	q.Set("plan", plan.ID)
	u.RawQuery = q.Encode()
	// Stripe substitutes only the literal placeholder.
	return strings.ReplaceAll(u.String(), url.QueryEscape(sessionPlaceholder), sessionPlaceholder)
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, plan credits.Plan, email string) (Checkout, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.successURL(plan)),
		CancelURL:  stripe.String(g.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyEUR)),
				UnitAmount: stripe.Int64(plan.PriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(fmt.Sprintf("ValueAI %s - %d credits", plan.Name, plan.Credits)),
					Description: stripe.String(plan.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		Metadata: map[string]string{
			"plan_id": plan.ID,
			"credits": strconv.Itoa(plan.Credits),
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx

	s, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("stripe: create checkout: %w", err)
	}
	return Checkout{Reference: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) Verify(ctx context.Context, reference string) (Confirmation, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.sc.CheckoutSessions.Get(reference, params)
	if err != nil {
		return Confirmation{}, fmt.Errorf("stripe: get checkout %s: %w", reference, err)
	}
	return confirmationFromSession(s), nil
}

func confirmationFromSession(s *stripe.CheckoutSession) Confirmation {
	c := Confirmation{
		Reference: s.ID,
		Paid:      s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Email:     s.CustomerEmail,
		Amount:    decimal.New(s.AmountTotal, -2),
		Currency:  string(s.Currency),
		PlanID:    s.Metadata["plan_id"],
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		c.Email = s.CustomerDetails.Email
	}
	if n, err := strconv.Atoi(s.Metadata["credits"]); err == nil {
		c.Credits = n
	}
	return c
}

func (g *StripeGateway) CompletedReference(payload []byte, signature string) (string, error) {
	if g.cfg.WebhookSecret == "" {
		return "", ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if ev.Type != stripe.EventTypeCheckoutSessionCompleted {
		return "", nil
	}
	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return "", fmt.Errorf("stripe: decode %s: %w", ev.Type, err)
	}
	return s.ID, nil
}
