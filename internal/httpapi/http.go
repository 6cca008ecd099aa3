package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"valueai/internal/appraisal"
	"valueai/internal/credits"
	"valueai/internal/license"
	"valueai/internal/payments"
	"valueai/internal/session"
	"valueai/internal/store"
)

// Ledger is the part of credits.Service the HTTP surface uses.
type Ledger interface {
	Validate(ctx context.Context, key string) (bool, int, error)
	Provision(ctx context.Context, key string, credits int) (store.Entry, error)
	ProvisionGenerated(ctx context.Context, credits int) (store.Entry, error)
	SetBalance(ctx context.Context, key string, credits int) (store.Entry, error)
	Remove(ctx context.Context, key string) error
	Entries(ctx context.Context) ([]store.Entry, error)
	Payments(ctx context.Context) ([]store.PaymentEvent, error)
	Stats(ctx context.Context) (credits.Stats, error)
	Reconcile(ctx context.Context) ([]credits.Mismatch, error)
}

type Appraiser interface {
	Appraise(ctx context.Context, key string, img appraisal.Image) (appraisal.Result, error)
}

type Checkout interface {
	Enabled() bool
	Plans() []credits.Plan
	StartCheckout(ctx context.Context, planID, email string) (payments.Checkout, error)
	Complete(ctx context.Context, reference string) (credits.Issued, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// SystemInfo is static deployment information shown to administrators.
type SystemInfo struct {
	StoreDriver string    `json:"store_driver"`
	AIModel     string    `json:"ai_model"`
	StartedAt   time.Time `json:"started_at"`
}

type Options struct {
	Ledger      Ledger
	Appraiser   Appraiser
	Checkout    Checkout
	Sessions    *session.Issuer
	System      SystemInfo
	CORSOrigins []string
	Log         *slog.Logger
}

type API struct {
	ledger    Ledger
	appraiser Appraiser
	checkout  Checkout
	sessions  *session.Issuer
	system    SystemInfo
	origins   []string
	log       *slog.Logger
}

func New(o Options) *API {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return &API{
		ledger:    o.Ledger,
		appraiser: o.Appraiser,
		checkout:  o.Checkout,
		sessions:  o.Sessions,
		system:    o.System,
		origins:   o.CORSOrigins,
		log:       o.Log,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware(a.log), recoverMiddleware(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/plans", a.handlePlans)
		r.Post("/session", a.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(session.Require(a.sessions, session.RoleLicense))
			r.Get("/balance", a.handleBalance)
			r.Post("/appraisals", a.handleAppraisal)
		})

		r.Post("/checkout", a.handleCheckout)
		r.Get("/checkout/complete", a.handleCheckoutComplete)
		r.Get("/checkout/cancel", a.handleCheckoutCancel)
		r.Post("/webhooks/stripe", a.handleStripeWebhook)

		r.Route("/admin", a.adminRoutes)
	})

	origins := a.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:8501"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	}).Handler(r)
}

func (a *API) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"currency": "EUR",
		"plans":    a.checkout.Plans(),
	})
}

type sessionReq struct {
	LicenseKey string `json:"license_key"`
}

type sessionResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Credits   int       `json:"credits,omitempty"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	valid, balance, err := a.ledger.Validate(r.Context(), req.LicenseKey)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !valid {
		a.writeError(w, r, credits.ErrInsufficientCredit)
		return
	}
	key := license.Normalize(req.LicenseKey)
	tok, exp, err := a.sessions.Issue(key, session.RoleLicense)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{Token: tok, ExpiresAt: exp, Credits: balance})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	key := session.LicenseFromCtx(r.Context())
	_, balance, err := a.ledger.Validate(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"license_key": key, "credits": balance})
}

func (a *API) handleAppraisal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, appraisal.MaxImageBytes+1<<20)
	if err := r.ParseMultipartForm(appraisal.MaxImageBytes); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_upload", "expected multipart form with an image field")
		return
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_upload", "missing image field")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, appraisal.MaxImageBytes+1))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_upload", "could not read image")
		return
	}
	img := appraisal.Image{Data: data, MIME: http.DetectContentType(data)}

	res, err := a.appraiser.Appraise(r.Context(), session.LicenseFromCtx(r.Context()), img)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkoutReq struct {
	PlanID string `json:"plan_id"`
	Email  string `json:"email"`
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if !decodeJSON(w, r, &req) {
		return
	}
	co, err := a.checkout.StartCheckout(r.Context(), req.PlanID, req.Email)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

type completeResp struct {
	credits.Issued
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// handleCheckoutComplete is the success redirect target. It never trusts
// the redirect itself; Complete re-verifies with the provider.
func (a *API) handleCheckoutComplete(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("session_id")
	if ref == "" {
		writeProblem(w, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	issued, err := a.checkout.Complete(r.Context(), ref)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := completeResp{Issued: issued}
	if tok, exp, err := a.sessions.Issue(issued.LicenseKey, session.RoleLicense); err == nil {
		resp.Token, resp.ExpiresAt = tok, exp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckoutCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancelled",
		"message": "Payment cancelled. You have not been charged.",
	})
}

func (a *API) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if err := a.checkout.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return false
	}
	return true
}

type problem struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps domain errors onto status codes. Transport and storage
// details are logged, never returned.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case credits.NoCredit(err):
		writeProblem(w, http.StatusPaymentRequired, "no_credits",
			"No credits remaining for this license key. Buy a plan to continue.")
	case errors.Is(err, appraisal.ErrAnalysisParse):
		writeProblem(w, http.StatusUnprocessableEntity, "analysis_unparseable",
			"The valuation could not be read. No credit was used; please try again.")
	case errors.Is(err, appraisal.ErrUnsupportedImage):
		writeProblem(w, http.StatusUnsupportedMediaType, "unsupported_image",
			"Upload a JPEG or PNG image up to 10 MB.")
	case errors.Is(err, credits.ErrPaymentUnverified):
		writeProblem(w, http.StatusPaymentRequired, "payment_unverified",
			"The payment has not been confirmed by the payment provider.")
	case errors.Is(err, payments.ErrUnknownPlan):
		writeProblem(w, http.StatusNotFound, "unknown_plan", "No such plan.")
	case errors.Is(err, payments.ErrBadSignature):
		writeProblem(w, http.StatusBadRequest, "bad_signature", "Webhook signature rejected.")
	default:
		a.log.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "err", err)
		writeProblem(w, http.StatusServiceUnavailable, "temporarily_unavailable",
			"The service is temporarily unavailable. Please try again shortly.")
	}
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, problem{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
