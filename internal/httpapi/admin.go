package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"valueai/internal/credits"
	"valueai/internal/session"
	"valueai/internal/store"
)

func (a *API) adminRoutes(r chi.Router) {
	r.Post("/session", a.handleAdminSession)

	r.Group(func(r chi.Router) {
		r.Use(session.Require(a.sessions, session.RoleAdmin))
		r.Get("/licenses", a.handleAdminListLicenses)
		r.Post("/licenses", a.handleAdminCreateLicense)
		r.Put("/licenses/{key}", a.handleAdminSetCredits)
		r.Delete("/licenses/{key}", a.handleAdminDeleteLicense)
		r.Get("/payments", a.handleAdminPayments)
		r.Get("/payments.csv", a.handleAdminPaymentsCSV)
		r.Get("/reconcile", a.handleAdminReconcile)
		r.Get("/system", a.handleAdminSystem)
	})
}

type adminSessionReq struct {
	Password string `json:"password"`
}

func (a *API) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	var req adminSessionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	tok, exp, err := a.sessions.AdminLogin(req.Password)
	switch {
	case errors.Is(err, session.ErrAdminDisabled):
		writeProblem(w, http.StatusForbidden, "admin_disabled", "Admin access is not configured.")
		return
	case errors.Is(err, session.ErrBadPassword):
		a.log.WarnContext(r.Context(), "admin login failed", "request_id", requestIDFromContext(r.Context()))
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials.")
		return
	case err != nil:
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{Token: tok, ExpiresAt: exp})
}

type licenseList struct {
	Licenses     []store.Entry `json:"licenses"`
	TotalKeys    int           `json:"total_licenses"`
	TotalCredits int           `json:"total_credits"`
}

func (a *API) handleAdminListLicenses(w http.ResponseWriter, r *http.Request) {
	list, err := a.ledger.Entries(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := licenseList{Licenses: list, TotalKeys: len(list)}
	for _, e := range list {
		out.TotalCredits += e.Balance
	}
	writeJSON(w, http.StatusOK, out)
}

type createLicenseReq struct {
	LicenseKey string `json:"license_key"`
	Credits    int    `json:"credits"`
}

func (a *API) handleAdminCreateLicense(w http.ResponseWriter, r *http.Request) {
	var req createLicenseReq
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		e   store.Entry
		err error
	)
	if req.LicenseKey == "" {
		e, err = a.ledger.ProvisionGenerated(r.Context(), req.Credits)
	} else {
		e, err = a.ledger.Provision(r.Context(), req.LicenseKey, req.Credits)
	}
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type setCreditsReq struct {
	Credits int `json:"credits"`
}

func (a *API) handleAdminSetCredits(w http.ResponseWriter, r *http.Request) {
	var req setCreditsReq
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := a.ledger.SetBalance(r.Context(), chi.URLParam(r, "key"), req.Credits)
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleAdminDeleteLicense(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.Remove(r.Context(), chi.URLParam(r, "key")); err != nil {
		a.writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminPayments(w http.ResponseWriter, r *http.Request) {
	list, err := a.ledger.Payments(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	stats, err := a.ledger.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": list, "stats": stats})
}

func (a *API) handleAdminPaymentsCSV(w http.ResponseWriter, r *http.Request) {
	list, err := a.ledger.Payments(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("valueai_payments_%s.csv", time.Now().UTC().Format("20060102"))
	w.Header().Set("content-type", "text/csv; charset=utf-8")
	w.Header().Set("content-disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if err := credits.WritePaymentsCSV(w, list); err != nil {
		a.log.ErrorContext(r.Context(), "csv export interrupted", "err", err)
	}
}

func (a *API) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	mm, err := a.ledger.Reconcile(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mismatches": mm, "ok": len(mm) == 0})
}

func (a *API) handleAdminSystem(w http.ResponseWriter, r *http.Request) {
	stats, err := a.ledger.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system":           a.system,
		"payments_enabled": a.checkout.Enabled(),
		"admin_enabled":    a.sessions.AdminEnabled(),
		"plans":            len(a.checkout.Plans()),
		"stats":            stats,
	})
}

// writeAdminError reports ledger errors truthfully; administrators may see
// whether a key exists.
func (a *API) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credits.ErrUnknownKey):
		writeProblem(w, http.StatusNotFound, "unknown_key", "No such license key.")
	case errors.Is(err, credits.ErrKeyExists):
		writeProblem(w, http.StatusConflict, "key_exists", "License key already exists.")
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrEmptyKey),
		errors.Is(err, credits.ErrInvalidKey):
		writeProblem(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		a.writeError(w, r, err)
	}
}
