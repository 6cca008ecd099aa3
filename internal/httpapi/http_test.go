package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"valueai/internal/appraisal"
	"valueai/internal/credits"
	"valueai/internal/payments"
	"valueai/internal/session"
	"valueai/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeAppraiser debits through the real ledger so balances stay honest.
type fakeAppraiser struct {
	ledger *credits.Service
	err    error
}

func (f *fakeAppraiser) Appraise(ctx context.Context, key string, img appraisal.Image) (appraisal.Result, error) {
	if err := img.Validate(); err != nil {
		return appraisal.Result{}, err
	}
	if f.err != nil {
		return appraisal.Result{}, f.err
	}
	ok, remaining, err := f.ledger.DebitRemaining(ctx, key)
	if err != nil {
		return appraisal.Result{}, err
	}
	if !ok {
		return appraisal.Result{}, credits.ErrInsufficientCredit
	}
	return appraisal.Result{
		Valuation: appraisal.Valuation{ItemName: "Vase", PriceNew: decimal.NewFromInt(80)},
		Remaining: remaining,
	}, nil
}

type fakeCheckout struct {
	mu      sync.Mutex
	ledger  *credits.Service
	paid    map[string]bool
	hookErr error
}

func (f *fakeCheckout) Enabled() bool { return true }

func (f *fakeCheckout) Plans() []credits.Plan { return credits.DefaultPlans() }

func (f *fakeCheckout) StartCheckout(_ context.Context, planID, _ string) (payments.Checkout, error) {
	if _, ok := credits.NewCatalog(credits.DefaultPlans()).Get(planID); !ok {
		return payments.Checkout{}, payments.ErrUnknownPlan
	}
	return payments.Checkout{Reference: "cs_" + planID, URL: "https://pay.example/cs_" + planID}, nil
}

func (f *fakeCheckout) Complete(ctx context.Context, ref string) (credits.Issued, error) {
	f.mu.Lock()
	paid := f.paid[ref]
	f.mu.Unlock()
	return f.ledger.Issue(ctx, credits.Payment{
		Reference: ref, Paid: paid, Amount: decimal.NewFromInt(5), PlanID: "starter", Credits: 10,
	})
}

func (f *fakeCheckout) HandleWebhook(context.Context, []byte, string) error { return f.hookErr }

type harness struct {
	srv       *httptest.Server
	ledger    *credits.Service
	appraiser *fakeAppraiser
	checkout  *fakeCheckout
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenBBolt: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ledger := credits.NewService(st, quiet)

	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	iss, err := session.NewIssuer([]byte(strings.Repeat("k", 32)), time.Hour, string(hash))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	h := &harness{
		ledger:    ledger,
		appraiser: &fakeAppraiser{ledger: ledger},
		checkout:  &fakeCheckout{ledger: ledger, paid: map[string]bool{}},
	}
	api := New(Options{
		Ledger:    ledger,
		Appraiser: h.appraiser,
		Checkout:  h.checkout,
		Sessions:  iss,
		System:    SystemInfo{StoreDriver: "bbolt", AIModel: "fake"},
		Log:       quiet,
	})
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, h.srv.URL+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (h *harness) login(t *testing.T, key string) string {
	t.Helper()
	resp, out := h.do(t, http.MethodPost, "/v1/session", "", map[string]string{"license_key": key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d %v", key, resp.StatusCode, out)
	}
	return out["token"].(string)
}

func (h *harness) adminToken(t *testing.T) string {
	t.Helper()
	resp, out := h.do(t, http.MethodPost, "/v1/admin/session", "", map[string]string{"password": "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin login: %d %v", resp.StatusCode, out)
	}
	return out["token"].(string)
}

func (h *harness) upload(t *testing.T, token string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "item.png")
	_, _ = fw.Write(data)
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/appraisals", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

// ---------------------------------------------------------------------------
// Public surface
// ---------------------------------------------------------------------------

func TestHealthzAndRequestID(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("status=%d request id=%q", resp.StatusCode, resp.Header.Get("X-Request-Id"))
	}
}

func TestPlans(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodGet, "/v1/plans", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if plans, _ := out["plans"].([]any); len(plans) != 4 {
		t.Fatalf("plans = %v", out["plans"])
	}
}

func TestSessionUnknownAndEmptyKeysLookAlike(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ledger.Provision(context.Background(), "EMPTY", 0); err != nil {
		t.Fatal(err)
	}
	_, unknown := h.do(t, http.MethodPost, "/v1/session", "", map[string]string{"license_key": "NOPE"})
	resp, empty := h.do(t, http.MethodPost, "/v1/session", "", map[string]string{"license_key": "EMPTY"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fmt.Sprint(unknown) != fmt.Sprint(empty) {
		t.Fatalf("unknown %v differs from empty %v", unknown, empty)
	}
}

func TestAppraisalFlowConsumesCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.ledger.Provision(ctx, "DEMO-KEY", 2); err != nil {
		t.Fatal(err)
	}
	tok := h.login(t, "demo-key")

	for want := 1; want >= 0; want-- {
		resp, out := h.upload(t, tok, pngBytes)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("appraisal: %d %v", resp.StatusCode, out)
		}
		if got := out["credits_remaining"].(float64); int(got) != want {
			t.Fatalf("credits_remaining = %v, want %d", got, want)
		}
	}
	resp, out := h.upload(t, tok, pngBytes)
	if resp.StatusCode != http.StatusPaymentRequired || out["error"] != "no_credits" {
		t.Fatalf("exhausted key: %d %v", resp.StatusCode, out)
	}

	_, bal := h.do(t, http.MethodGet, "/v1/balance", tok, nil)
	if bal["credits"].(float64) != 0 {
		t.Fatalf("balance = %v", bal)
	}
}

func TestAppraisalErrorMapping(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ledger.Provision(context.Background(), "K", 5); err != nil {
		t.Fatal(err)
	}
	tok := h.login(t, "K")

	cases := []struct {
		name   string
		err    error
		data   []byte
		status int
		code   string
	}{
		{"parse", fmt.Errorf("%w: junk", appraisal.ErrAnalysisParse), pngBytes, http.StatusUnprocessableEntity, "analysis_unparseable"},
		{"infra", fmt.Errorf("analyze: %w: dial tcp: refused", credits.ErrInfrastructure), pngBytes, http.StatusServiceUnavailable, "temporarily_unavailable"},
		{"gif", nil, []byte("GIF89a........"), http.StatusUnsupportedMediaType, "unsupported_image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.appraiser.err = tc.err
			resp, out := h.upload(t, tok, tc.data)
			if resp.StatusCode != tc.status || out["error"] != tc.code {
				t.Fatalf("got %d %v, want %d %s", resp.StatusCode, out, tc.status, tc.code)
			}
			if strings.Contains(fmt.Sprint(out), "dial tcp") {
				t.Fatalf("transport detail leaked: %v", out)
			}
		})
	}
}

func TestAppraisalRequiresSession(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.upload(t, "", pngBytes)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

func TestCheckoutFlow(t *testing.T) {
	h := newHarness(t)

	resp, out := h.do(t, http.MethodPost, "/v1/checkout", "", map[string]string{"plan_id": "gold"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown plan: %d %v", resp.StatusCode, out)
	}
	resp, out = h.do(t, http.MethodPost, "/v1/checkout", "", map[string]string{"plan_id": "starter"})
	if resp.StatusCode != http.StatusOK || out["reference"] != "cs_starter" {
		t.Fatalf("checkout: %d %v", resp.StatusCode, out)
	}

	resp, out = h.do(t, http.MethodGet, "/v1/checkout/complete?session_id=cs_starter", "", nil)
	if resp.StatusCode != http.StatusPaymentRequired || out["error"] != "payment_unverified" {
		t.Fatalf("unpaid complete: %d %v", resp.StatusCode, out)
	}

	h.checkout.mu.Lock()
	h.checkout.paid["cs_starter"] = true
	h.checkout.mu.Unlock()

	_, first := h.do(t, http.MethodGet, "/v1/checkout/complete?session_id=cs_starter", "", nil)
	_, second := h.do(t, http.MethodGet, "/v1/checkout/complete?session_id=cs_starter", "", nil)
	if first["license_key"] == nil || first["license_key"] != second["license_key"] {
		t.Fatalf("first=%v second=%v", first, second)
	}
	if first["created"] != true || second["created"] != false {
		t.Fatalf("created flags: %v / %v", first["created"], second["created"])
	}
	if tok, _ := first["token"].(string); tok == "" {
		t.Fatal("completion did not start a session")
	}

	entries, _ := h.ledger.Entries(context.Background())
	if len(entries) != 1 || entries[0].Balance != 10 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestWebhookErrors(t *testing.T) {
	h := newHarness(t)
	h.checkout.hookErr = fmt.Errorf("%w: no signatures found", payments.ErrBadSignature)
	resp, out := h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "bad_signature" {
		t.Fatalf("bad signature: %d %v", resp.StatusCode, out)
	}

	h.checkout.hookErr = fmt.Errorf("issue license: %w: %w", credits.ErrInfrastructure, errors.New("db closed"))
	resp, _ = h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", map[string]string{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("infra failure: %d", resp.StatusCode)
	}

	// paid but unmappable: must not be acknowledged
	h.checkout.hookErr = fmt.Errorf("%w (reference=%q)", credits.ErrIncompleteConfirmation, "cs_x")
	resp, _ = h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", map[string]string{})
	if resp.StatusCode < 300 {
		t.Fatalf("incomplete confirmation acknowledged: %d", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdminRequiresAdminRole(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ledger.Provision(context.Background(), "K", 1); err != nil {
		t.Fatal(err)
	}
	licTok := h.login(t, "K")

	resp, _ := h.do(t, http.MethodGet, "/v1/admin/licenses", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/v1/admin/licenses", licTok, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("license session: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/v1/admin/session", "", map[string]string{"password": "admin123"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}
}

func TestAdminLicenseCRUD(t *testing.T) {
	h := newHarness(t)
	tok := h.adminToken(t)

	resp, out := h.do(t, http.MethodPost, "/v1/admin/licenses", tok, map[string]any{"license_key": "client-100", "credits": 50})
	if resp.StatusCode != http.StatusCreated || out["license_key"] != "CLIENT-100" {
		t.Fatalf("create: %d %v", resp.StatusCode, out)
	}
	resp, _ = h.do(t, http.MethodPost, "/v1/admin/licenses", tok, map[string]any{"license_key": "CLIENT-100", "credits": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: %d", resp.StatusCode)
	}
	resp, out = h.do(t, http.MethodPost, "/v1/admin/licenses", tok, map[string]any{"credits": 7})
	if resp.StatusCode != http.StatusCreated || !strings.HasPrefix(out["license_key"].(string), "VAI-") {
		t.Fatalf("generated create: %d %v", resp.StatusCode, out)
	}

	resp, out = h.do(t, http.MethodPut, "/v1/admin/licenses/client-100", tok, map[string]int{"credits": 3})
	if resp.StatusCode != http.StatusOK || out["credits"].(float64) != 3 {
		t.Fatalf("set: %d %v", resp.StatusCode, out)
	}
	resp, _ = h.do(t, http.MethodPut, "/v1/admin/licenses/GHOST", tok, map[string]int{"credits": 3})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("set unknown: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPut, "/v1/admin/licenses/CLIENT-100", tok, map[string]int{"credits": -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("set negative: %d", resp.StatusCode)
	}

	_, list := h.do(t, http.MethodGet, "/v1/admin/licenses", tok, nil)
	if list["total_licenses"].(float64) != 2 || list["total_credits"].(float64) != 10 {
		t.Fatalf("list totals = %v", list)
	}

	resp, _ = h.do(t, http.MethodDelete, "/v1/admin/licenses/CLIENT-100", tok, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodDelete, "/v1/admin/licenses/CLIENT-100", tok, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: %d", resp.StatusCode)
	}
}

func TestAdminPaymentsAndCSV(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.ledger.Issue(ctx, credits.Payment{
		Reference: "cs_1", Paid: true, Email: "a@b.c", Amount: decimal.RequireFromString("20.00"),
		PlanID: "professional", Credits: 50,
	}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tok := h.adminToken(t)

	_, out := h.do(t, http.MethodGet, "/v1/admin/payments", tok, nil)
	stats := out["stats"].(map[string]any)
	if stats["transactions"].(float64) != 1 || stats["credits_sold"].(float64) != 50 {
		t.Fatalf("stats = %v", stats)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/admin/payments.csv", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || lines[0] != "timestamp,license_key,email,amount_eur,credits,plan_id" {
		t.Fatalf("csv = %q", body)
	}
	if !strings.HasSuffix(lines[1], ",a@b.c,20.00,50,professional") {
		t.Fatalf("csv row = %q", lines[1])
	}

	_, rec := h.do(t, http.MethodGet, "/v1/admin/reconcile", tok, nil)
	if rec["ok"] != true {
		t.Fatalf("reconcile = %v", rec)
	}
	resp2, sys := h.do(t, http.MethodGet, "/v1/admin/system", tok, nil)
	if resp2.StatusCode != http.StatusOK || sys["payments_enabled"] != true {
		t.Fatalf("system = %d %v", resp2.StatusCode, sys)
	}
}
