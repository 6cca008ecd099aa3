package credits

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"valueai/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.BBoltStore) {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenBBolt: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2026, time.January, 5, 9, 30, 0, 0, time.UTC) }
	return svc, st
}

// brokenStore fails every ledger read and write.
type brokenStore struct {
	store.Store
}

var errDisk = errors.New("disk on fire")

func (brokenStore) Get(context.Context, string) (store.Entry, bool, error) {
	return store.Entry{}, false, errDisk
}

func (brokenStore) DecrementIfPositive(context.Context, string) (bool, int, error) {
	return false, 0, errDisk
}

// ---------------------------------------------------------------------------
// Validate / Debit
// ---------------------------------------------------------------------------

func TestDemoKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Provision(ctx, "DEMO-KEY", 3); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	valid, balance, err := svc.Validate(ctx, "demo-key")
	if err != nil || !valid || balance != 3 {
		t.Fatalf("Validate: valid=%v balance=%d err=%v", valid, balance, err)
	}
	for i := 0; i < 3; i++ {
		ok, err := svc.Debit(ctx, "demo-key")
		if err != nil || !ok {
			t.Fatalf("debit %d: ok=%v err=%v", i+1, ok, err)
		}
		_, balance, _ := svc.Validate(ctx, "DEMO-KEY")
		if balance != 2-i {
			t.Fatalf("after debit %d balance=%d want %d", i+1, balance, 2-i)
		}
	}
	ok, err := svc.Debit(ctx, "DEMO-KEY")
	if err != nil || ok {
		t.Fatalf("fourth debit: ok=%v err=%v", ok, err)
	}
	valid, balance, err = svc.Validate(ctx, "DEMO-KEY")
	if err != nil || valid || balance != 0 {
		t.Fatalf("final Validate: valid=%v balance=%d err=%v", valid, balance, err)
	}
}

func TestUnknownKey(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	valid, balance, err := svc.Validate(ctx, "NOPE")
	if err != nil || valid || balance != 0 {
		t.Fatalf("Validate: valid=%v balance=%d err=%v", valid, balance, err)
	}
	ok, err := svc.Debit(ctx, "NOPE")
	if err != nil || ok {
		t.Fatalf("Debit: ok=%v err=%v", ok, err)
	}
	if _, found, _ := st.Get(ctx, "NOPE"); found {
		t.Fatal("debit created a ledger entry")
	}
	if _, err := svc.Check(ctx, "NOPE"); !errors.Is(err, ErrUnknownKey) || !NoCredit(err) {
		t.Fatalf("Check: expected ErrUnknownKey, got %v", err)
	}
}

func TestCheckDistinguishesEmptyBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Provision(ctx, "EMPTY", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Check(ctx, "empty"); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
}

func TestStorageFailureIsInfrastructure(t *testing.T) {
	ctx := context.Background()
	svc := NewService(brokenStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, _, err := svc.Validate(ctx, "ANY"); !errors.Is(err, ErrInfrastructure) || NoCredit(err) {
		t.Fatalf("Validate: expected ErrInfrastructure, got %v", err)
	}
	ok, err := svc.Debit(ctx, "ANY")
	if ok || !errors.Is(err, ErrInfrastructure) || !errors.Is(err, errDisk) {
		t.Fatalf("Debit: expected wrapped infra error, got ok=%v err=%v", ok, err)
	}
}

func TestConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	const start, callers = 7, 30
	if _, err := svc.Provision(ctx, "TABS", start); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		good int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Debit(ctx, "tabs")
			if err != nil {
				t.Errorf("Debit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				good++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if good != start {
		t.Fatalf("expected %d successful debits, got %d", start, good)
	}
	if valid, balance, _ := svc.Validate(ctx, "TABS"); valid || balance != 0 {
		t.Fatalf("expected drained key, got valid=%v balance=%d", valid, balance)
	}
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

func TestProvisionRejectsDuplicatesAndNegatives(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Provision(ctx, "client-100", 50); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Provision(ctx, "CLIENT-100", 1); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if _, err := svc.Provision(ctx, "NEG", -5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Provision(ctx, "   ", 5); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	for _, k := range []string{strings.Repeat("X", 49), "TWO WORDS", "ZERO\x00WIDTH"} {
		if _, err := svc.Provision(ctx, k, 5); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Provision(%q): expected ErrInvalidKey, got %v", k, err)
		}
	}
	if _, err := svc.Provision(ctx, strings.Repeat("x", 48), 5); err != nil {
		t.Fatalf("48-byte key rejected: %v", err)
	}
}

func TestSetBalanceAndRemove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.SetBalance(ctx, "MISSING", 4); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := svc.Provision(ctx, "K1", 1); err != nil {
		t.Fatal(err)
	}
	e, err := svc.SetBalance(ctx, "k1", 25)
	if err != nil || e.Balance != 25 {
		t.Fatalf("SetBalance: %+v %v", e, err)
	}
	if err := svc.Remove(ctx, "K1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := svc.Remove(ctx, "K1"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

// removingStore deletes the key just before every balance update lands.
type removingStore struct {
	store.Store
}

func (r removingStore) Update(ctx context.Context, key string, balance int) (store.Entry, error) {
	_ = r.Store.Delete(ctx, key)
	return r.Store.Update(ctx, key, balance)
}

func TestSetBalanceDoesNotResurrectRemovedKey(t *testing.T) {
	ctx := context.Background()
	_, st := newTestService(t)
	svc := NewService(removingStore{st}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	issued, err := svc.Issue(ctx, starterPayment("cs_removed"))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.SetBalance(ctx, issued.LicenseKey, 99); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("SetBalance err = %v, want ErrUnknownKey", err)
	}
	if _, found, _ := st.Get(ctx, issued.LicenseKey); found {
		t.Fatal("removed key came back")
	}
}

func TestProvisionGeneratedRetriesCollisions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Provision(ctx, "VAI-2601-TAKEN000", 1); err != nil {
		t.Fatal(err)
	}
	keys := []string{"VAI-2601-TAKEN000", "VAI-2601-NEW00000"}
	svc.newKey = func() (string, error) {
		k := keys[0]
		keys = keys[1:]
		return k, nil
	}
	e, err := svc.ProvisionGenerated(ctx, 15)
	if err != nil || e.Key != "VAI-2601-NEW00000" || e.Balance != 15 {
		t.Fatalf("ProvisionGenerated: %+v %v", e, err)
	}
}

func TestSeedIfEmpty(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	seed := map[string]int{"DEMO-KEY": 3, "TEST-KEY": 10}
	if err := svc.SeedIfEmpty(ctx, seed); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetBalance(ctx, "DEMO-KEY", 0); err != nil {
		t.Fatal(err)
	}
	// A second start must not refill drained demo keys.
	if err := svc.SeedIfEmpty(ctx, seed); err != nil {
		t.Fatal(err)
	}
	if valid, _, _ := svc.Validate(ctx, "DEMO-KEY"); valid {
		t.Fatal("seed ran against a non-empty ledger")
	}
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

func starterPayment(ref string) Payment {
	return Payment{
		Reference: ref,
		Paid:      true,
		Email:     "buyer@example.com",
		Amount:    decimal.RequireFromString("5.00"),
		Currency:  "EUR",
		PlanID:    "starter",
		Credits:   10,
	}
}

func TestIssueStarterPlan(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	issued, err := svc.Issue(ctx, starterPayment("cs_test_starter"))
	if err != nil || !issued.Created {
		t.Fatalf("Issue: %+v %v", issued, err)
	}
	valid, balance, err := svc.Validate(ctx, issued.LicenseKey)
	if err != nil || !valid || balance != 10 {
		t.Fatalf("issued key: valid=%v balance=%d err=%v", valid, balance, err)
	}
	events, _ := svc.Payments(ctx)
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	ev := events[0]
	if ev.Credits != 10 || !ev.Amount.Equal(decimal.RequireFromString("5.00")) || ev.PlanID != "starter" ||
		ev.LicenseKey != issued.LicenseKey || ev.Currency != "eur" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestIssueTwiceForSameReference(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.Issue(ctx, starterPayment("cs_retry"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Issue(ctx, starterPayment("cs_retry"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.LicenseKey != first.LicenseKey {
		t.Fatalf("second issuance not deduplicated: %+v", second)
	}
	entries, _ := svc.Entries(ctx)
	events, _ := svc.Payments(ctx)
	if len(entries) != 1 || len(events) != 1 {
		t.Fatalf("expected 1 entry / 1 event, got %d / %d", len(entries), len(events))
	}
}

func TestIssueRefusesUnpaid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	p := starterPayment("cs_unpaid")
	p.Paid = false
	if _, err := svc.Issue(ctx, p); !errors.Is(err, ErrPaymentUnverified) {
		t.Fatalf("expected ErrPaymentUnverified, got %v", err)
	}
	p = starterPayment("cs_nocredits")
	p.Credits = 0
	if _, err := svc.Issue(ctx, p); !errors.Is(err, ErrIncompleteConfirmation) {
		t.Fatalf("expected ErrIncompleteConfirmation for zero credits, got %v", err)
	}
	if _, err := svc.Issue(ctx, p); errors.Is(err, ErrPaymentUnverified) {
		t.Fatalf("paid confirmation reported as unverified: %v", err)
	}
	entries, _ := svc.Entries(ctx)
	if len(entries) != 0 {
		t.Fatalf("unverified payment created %d entries", len(entries))
	}
}

// ---------------------------------------------------------------------------
// Reporting and reconciliation
// ---------------------------------------------------------------------------

func TestStatsAndCSV(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Issue(ctx, starterPayment("cs_a")); err != nil {
		t.Fatal(err)
	}
	pro := starterPayment("cs_b")
	pro.PlanID, pro.Credits, pro.Amount = "professional", 50, decimal.RequireFromString("20")
	if _, err := svc.Issue(ctx, pro); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Provision(ctx, "MANUAL", 4); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Transactions != 2 || st.CreditsSold != 60 || !st.Revenue.Equal(decimal.RequireFromString("25")) ||
		st.Licenses != 3 || st.CreditsOutstanding != 64 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	events, _ := svc.Payments(ctx)
	var buf bytes.Buffer
	if err := WritePaymentsCSV(&buf, events); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %q", buf.String())
	}
	if lines[0] != "timestamp,license_key,email,amount_eur,credits,plan_id" {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2026-01-05 09:30,VAI-") || !strings.HasSuffix(lines[1], ",buyer@example.com,5.00,10,starter") {
		t.Errorf("unexpected first row %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ",20.00,50,professional") {
		t.Errorf("unexpected second row %q", lines[2])
	}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	ok, err := svc.Issue(ctx, starterPayment("cs_ok"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Provision(ctx, "MANUAL-KEY", 5); err != nil {
		t.Fatal(err)
	}
	// Ledger written by a payment but the audit append never happened.
	if err := st.Create(ctx, store.Entry{Key: "ORPHAN-LEDGER", Balance: 10, Source: store.SourcePayment, Reference: "cs_lost"}); err != nil {
		t.Fatal(err)
	}
	// Audit row whose license was later removed.
	gone, err := svc.Issue(ctx, starterPayment("cs_gone"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Remove(ctx, gone.LicenseKey); err != nil {
		t.Fatal(err)
	}

	mismatches, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) != 2 {
		t.Fatalf("expected 2 mismatches, got %+v", mismatches)
	}
	if mismatches[0].Kind != MissingLedger || mismatches[0].LicenseKey != gone.LicenseKey {
		t.Errorf("unexpected first mismatch %+v", mismatches[0])
	}
	if mismatches[1].Kind != MissingAudit || mismatches[1].LicenseKey != "ORPHAN-LEDGER" || mismatches[1].Reference != "cs_lost" {
		t.Errorf("unexpected second mismatch %+v", mismatches[1])
	}
	for _, m := range mismatches {
		if m.LicenseKey == ok.LicenseKey || m.LicenseKey == "MANUAL-KEY" {
			t.Errorf("consistent license reported: %+v", m)
		}
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(DefaultPlans())
	p, ok := c.Get("starter")
	if !ok || p.Credits != 10 || !p.Price().Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("unexpected starter plan: %+v", p)
	}
	all := c.All()
	if len(all) != 4 || all[0].ID != "starter" || all[3].ID != "enterprise" {
		t.Fatalf("unexpected plan order: %+v", all)
	}
	if _, ok := c.Get("free-lunch"); ok {
		t.Fatal("unknown plan found")
	}
}
