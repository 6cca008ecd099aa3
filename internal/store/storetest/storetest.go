// Package storetest holds the behaviour every store.Store backend must share.
// Backends call Run from their own tests with a factory that returns an
// empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"valueai/internal/store"
)

// Run executes the conformance suite. open must return an empty store and
// register its own cleanup.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, st store.Store)
	}{
		{"SetGetIsCaseInsensitive", testSetGetIsCaseInsensitive},
		{"SetRejectsNegative", testSetRejectsNegative},
		{"SetKeepsSource", testSetKeepsSource},
		{"UpdateExisting", testUpdateExisting},
		{"UpdateMissingDoesNotCreate", testUpdateMissingDoesNotCreate},
		{"CreateRefusesExisting", testCreateRefusesExisting},
		{"DecrementIfPositive", testDecrementIfPositive},
		{"DecrementUnknownDoesNotCreate", testDecrementUnknownDoesNotCreate},
		{"ConcurrentDecrements", testConcurrentDecrements},
		{"DeleteAndList", testDeleteAndList},
		{"PaymentsKeepInsertionOrder", testPaymentsKeepInsertionOrder},
		{"IssueWritesLedgerAndAudit", testIssueWritesLedgerAndAudit},
		{"IssueIsIdempotentPerReference", testIssueIsIdempotentPerReference},
		{"IssueConcurrentSameReference", testIssueConcurrentSameReference},
		{"IssueRetriesOnCollision", testIssueRetriesOnCollision},
		{"IssueGivesUpAfterMaxAttempts", testIssueGivesUpAfterMaxAttempts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func testSetGetIsCaseInsensitive(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Set(ctx, "demo-key", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, ok, err := st.Get(ctx, "Demo-Key")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if e.Key != "DEMO-KEY" || e.Balance != 3 || e.Source != store.SourceManual {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func testSetRejectsNegative(t *testing.T, st store.Store) {
	if err := st.Set(context.Background(), "K", -1); !errors.Is(err, store.ErrNegative) {
		t.Fatalf("expected ErrNegative, got %v", err)
	}
}

func testSetKeepsSource(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Create(ctx, store.Entry{Key: "PAID-1", Balance: 10, Source: store.SourcePayment, Reference: "cs_1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Set(ctx, "paid-1", 4); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, _, _ := st.Get(ctx, "PAID-1")
	if e.Source != store.SourcePayment || e.Reference != "cs_1" || e.Balance != 4 {
		t.Fatalf("admin update lost provenance: %+v", e)
	}
}

func testUpdateExisting(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Create(ctx, store.Entry{Key: "PAID-2", Balance: 10, Source: store.SourcePayment, Reference: "cs_2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, err := st.Update(ctx, "paid-2", 99)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if e.Key != "PAID-2" || e.Balance != 99 || e.Source != store.SourcePayment || e.Reference != "cs_2" {
		t.Fatalf("Update returned %+v", e)
	}
	if _, err := st.Update(ctx, "PAID-2", -1); !errors.Is(err, store.ErrNegative) {
		t.Fatalf("expected ErrNegative, got %v", err)
	}
}

func testUpdateMissingDoesNotCreate(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Create(ctx, store.Entry{Key: "GONE", Balance: 5, Source: store.SourcePayment, Reference: "cs_gone"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Delete(ctx, "GONE"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Update(ctx, "GONE", 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, found, _ := st.Get(ctx, "GONE"); found {
		t.Fatal("update resurrected a deleted entry")
	}
}

func testCreateRefusesExisting(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Create(ctx, store.Entry{Key: "A", Balance: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(ctx, store.Entry{Key: "a", Balance: 50}); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	e, _, _ := st.Get(ctx, "A")
	if e.Balance != 1 {
		t.Fatalf("existing entry overwritten: %+v", e)
	}
}

func testDecrementIfPositive(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Set(ctx, "ONE", 1); err != nil {
		t.Fatal(err)
	}
	ok, remaining, err := st.DecrementIfPositive(ctx, "one")
	if err != nil || !ok || remaining != 0 {
		t.Fatalf("first decrement: ok=%v remaining=%d err=%v", ok, remaining, err)
	}
	ok, remaining, err = st.DecrementIfPositive(ctx, "ONE")
	if err != nil || ok || remaining != 0 {
		t.Fatalf("second decrement: ok=%v remaining=%d err=%v", ok, remaining, err)
	}
	e, _, _ := st.Get(ctx, "ONE")
	if e.Balance != 0 {
		t.Fatalf("balance went to %d", e.Balance)
	}
}

func testDecrementUnknownDoesNotCreate(t *testing.T, st store.Store) {
	ctx := context.Background()
	ok, _, err := st.DecrementIfPositive(ctx, "GHOST")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	if _, found, _ := st.Get(ctx, "GHOST"); found {
		t.Fatal("decrement created an entry for an unknown key")
	}
}

func testConcurrentDecrements(t *testing.T, st store.Store) {
	ctx := context.Background()
	const (
		start   = 20
		callers = 64
	)
	if err := st.Set(ctx, "SHARED", start); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		failed    atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, remaining, err := st.DecrementIfPositive(ctx, "shared")
			if err != nil {
				t.Errorf("decrement: %v", err)
				return
			}
			if remaining < 0 {
				t.Errorf("observed negative balance %d", remaining)
			}
			if ok {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != start || failed.Load() != callers-start {
		t.Fatalf("expected %d/%d, got %d ok / %d refused", start, callers-start, succeeded.Load(), failed.Load())
	}
	e, _, _ := st.Get(ctx, "SHARED")
	if e.Balance != 0 {
		t.Fatalf("final balance %d, want 0", e.Balance)
	}
}

func testDeleteAndList(t *testing.T, st store.Store) {
	ctx := context.Background()
	for k, v := range map[string]int{"B": 2, "A": 1, "C": 3} {
		if err := st.Set(ctx, k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, "B"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, err := st.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Key != "A" || list[1].Key != "C" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

// ---------------------------------------------------------------------------
// Audit log and issuance
// ---------------------------------------------------------------------------

func testPaymentsKeepInsertionOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		ev := store.PaymentEvent{
			LicenseKey: fmt.Sprintf("k-%02d", i),
			Amount:     decimal.NewFromInt(int64(i)),
			Currency:   "eur",
			Credits:    i + 1,
			PlanID:     "starter",
		}
		if err := st.AppendPayment(ctx, ev); err != nil {
			t.Fatalf("AppendPayment: %v", err)
		}
	}
	list, err := st.ListPayments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 12 {
		t.Fatalf("expected 12 events, got %d", len(list))
	}
	for i, ev := range list {
		if ev.Credits != i+1 || ev.LicenseKey != fmt.Sprintf("K-%02d", i) || ev.ID == "" {
			t.Fatalf("event %d out of order or incomplete: %+v", i, ev)
		}
	}
}

// issueReq hands out keys in order, wrapping around.
func issueReq(ref string, keys ...string) store.IssueRequest {
	var (
		mu sync.Mutex
		i  int
	)
	return store.IssueRequest{
		Reference: ref,
		Email:     "buyer@example.com",
		Amount:    decimal.RequireFromString("5.00"),
		Currency:  "eur",
		Credits:   10,
		PlanID:    "starter",
		NewKey: func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			k := keys[i%len(keys)]
			i++
			return k, nil
		},
	}
}

func testIssueWritesLedgerAndAudit(t *testing.T, st store.Store) {
	ctx := context.Background()
	ev, created, err := st.Issue(ctx, issueReq("cs_test_1", "VAI-2601-AAAAAAAA"))
	if err != nil || !created {
		t.Fatalf("Issue: created=%v err=%v", created, err)
	}
	e, ok, _ := st.Get(ctx, ev.LicenseKey)
	if !ok || e.Balance != 10 || e.Source != store.SourcePayment || e.Reference != "cs_test_1" {
		t.Fatalf("unexpected ledger entry: %+v", e)
	}
	events, _ := st.ListPayments(ctx)
	if len(events) != 1 || !events[0].Amount.Equal(decimal.RequireFromString("5")) || events[0].PlanID != "starter" {
		t.Fatalf("unexpected audit log: %+v", events)
	}
}

func testIssueIsIdempotentPerReference(t *testing.T, st store.Store) {
	ctx := context.Background()
	first, _, err := st.Issue(ctx, issueReq("cs_dup", "VAI-2601-AAAAAAAA"))
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := st.Issue(ctx, issueReq("cs_dup", "VAI-2601-BBBBBBBB"))
	if err != nil {
		t.Fatal(err)
	}
	if created || second.LicenseKey != first.LicenseKey || second.ID != first.ID {
		t.Fatalf("duplicate issuance: created=%v first=%+v second=%+v", created, first, second)
	}
	list, _ := st.List(ctx)
	events, _ := st.ListPayments(ctx)
	if len(list) != 1 || len(events) != 1 {
		t.Fatalf("expected one entry and one event, got %d and %d", len(list), len(events))
	}
}

func testIssueConcurrentSameReference(t *testing.T, st store.Store) {
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		created atomic.Int64
		mu      sync.Mutex
		keys    = map[string]bool{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, c, err := st.Issue(ctx, issueReq("cs_race", fmt.Sprintf("VAI-2601-%08d", i)))
			if err != nil {
				t.Errorf("Issue: %v", err)
				return
			}
			if c {
				created.Add(1)
			}
			mu.Lock()
			keys[ev.LicenseKey] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Fatalf("expected exactly one issuance, got %d", created.Load())
	}
	if len(keys) != 1 {
		t.Fatalf("callers saw %d different keys", len(keys))
	}
	list, _ := st.List(ctx)
	events, _ := st.ListPayments(ctx)
	if len(list) != 1 || len(events) != 1 {
		t.Fatalf("expected one entry and one event, got %d and %d", len(list), len(events))
	}
}

func testIssueRetriesOnCollision(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Set(ctx, "VAI-2601-TAKEN000", 7); err != nil {
		t.Fatal(err)
	}
	ev, _, err := st.Issue(ctx, issueReq("cs_collide", "VAI-2601-TAKEN000", "VAI-2601-FRESH000"))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if ev.LicenseKey != "VAI-2601-FRESH000" {
		t.Fatalf("expected fresh key, got %s", ev.LicenseKey)
	}
	taken, _, _ := st.Get(ctx, "VAI-2601-TAKEN000")
	if taken.Balance != 7 || taken.Source != store.SourceManual {
		t.Fatalf("existing entry was overwritten: %+v", taken)
	}
}

func testIssueGivesUpAfterMaxAttempts(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.Set(ctx, "STUCK", 1); err != nil {
		t.Fatal(err)
	}
	_, _, err := st.Issue(ctx, issueReq("cs_stuck", "STUCK"))
	if !errors.Is(err, store.ErrKeyCollision) {
		t.Fatalf("expected ErrKeyCollision, got %v", err)
	}
	events, _ := st.ListPayments(ctx)
	if len(events) != 0 {
		t.Fatalf("failed issuance left %d audit events", len(events))
	}
	list, _ := st.List(ctx)
	if len(list) != 1 {
		t.Fatalf("failed issuance left %d ledger entries", len(list))
	}
}
