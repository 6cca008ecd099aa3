// Package postgres is the PostgreSQL backend for the ledger and the audit
// log. Per-key atomicity comes from guarded single-row UPDATEs; issuance runs
// in one transaction and relies on the unique payments.reference index to
// reject a second issuance for the same checkout.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"valueai/internal/license"
	"valueai/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, verifies the connection and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const entryColumns = `license_key, balance, source, reference, created_at, updated_at`

func scanEntry(row pgx.Row) (store.Entry, error) {
	var (
		e      store.Entry
		source string
	)
	if err := row.Scan(&e.Key, &e.Balance, &source, &e.Reference, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return store.Entry{}, err
	}
	e.Source = store.Source(source)
	return e, nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM licenses WHERE license_key = $1`, license.Normalize(key)))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key string, balance int) error {
	if balance < 0 {
		return store.ErrNegative
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO licenses (license_key, balance, source)
		VALUES ($1, $2, 'manual')
		ON CONFLICT (license_key) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
	`, license.Normalize(key), balance)
	return err
}

func (s *Store) Update(ctx context.Context, key string, balance int) (store.Entry, error) {
	if balance < 0 {
		return store.Entry{}, store.ErrNegative
	}
	e, err := scanEntry(s.pool.QueryRow(ctx, `
		UPDATE licenses SET balance = $2, updated_at = now()
		WHERE license_key = $1
		RETURNING `+entryColumns, license.Normalize(key), balance))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return store.Entry{}, err
	}
	return e, nil
}

func (s *Store) Create(ctx context.Context, e store.Entry) error {
	if e.Balance < 0 {
		return store.ErrNegative
	}
	key := license.Normalize(e.Key)
	if key == "" {
		return fmt.Errorf("license key is empty")
	}
	if e.Source == "" {
		e.Source = store.SourceManual
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO licenses (license_key, balance, source, reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (license_key) DO NOTHING
	`, key, e.Balance, string(e.Source), e.Reference, created)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrExists
	}
	return nil
}

func (s *Store) DecrementIfPositive(ctx context.Context, key string) (bool, int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE licenses SET balance = balance - 1, updated_at = now()
		WHERE license_key = $1 AND balance > 0
		RETURNING balance
	`, license.Normalize(key)).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, remaining, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM licenses WHERE license_key = $1`, license.Normalize(key))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]store.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM licenses ORDER BY license_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]store.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const paymentColumns = `id, COALESCE(reference, ''), license_key, created_at, email, amount::text, currency, credits, plan_id`

func scanPayment(row pgx.Row) (store.PaymentEvent, error) {
	var (
		ev     store.PaymentEvent
		amount string
	)
	if err := row.Scan(&ev.ID, &ev.Reference, &ev.LicenseKey, &ev.Timestamp, &ev.Email, &amount, &ev.Currency, &ev.Credits, &ev.PlanID); err != nil {
		return store.PaymentEvent{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return store.PaymentEvent{}, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	ev.Amount = d
	return ev, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPayment(ctx context.Context, db execer, ev store.PaymentEvent) error {
	var ref any
	if ev.Reference != "" {
		ref = ev.Reference
	}
	_, err := db.Exec(ctx, `
		INSERT INTO payments (id, reference, license_key, email, amount, currency, credits, plan_id, created_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9)
	`, ev.ID, ref, ev.LicenseKey, ev.Email, ev.Amount.StringFixed(2), ev.Currency, ev.Credits, ev.PlanID, ev.Timestamp)
	return err
}

func (s *Store) AppendPayment(ctx context.Context, ev store.PaymentEvent) error {
	ev.LicenseKey = license.Normalize(ev.LicenseKey)
	if ev.ID == "" {
		id, err := license.NewPaymentID()
		if err != nil {
			return err
		}
		ev.ID = id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	err := insertPayment(ctx, s.pool, ev)
	if isUniqueViolation(err) {
		return store.ErrExists
	}
	return err
}

func (s *Store) ListPayments(ctx context.Context) ([]store.PaymentEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]store.PaymentEvent, 0)
	for rows.Next() {
		ev, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) paymentByReference(ctx context.Context, ref string) (store.PaymentEvent, bool, error) {
	ev, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PaymentEvent{}, false, nil
	}
	if err != nil {
		return store.PaymentEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) Issue(ctx context.Context, req store.IssueRequest) (store.PaymentEvent, bool, error) {
	if req.Reference == "" {
		return store.PaymentEvent{}, false, fmt.Errorf("payment reference is required")
	}
	if req.Credits <= 0 {
		return store.PaymentEvent{}, false, fmt.Errorf("credits must be > 0")
	}
	if ev, found, err := s.paymentByReference(ctx, req.Reference); err != nil || found {
		return ev, false, err
	}
	if req.NewKey == nil {
		req.NewKey = license.NewKey
	}
	if req.EventID == "" {
		id, err := license.NewPaymentID()
		if err != nil {
			return store.PaymentEvent{}, false, err
		}
		req.EventID = id
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	ev, err := s.issueTx(ctx, req, at)
	if isUniqueViolation(err) {
		// A concurrent delivery for the same reference committed first.
		existing, found, lookupErr := s.paymentByReference(ctx, req.Reference)
		if lookupErr != nil {
			return store.PaymentEvent{}, false, lookupErr
		}
		if found {
			return existing, false, nil
		}
	}
	if err != nil {
		return store.PaymentEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) issueTx(ctx context.Context, req store.IssueRequest, at time.Time) (store.PaymentEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.PaymentEvent{}, err
	}
	defer tx.Rollback(ctx)

	key := ""
	for i := 0; i < store.MaxKeyAttempts && key == ""; i++ {
		candidate, err := req.NewKey()
		if err != nil {
			return store.PaymentEvent{}, err
		}
		candidate = license.Normalize(candidate)
		if candidate == "" {
			continue
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO licenses (license_key, balance, source, reference, created_at, updated_at)
			VALUES ($1, $2, 'payment', $3, $4, $4)
			ON CONFLICT (license_key) DO NOTHING
		`, candidate, req.Credits, req.Reference, at)
		if err != nil {
			return store.PaymentEvent{}, err
		}
		if tag.RowsAffected() == 1 {
			key = candidate
		}
	}
	if key == "" {
		return store.PaymentEvent{}, store.ErrKeyCollision
	}

	ev := store.PaymentEvent{
		ID:         req.EventID,
		Reference:  req.Reference,
		LicenseKey: key,
		Timestamp:  at,
		Email:      req.Email,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Credits:    req.Credits,
		PlanID:     req.PlanID,
	}
	if err := insertPayment(ctx, tx, ev); err != nil {
		return store.PaymentEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.PaymentEvent{}, err
	}
	return ev, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
