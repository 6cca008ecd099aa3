package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"valueai/internal/license"

	"go.etcd.io/bbolt"
)

const (
	bucketLicenses    = "licenses"
	bucketPayments    = "payments"
	bucketPaymentRefs = "payment_refs"
)

// BBoltStore keeps the ledger and the audit log in one bbolt file. bbolt
// runs a single writer at a time and fsyncs on commit, so every mutation
// below is a linearizable read-modify-write that is durable once it returns.
type BBoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Store = (*BBoltStore)(nil)

func OpenBBolt(path string) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketLicenses, bucketPayments, bucketPaymentRefs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	key = license.Normalize(key)
	var (
		e     Entry
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, key)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return e, found, nil
}

func (s *BBoltStore) Set(ctx context.Context, key string, balance int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if balance < 0 {
		return ErrNegative
	}
	key = license.Normalize(key)
	now := s.now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, key)
		switch {
		case err == ErrNotFound:
			e = Entry{Key: key, Source: SourceManual, CreatedAt: now}
		case err != nil:
			return err
		}
		e.Balance = balance
		e.UpdatedAt = now
		return putEntry(tx, e)
	})
}

func (s *BBoltStore) Update(ctx context.Context, key string, balance int) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if balance < 0 {
		return Entry{}, ErrNegative
	}
	key = license.Normalize(key)
	var e Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		if e, err = getEntry(tx, key); err != nil {
			return err
		}
		e.Balance = balance
		e.UpdatedAt = s.now()
		return putEntry(tx, e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *BBoltStore) Create(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Balance < 0 {
		return ErrNegative
	}
	e.Key = license.Normalize(e.Key)
	if e.Key == "" {
		return fmt.Errorf("license key is empty")
	}
	if e.Source == "" {
		e.Source = SourceManual
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketLicenses)).Get([]byte(e.Key)) != nil {
			return ErrExists
		}
		return putEntry(tx, e)
	})
}

func (s *BBoltStore) DecrementIfPositive(ctx context.Context, key string) (bool, int, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	key = license.Normalize(key)
	var (
		ok        bool
		remaining int
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, key)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		remaining = e.Balance
		if e.Balance <= 0 {
			return nil
		}
		e.Balance--
		e.UpdatedAt = s.now()
		if err := putEntry(tx, e); err != nil {
			return err
		}
		ok, remaining = true, e.Balance
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return ok, remaining, nil
}

func (s *BBoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = license.Normalize(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		if b.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

func (s *BBoltStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Entry, 0)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLicenses)).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode license %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	// bbolt iterates in byte order already; keep the contract explicit.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *BBoltStore) AppendPayment(ctx context.Context, ev PaymentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.LicenseKey = license.Normalize(ev.LicenseKey)
	if ev.ID == "" {
		id, err := license.NewPaymentID()
		if err != nil {
			return err
		}
		ev.ID = id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return appendPayment(tx, ev)
	})
}

func (s *BBoltStore) ListPayments(ctx context.Context) ([]PaymentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]PaymentEvent, 0)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		// Keys are big-endian sequence numbers, so ForEach yields insertion order.
		return tx.Bucket([]byte(bucketPayments)).ForEach(func(_, v []byte) error {
			var ev PaymentEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BBoltStore) Issue(ctx context.Context, req IssueRequest) (PaymentEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return PaymentEvent{}, false, err
	}
	if req.Reference == "" {
		return PaymentEvent{}, false, fmt.Errorf("payment reference is required")
	}
	if req.Credits <= 0 {
		return PaymentEvent{}, false, fmt.Errorf("credits must be > 0")
	}
	if req.NewKey == nil {
		req.NewKey = license.NewKey
	}
	if req.EventID == "" {
		id, err := license.NewPaymentID()
		if err != nil {
			return PaymentEvent{}, false, err
		}
		req.EventID = id
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	var (
		ev      PaymentEvent
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket([]byte(bucketPaymentRefs))
		if seq := refs.Get([]byte(req.Reference)); seq != nil {
			v := tx.Bucket([]byte(bucketPayments)).Get(seq)
			if v == nil {
				return fmt.Errorf("payment reference %s points at a missing audit entry", req.Reference)
			}
			return json.Unmarshal(v, &ev)
		}

		key, err := unusedKey(tx, req.NewKey)
		if err != nil {
			return err
		}
		if err := putEntry(tx, Entry{
			Key:       key,
			Balance:   req.Credits,
			Source:    SourcePayment,
			Reference: req.Reference,
			CreatedAt: at,
			UpdatedAt: at,
		}); err != nil {
			return err
		}

		ev = PaymentEvent{
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
		if err := appendPayment(tx, ev); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return PaymentEvent{}, false, err
	}
	return ev, created, nil
}

func unusedKey(tx *bbolt.Tx, newKey func() (string, error)) (string, error) {
	b := tx.Bucket([]byte(bucketLicenses))
	for i := 0; i < MaxKeyAttempts; i++ {
		key, err := newKey()
		if err != nil {
			return "", err
		}
		key = license.Normalize(key)
		if key != "" && b.Get([]byte(key)) == nil {
			return key, nil
		}
	}
	return "", ErrKeyCollision
}

func appendPayment(tx *bbolt.Tx, ev PaymentEvent) error {
	refs := tx.Bucket([]byte(bucketPaymentRefs))
	if ev.Reference != "" && refs.Get([]byte(ev.Reference)) != nil {
		return ErrExists
	}
	b := tx.Bucket([]byte(bucketPayments))
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, seq)
	buf, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.Put(id, buf); err != nil {
		return err
	}
	if ev.Reference != "" {
		return refs.Put([]byte(ev.Reference), id)
	}
	return nil
}

func getEntry(tx *bbolt.Tx, key string) (Entry, error) {
	v := tx.Bucket([]byte(bucketLicenses)).Get([]byte(key))
	if v == nil {
		return Entry{}, ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func putEntry(tx *bbolt.Tx, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketLicenses)).Put([]byte(e.Key), buf)
}
