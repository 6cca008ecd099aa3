// Package session issues and checks the signed tokens that replace global
// "authenticated" flags. A token only proves the bearer once presented a
// valid key or the admin password; balances are always re-read from the
// ledger.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Role string

const (
	RoleLicense Role = "license"
	RoleAdmin   Role = "admin"
)

const DefaultTTL = 12 * time.Hour

var (
	ErrInvalidToken  = errors.New("invalid session token")
	ErrAdminDisabled = errors.New("admin access is not configured")
	ErrBadPassword   = errors.New("invalid credentials")
)

type claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Principal is the verified content of a token.
type Principal struct {
	Subject   string
	Role      Role
	ExpiresAt time.Time
}

type Issuer struct {
	secret    []byte
	ttl       time.Duration
	adminHash []byte
	now       func() time.Time
}

// NewIssuer returns an Issuer signing with secret. An empty adminHash
// disables admin login entirely.
func NewIssuer(secret []byte, ttl time.Duration, adminHash string) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if adminHash != "" {
		if _, err := bcrypt.Cost([]byte(adminHash)); err != nil {
			return nil, fmt.Errorf("admin password hash: %w", err)
		}
	}
	return &Issuer{
		secret:    secret,
		ttl:       ttl,
		adminHash: []byte(adminHash),
		now:       time.Now,
	}, nil
}

// RandomSecret returns a fresh signing secret for deployments that did not
// configure one. Tokens signed with it do not survive a restart.
func RandomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (i *Issuer) AdminEnabled() bool { return len(i.adminHash) > 0 }

// Issue signs a token for subject in role.
func (i *Issuer) Issue(subject string, role Role) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: role,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

func (i *Issuer) Parse(token string) (Principal, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	switch c.Role {
	case RoleLicense, RoleAdmin:
	default:
		return Principal{}, fmt.Errorf("%w: role %q", ErrInvalidToken, c.Role)
	}
	return Principal{Subject: c.Subject, Role: c.Role, ExpiresAt: c.ExpiresAt.Time}, nil
}

// AdminLogin checks password against the configured bcrypt hash and returns
// an admin token.
func (i *Issuer) AdminLogin(password string) (string, time.Time, error) {
	if !i.AdminEnabled() {
		return "", time.Time{}, ErrAdminDisabled
	}
	if err := bcrypt.CompareHashAndPassword(i.adminHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrBadPassword
	}
	return i.Issue("admin", RoleAdmin)
}
