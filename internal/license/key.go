package license

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid/v2"
)

// Prefix is prepended to every key minted after a payment.
const Prefix = "VAI"

// alphabet drops I, L, O and U so keys survive being read aloud or retyped.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const suffixLen = 8

// Normalize returns the canonical form of a user-supplied key.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// MaxLen bounds keys chosen by hand. The admin bot carries a key behind a
// short prefix in Telegram callback data, which is limited to 64 bytes.
const MaxLen = 48

// Valid reports whether a normalized key can be stored: 1 to MaxLen bytes of
// printable ASCII without spaces.
func Valid(key string) bool {
	if key == "" || len(key) > MaxLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return false
		}
	}
	return true
}

// NewKey returns a key of the form VAI-YYMM-XXXXXXXX. The month component
// keeps keys roughly ordered by issue date; the suffix carries 40 random bits.
func NewKey() (string, error) {
	return newKeyAt(time.Now().UTC())
}

func newKeyAt(now time.Time) (string, error) {
	b := make([]byte, suffixLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", Prefix, now.Format("0601"), string(b)), nil
}

// NewPaymentID returns a sortable identifier for an audit log event.
func NewPaymentID() (string, error) {
	tid, err := typeid.Generate("pay")
	if err != nil {
		return "", err
	}
	return tid.String(), nil
}
