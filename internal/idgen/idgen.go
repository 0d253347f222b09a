// Package idgen generates opaque, URL-safe identifiers for approval
// requests, trust sessions, and grant sessions using crypto/rand for
// unpredictable ids, and signs/verifies HMACs under a key derived from a
// configured secret with golang.org/x/crypto/hkdf (used for the callback
// signature).
package idgen

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var urlSafeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// RequestID returns a new opaque, unique, URL-safe request id.
func RequestID() string {
	return "req_" + randomToken(16)
}

// TrustID returns a new trust session id.
func TrustID() string {
	return "trust_" + randomToken(12)
}

// GrantID returns a new high-entropy grant session id.
func GrantID() string {
	return "grant_" + randomToken(24)
}

// AuditID returns a new audit entry id. Audit ids don't need to be
// unguessable, so a uuid is enough here; it also gives every audit row a
// value usable as a database primary key without a sequence.
func AuditID() string {
	return uuid.NewString()
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// crypto/rand on a sane OS does not fail; fail loud rather than
		// silently handing out a predictable id.
		panic(fmt.Sprintf("idgen: crypto/rand unavailable: %v", err))
	}
	return urlSafeEncoding.EncodeToString(buf)
}

// VerifyKey derives a stable HMAC key from a configured secret using HKDF,
// so the raw secret string is never used directly as a MAC key.
func VerifyKey(secret, info string) []byte {
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		panic(fmt.Sprintf("idgen: hkdf derive failed: %v", err))
	}
	return key
}

// Sign returns a hex-encoded HMAC-SHA256 of body under key.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is the correct signature for body
// under key, in constant time.
func VerifySignature(key, body []byte, sig string) bool {
	want := Sign(key, body)
	return hmac.Equal([]byte(want), []byte(sig))
}
