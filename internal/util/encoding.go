package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var emailFold = cases.Fold()

// NormalizeEmail returns the canonical form used to compare addresses:
// NFKC, case folded, surrounding space removed.
func NormalizeEmail(s string) string {
	return emailFold.String(norm.NFKC.String(strings.TrimSpace(s)))
}

// HashToken returns the hex SHA-256 of a bearer credential. Server-side
// session records are keyed by it so raw credentials are never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
