// Package integrity computes the tamper-evidence digest of finalized documents.
//
// The digest is the lowercase hex SHA-256 of the exact persisted bytes, so any
// party holding the published document can reproduce it.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Algorithm names the hash recorded alongside a digest.
const Algorithm = "sha256"

// DigestLength is the length of a hex digest.
const DigestLength = sha256.Size * 2

// Digest returns the hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestReader hashes r until EOF.
func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash document: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// WellFormed reports whether d looks like a digest produced by Digest.
func WellFormed(d string) bool {
	if len(d) != DigestLength || strings.ToLower(d) != d {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

// Verify reports whether b hashes to expected. Comparison is constant time.
func Verify(b []byte, expected string) bool {
	actual := Digest(b)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1
}

// Stamp is the digest record persisted with a finalized contract.
type Stamp struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
	Size      int    `json:"size"`
}

// NewStamp hashes b.
func NewStamp(b []byte) Stamp {
	return Stamp{Algorithm: Algorithm, Digest: Digest(b), Size: len(b)}
}
