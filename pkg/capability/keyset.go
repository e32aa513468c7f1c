package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest server secret accepted.
const MinSecretLength = 16

const keyInfo = "countersign/capability/v1"

// ErrWeakSecret is returned for secrets shorter than MinSecretLength.
var ErrWeakSecret = errors.New("capability secret too short")

// KeySet holds the active signing key and any retired keys still accepted
// for verification, so the server secret can be rotated without invalidating
// links already sent out.
type KeySet struct {
	currentKID string
	keys       map[string][]byte
}

// NewKeySet derives the active key from secret and verification-only keys
// from previous secrets. Empty previous entries are ignored.
func NewKeySet(secret string, previous ...string) (*KeySet, error) {
	ks := &KeySet{keys: make(map[string][]byte)}

	kid, err := ks.add(secret)
	if err != nil {
		return nil, err
	}
	ks.currentKID = kid

	for _, p := range previous {
		if p == "" {
			continue
		}
		if _, err := ks.add(p); err != nil {
			return nil, fmt.Errorf("previous secret: %w", err)
		}
	}
	return ks, nil
}

func (ks *KeySet) add(secret string) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrWeakSecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	kid := keyID(key)
	ks.keys[kid] = key
	return kid, nil
}

// keyID fingerprints a derived key without revealing it.
func keyID(key []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte("kid"))
	return "k-" + hex.EncodeToString(m.Sum(nil)[:6])
}

// CurrentKID identifies the key new tokens are signed with.
func (ks *KeySet) CurrentKID() string {
	return ks.currentKID
}

func (ks *KeySet) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = ks.currentKID
	return token.SignedString(ks.keys[ks.currentKID])
}

func (ks *KeySet) keyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key, nil
	}
}
