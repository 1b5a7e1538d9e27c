package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

const (
	jtiSize    = 16
	SecretSize = 32
	rawSize    = jtiSize + SecretSize
)

// ErrMalformed is returned by Decode for any token that is not a well-formed
// opaque refresh token.
var ErrMalformed = errors.New("malformed refresh token")

// Secret is the random half of an opaque token.
type Secret [SecretSize]byte

// NewSecret draws a fresh secret from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	_, err := rand.Read(s[:])
	return s, err
}

// Hash returns the sha256 digest stored in place of the secret.
func (s Secret) Hash() []byte {
	sum := sha256.Sum256(s[:])
	return sum[:]
}

// Matches compares the secret's digest against a stored hash in constant time.
func (s Secret) Matches(storedHash []byte) bool {
	if len(storedHash) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(s.Hash(), storedHash) == 1
}

// Encode packs jti (a UUID string) and secret as base64url without padding.
func Encode(jti string, secret Secret) (string, error) {
	id, err := uuid.Parse(jti)
	if err != nil {
		return "", err
	}

	var raw [rawSize]byte
	copy(raw[:jtiSize], id[:])
	copy(raw[jtiSize:], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Decode splits a token into its jti and secret.
func Decode(token string) (string, Secret, error) {
	var secret Secret

	if base64.RawURLEncoding.DecodedLen(len(token)) != rawSize {
		return "", secret, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != rawSize {
		return "", secret, ErrMalformed
	}

	id, err := uuid.FromBytes(raw[:jtiSize])
	if err != nil {
		return "", secret, ErrMalformed
	}
	copy(secret[:], raw[jtiSize:])
	return id.String(), secret, nil
}

// Issue creates a new opaque token for jti and returns it with the hash to
// persist.
func Issue(jti string) (token string, hash []byte, err error) {
	secret, err := NewSecret()
	if err != nil {
		return "", nil, err
	}
	token, err = Encode(jti, secret)
	if err != nil {
		return "", nil, err
	}
	return token, secret.Hash(), nil
}
