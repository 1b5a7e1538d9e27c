package password

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// ErrUnknownFormat is returned for hashes that are neither argon2id nor bcrypt.
var ErrUnknownFormat = errors.New("unknown password hash format")

// Verifier checks passwords against argon2id or legacy bcrypt hashes and can
// burn an equivalent amount of work when no stored hash exists.
type Verifier struct {
	argon *Argon2
	dummy string
}

// NewVerifier builds a Verifier whose new hashes and dummy hash use cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	argon, err := NewArgon2(cfg)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	dummy, err := argon.Hash(base64.RawURLEncoding.EncodeToString(raw))
	if err != nil {
		return nil, err
	}
	return &Verifier{argon: argon, dummy: dummy}, nil
}

// Hash returns an argon2id hash of password.
func (v *Verifier) Hash(password string) (string, error) {
	return v.argon.Hash(password)
}

// Verify dispatches on the hash prefix.
func (v *Verifier) Verify(password, encoded string) (bool, error) {
	switch {
	case isArgon(encoded):
		return v.argon.Verify(password, encoded)
	case isBcrypt(encoded):
		return verifyBcrypt(password, encoded)
	default:
		return false, ErrUnknownFormat
	}
}

// VerifyDummy spends one argon2id verification against a throwaway hash. Use
// it when the account does not exist so that response time does not reveal it.
func (v *Verifier) VerifyDummy(password string) {
	_, _ = v.argon.Verify(password, v.dummy)
}

// NeedsUpgrade reports whether encoded should be re-hashed with the current
// argon2id parameters. Every bcrypt hash needs an upgrade.
func (v *Verifier) NeedsUpgrade(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	upgrade, err := v.argon.NeedsUpgrade(encoded)
	return err == nil && upgrade
}
