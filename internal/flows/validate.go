package flows

import (
	"context"
	"errors"

	"github.com/ngthtrong/goSession/jwt"
)

// ValidateDeps captures access token validation dependencies.
type ValidateDeps struct {
	ParseAccess func(string) (*jwt.AccessClaims, error)
}

// ValidateResult returns either the verified claims or a failure.
type ValidateResult struct {
	Failure FailureKind
	Err     error
	Claims  *jwt.AccessClaims
}

// RunValidate verifies an access token. Access tokens are stateless: no store
// lookup is performed, so a revoked family stays usable until access expiry.
func RunValidate(_ context.Context, token string, deps ValidateDeps) ValidateResult {
	if token == "" {
		return ValidateResult{Failure: FailureInvalidToken, Err: errors.New("empty token")}
	}
	claims, err := deps.ParseAccess(token)
	if err != nil {
		return ValidateResult{Failure: FailureInvalidToken, Err: err}
	}
	if claims.Subject == "" || claims.FamilyID == "" {
		return ValidateResult{Failure: FailureInvalidToken, Err: errors.New("access token missing subject or session")}
	}
	return ValidateResult{Claims: claims}
}
