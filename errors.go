package goSession

import "errors"

var (
	// ErrInvalidCredential covers wrong passwords, unknown users, failed
	// exchanges and unreadable stored hashes alike.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrAccountDeactivated is returned once the credential is proven and the
	// account is deactivated.
	ErrAccountDeactivated = errors.New("account deactivated")
	// ErrEmailUnverified is returned when verified email is required and missing.
	ErrEmailUnverified = errors.New("email unverified")
	// ErrInvalidToken is returned for refresh or access tokens that do not
	// resolve to a matching record or signature.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenRevoked is returned for a refresh token whose record was revoked.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenExpired is returned for a refresh token past its own expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionExpired is returned when the family passed its absolute lifetime.
	ErrSessionExpired = errors.New("session expired")
	// ErrTokenReuseDetected is returned when an already rotated refresh token is
	// presented. The whole family has been revoked by the time it is returned.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrSessionLimitReached is returned by issuance when the user is at the
	// concurrent session limit and pruning is off.
	ErrSessionLimitReached = errors.New("session limit reached")
	// ErrSessionNotFound is returned for sessions that are missing or owned by
	// another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRateLimited is returned by the login and refresh throttles.
	ErrRateLimited = errors.New("rate limited")
	// ErrStoreUnavailable is returned when a backend could not give a definitive
	// answer. The operation had no effect the caller can rely on.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrEngineNotReady is returned by a nil or partially built Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrUserNotFound must be returned by UserProvider implementations for
	// unknown users.
	ErrUserNotFound = errors.New("user not found")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidCredential, "invalid_credential"},
	{ErrAccountDeactivated, "account_deactivated"},
	{ErrEmailUnverified, "email_unverified"},
	{ErrInvalidToken, "invalid_token"},
	{ErrTokenRevoked, "token_revoked"},
	{ErrTokenExpired, "token_expired"},
	{ErrSessionExpired, "session_expired"},
	{ErrTokenReuseDetected, "token_reuse_detected"},
	{ErrSessionLimitReached, "session_limit_reached"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrRateLimited, "rate_limited"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrEngineNotReady, "engine_not_ready"},
}

// ErrorKind returns a stable snake_case label for err, suitable for logs and
// audit events. Unknown errors yield "internal"; nil yields "".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// IsClientVisibleForbidden reports whether err should be surfaced as 403
// rather than 401.
func IsClientVisibleForbidden(err error) bool {
	return errors.Is(err, ErrSessionLimitReached)
}

// IsUnavailable reports whether err means a backend could not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrEngineNotReady)
}
