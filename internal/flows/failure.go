package flows

// FailureKind classifies a flow outcome for root-level error mapping. The
// zero value means success.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureInvalidCredential
	FailureAccountDeactivated
	FailureEmailUnverified
	FailureInvalidToken
	FailureTokenExpired
	FailureTokenRevoked
	FailureSessionExpired
	FailureTokenReuse
	FailureSessionLimit
	FailureSessionNotFound
	FailureRateLimited
	FailureUnavailable
	FailureInternal
)

var failureNames = [...]string{
	FailureNone:               "none",
	FailureInvalidCredential:  "invalid_credential",
	FailureAccountDeactivated: "account_deactivated",
	FailureEmailUnverified:    "email_unverified",
	FailureInvalidToken:       "invalid_token",
	FailureTokenExpired:       "token_expired",
	FailureTokenRevoked:       "token_revoked",
	FailureSessionExpired:     "session_expired",
	FailureTokenReuse:         "token_reuse_detected",
	FailureSessionLimit:       "session_limit_reached",
	FailureSessionNotFound:    "session_not_found",
	FailureRateLimited:        "rate_limited",
	FailureUnavailable:        "store_unavailable",
	FailureInternal:           "internal",
}

func (k FailureKind) String() string {
	if k < 0 || int(k) >= len(failureNames) {
		return "unknown"
	}
	return failureNames[k]
}
