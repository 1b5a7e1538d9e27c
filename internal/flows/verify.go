package flows

import (
	"context"
	"errors"
)

// LoginRateLimiter throttles failed password attempts.
type LoginRateLimiter interface {
	CheckLogin(ctx context.Context, email, ip string) error
	IncrementLogin(ctx context.Context, email, ip string) error
	ResetLogin(ctx context.Context, email string) error
}

// PasswordVerifier is satisfied by *password.Verifier.
type PasswordVerifier interface {
	Verify(password, encoded string) (bool, error)
	VerifyDummy(password string)
}

// ExchangedIdentity is what a one-step external exchange yields.
type ExchangedIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// VerifyDeps captures credential verification dependencies.
type VerifyDeps struct {
	Users        UserLookup
	UserNotFound error
	Passwords    PasswordVerifier
	RateLimiter  LoginRateLimiter
	Exchange     func(ctx context.Context, code string) (ExchangedIdentity, error)

	// IsDeactivated and IsActive interpret Account.Status.
	IsDeactivated        func(uint8) bool
	IsActive             func(uint8) bool
	RequireVerifiedEmail bool

	Hooks Hooks
}

// VerifyResult carries the verified account or a classified failure.
type VerifyResult struct {
	Failure FailureKind
	Err     error
	Account Account
}

func verifyFail(kind FailureKind, err error) VerifyResult {
	return VerifyResult{Failure: kind, Err: err}
}

// RunLogin checks email and password. A dummy hash is verified for unknown
// users, and account status is only examined after the password matched.
func RunLogin(ctx context.Context, email, password, ip string, deps VerifyDeps) VerifyResult {
	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckLogin(ctx, email, ip); err != nil {
			return verifyFail(throttleFailure(err), err)
		}
	}

	acct, err := deps.Users.ByEmail(ctx, email)
	if err != nil {
		deps.Passwords.VerifyDummy(password)
		if deps.UserNotFound != nil && errors.Is(err, deps.UserNotFound) {
			failedAttempt(ctx, email, ip, deps)
			return verifyFail(FailureInvalidCredential, err)
		}
		return verifyFail(FailureUnavailable, err)
	}

	ok, err := deps.Passwords.Verify(password, acct.PasswordHash)
	if err != nil || !ok {
		if err != nil {
			deps.Hooks.warn("goSession: stored password hash rejected", "user_id", acct.UserID, "error", err)
		}
		failedAttempt(ctx, email, ip, deps)
		return verifyFail(FailureInvalidCredential, err)
	}

	if res := checkStatus(acct, true, deps); res.Failure != FailureNone {
		return res
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.ResetLogin(ctx, email); err != nil {
			deps.Hooks.warn("goSession: login throttle reset failed", "error", err)
		}
	}
	return VerifyResult{Account: acct}
}

// RunExchange performs the single identity exchange step and resolves the
// resulting email to a local account.
func RunExchange(ctx context.Context, code string, deps VerifyDeps) VerifyResult {
	if deps.Exchange == nil {
		return verifyFail(FailureInternal, errors.New("identity exchange not configured"))
	}
	ident, err := deps.Exchange(ctx, code)
	if err != nil {
		return verifyFail(FailureInvalidCredential, err)
	}
	if ident.Email == "" {
		return verifyFail(FailureInvalidCredential, errors.New("exchanged identity has no email"))
	}

	acct, err := deps.Users.ByEmail(ctx, ident.Email)
	if err != nil {
		if deps.UserNotFound != nil && errors.Is(err, deps.UserNotFound) {
			return verifyFail(FailureInvalidCredential, err)
		}
		return verifyFail(FailureUnavailable, err)
	}
	return checkStatus(acct, ident.EmailVerified, deps)
}

func checkStatus(acct Account, emailVerified bool, deps VerifyDeps) VerifyResult {
	if deps.IsDeactivated != nil && deps.IsDeactivated(acct.Status) {
		return verifyFail(FailureAccountDeactivated, nil)
	}
	if deps.RequireVerifiedEmail {
		active := deps.IsActive == nil || deps.IsActive(acct.Status)
		if !active || !emailVerified {
			return verifyFail(FailureEmailUnverified, nil)
		}
	}
	return VerifyResult{Account: acct}
}

func failedAttempt(ctx context.Context, email, ip string, deps VerifyDeps) {
	if deps.RateLimiter == nil {
		return
	}
	if err := deps.RateLimiter.IncrementLogin(ctx, email, ip); err != nil {
		deps.Hooks.warn("goSession: login throttle increment failed", "error", err)
	}
}
