package flows

import (
	"context"

	"github.com/ngthtrong/goSession/session"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Validate.ParseAccess != nil && s.deps.Refresh.Store != nil
}

func (s Service) Login(ctx context.Context, email, password, ip string) VerifyResult {
	return RunLogin(ctx, email, password, ip, s.deps.Verify)
}

func (s Service) Exchange(ctx context.Context, code string) VerifyResult {
	return RunExchange(ctx, code, s.deps.Verify)
}

func (s Service) Issue(ctx context.Context, acct Account, dev Device) IssueResult {
	return RunIssue(ctx, acct, dev, s.deps.Issue)
}

func (s Service) Refresh(ctx context.Context, token string) RefreshResult {
	return RunRefresh(ctx, token, s.deps.Refresh)
}

func (s Service) Validate(ctx context.Context, token string) ValidateResult {
	return RunValidate(ctx, token, s.deps.Validate)
}

func (s Service) ListSessions(ctx context.Context, userID string) SessionsResult {
	return RunListSessions(ctx, userID, s.deps.Sessions)
}

func (s Service) RevokeSession(ctx context.Context, userID, recordID string) (FailureKind, error) {
	return RunRevokeSession(ctx, userID, recordID, s.deps.Sessions)
}

func (s Service) Logout(ctx context.Context, token string) *session.Record {
	return RunLogout(ctx, token, s.deps.Sessions)
}

func (s Service) LogoutAll(ctx context.Context, userID string) (int, FailureKind, error) {
	return RunLogoutAll(ctx, userID, s.deps.Sessions)
}
