package goSession

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type familyIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It keys the login
// throttle and is recorded in audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithFamilyID marks the caller's current session so ListSessions can flag it.
func WithFamilyID(ctx context.Context, familyID string) context.Context {
	return context.WithValue(ctx, familyIDContextKey{}, familyID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func familyIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	familyID, _ := ctx.Value(familyIDContextKey{}).(string)
	return familyID
}
