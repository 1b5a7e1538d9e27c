// Package middleware adapts goSession access token validation to net/http.
//
// [Guard] reads the Authorization bearer token, validates it with the engine
// and puts the [goSession.AuthResult] on the request context. Validation is
// stateless, so Guard never touches the session store. [RequireRole] narrows a
// guarded route to specific roles.
package middleware
