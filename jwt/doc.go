// Package jwt signs and verifies access tokens and signed refresh tokens with
// a single pinned algorithm, key set, issuer and audience.
package jwt
