package rate

import "errors"

var (
	// ErrRateLimited is returned once a counter passes its budget for the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures from the counter backend.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
