package httpx

import "net/http"

// Guard wraps routes with permission checks.
type Guard interface {
	RequireAny(perms ...string) func(http.Handler) http.Handler
	RequireAll(perms ...string) func(http.Handler) http.Handler
}

// OpenGuard lets every request through. Used in tests and local tooling.
type OpenGuard struct{}

func (OpenGuard) RequireAny(...string) func(http.Handler) http.Handler { return passthrough }

func (OpenGuard) RequireAll(...string) func(http.Handler) http.Handler { return passthrough }

func passthrough(next http.Handler) http.Handler { return next }
