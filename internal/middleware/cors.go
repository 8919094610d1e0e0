// Package middleware provides HTTP middleware for the TaskMate API.
package middleware

import (
	"net/http"
	"strconv"
)

const preflightMaxAge = 10 * 60

// OriginPolicy decides which browser origins may call the API and open sockets.
type OriginPolicy struct {
	wildcard bool
	explicit map[string]struct{}
}

// NewOriginPolicy builds a policy from a list of origins; "*" admits any origin.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == "*" {
			p.wildcard = true
			continue
		}
		p.explicit[o] = struct{}{}
	}
	return p
}

// Allows reports whether a non-empty Origin header is admitted.
func (p *OriginPolicy) Allows(origin string) bool {
	return p.wildcard || p.Listed(origin)
}

// Listed reports whether origin was named explicitly rather than matched by "*".
// Credentials are only granted to listed origins.
func (p *OriginPolicy) Listed(origin string) bool {
	_, ok := p.explicit[origin]
	return ok
}

// CORS returns middleware that applies policy to cross-origin requests. Requests without
// an Origin header pass through untouched; preflights from other origins get 403.
func CORS(policy *OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !policy.Allows(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if policy.Listed(origin) {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
