// Package auth decodes bearer tokens into the identity attributes admission
// control consumes. It does not authenticate users; that is the identity
// provider's job.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
)

type Principal struct {
	Subject      string
	Roles        []string
	Tenant       string
	ClinicalRole string
	MFAVerified  bool
	// AMR is the authentication methods reference claim, lower-cased.
	AMR      []string
	DeviceID string
}

func (p Principal) Authenticated() bool { return p.Subject != "" }

type principalKey struct{}

// Middleware attaches the decoded principal to the request context. A missing
// token leaves the request anonymous. An invalid token is refused with 401
// when required is set and otherwise treated as absent.
func Middleware(d *Decoder, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if ok && d != nil {
				p, err := d.Decode(r.Context(), token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
					return
				}
				if required {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
			} else if required {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func BearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAdmin protects operator endpoints. A request passes with the static
// admin token in X-Admin-Token, or with a principal holding one of roles.
func RequireAdmin(adminToken string, roles ...string) func(http.Handler) http.Handler {
	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	want := []byte(adminToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) > 0 {
				got := []byte(strings.TrimSpace(r.Header.Get("X-Admin-Token")))
				if len(got) > 0 && subtle.ConstantTimeCompare(got, want) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if p, ok := PrincipalFromContext(r.Context()); ok && HasAnyRole(p, roles...) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// HasAnyRole matches case-insensitively against Roles and ClinicalRole. An
// empty requirement always matches.
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	held := append(slices.Clone(p.Roles), p.ClinicalRole)
	for _, want := range required {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		if slices.ContainsFunc(held, func(h string) bool { return strings.EqualFold(strings.TrimSpace(h), want) }) {
			return true
		}
	}
	return false
}
