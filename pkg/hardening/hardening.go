// Package hardening refuses to start a production gateway with an unsafe
// configuration.
package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	// StoreBackend is "redis" or "memory".
	StoreBackend           string
	RedisAddr              string
	RedisRequireTLS        bool
	RedisTLSInsecure       bool
	DatabaseURL            string
	DatabaseRequireTLS     bool
	AuthMode               string
	AdminToken             string
	HashSalt               string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

const minSecretLen = 32

// Error lists every violated rule, not just the first.
type Error struct {
	Service    string
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: strict production hardening: %s", e.Service, strings.Join(e.Violations, "; "))
}

type rule func(Options) []string

var rules = []rule{
	storeRule,
	redisRule,
	databaseRule,
	authRule,
	secretsRule,
	corsRule,
}

// ValidateProduction is a no-op outside production-like environments or when
// strict mode is off. Otherwise it returns an *Error naming each violation.
func ValidateProduction(o Options) error {
	if !o.StrictProdSecurity || !IsProductionLike(o.Environment) {
		return nil
	}
	var violations []string
	for _, r := range rules {
		violations = append(violations, r(o)...)
	}
	if len(violations) == 0 {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	return &Error{Service: service, Violations: violations}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func storeRule(o Options) []string {
	if strings.EqualFold(strings.TrimSpace(o.StoreBackend), "memory") {
		return []string{"ADMISSION_STORE=redis is required, memory counters are per-process"}
	}
	return nil
}

func redisRule(o Options) []string {
	if blank(o.RedisAddr) {
		return nil
	}
	var out []string
	if !o.RedisRequireTLS {
		out = append(out, "REDIS_REQUIRE_TLS=true is required")
	}
	if o.RedisTLSInsecure {
		out = append(out, "REDIS_TLS_INSECURE is forbidden")
	}
	return out
}

func databaseRule(o Options) []string {
	if !blank(o.DatabaseURL) && !o.DatabaseRequireTLS {
		return []string{"DATABASE_REQUIRE_TLS=true is required"}
	}
	return nil
}

func authRule(o Options) []string {
	if mode := strings.ToLower(strings.TrimSpace(o.AuthMode)); mode == "" || mode == "off" {
		return []string{"AUTH_MODE must not be off"}
	}
	return nil
}

func secretsRule(o Options) []string {
	var out []string
	if len(strings.TrimSpace(o.AdminToken)) < minSecretLen {
		out = append(out, fmt.Sprintf("ADMIN_TOKEN must be at least %d characters", minSecretLen))
	}
	if blank(o.HashSalt) {
		out = append(out, "AUDIT_HASH_SALT is required")
	}
	for _, req := range o.RequiredServiceSecrets {
		if !blank(req.Name) && blank(req.Value) {
			out = append(out, req.Name+" is required")
		}
	}
	return out
}

func corsRule(o Options) []string {
	var out []string
	seen := 0
	for _, raw := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin := strings.TrimSpace(raw)
		if origin == "" {
			continue
		}
		seen++
		if origin == "*" {
			out = append(out, "CORS wildcard origin is forbidden")
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			out = append(out, fmt.Sprintf("CORS origin %q is not a URL", origin))
			continue
		}
		if host := u.Hostname(); host == "localhost" || host == "127.0.0.1" || host == "::1" {
			out = append(out, fmt.Sprintf("localhost CORS origin %q is forbidden", origin))
			continue
		}
		if !strings.EqualFold(u.Scheme, "https") {
			out = append(out, fmt.Sprintf("CORS origin %q must use https", origin))
		}
	}
	if seen == 0 {
		out = append(out, "CORS_ALLOWED_ORIGINS must be set explicitly")
	}
	return out
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
