package hardening

import (
	"errors"
	"strings"
	"testing"
)

func productionOptions() Options {
	return Options{
		Service:                "gateway",
		Environment:            "production",
		StrictProdSecurity:     true,
		StoreBackend:           "redis",
		RedisAddr:              "redis:6379",
		RedisRequireTLS:        true,
		DatabaseURL:            "postgres://audit@db/admission",
		DatabaseRequireTLS:     true,
		AuthMode:               "hs256",
		AdminToken:             strings.Repeat("a", 32),
		HashSalt:               "pepper",
		CORSAllowedOrigins:     "https://console.example.com",
		RequiredServiceSecrets: []EnvRequirement{{Name: "JWT_HS256_SECRET", Value: "secret"}},
	}
}

func TestValidateProductionPasses(t *testing.T) {
	tests := map[string]func(*Options){
		"hardened config": func(*Options) {},
		"development skips checks": func(o *Options) {
			o.Environment = "development"
			o.StoreBackend = "memory"
			o.CORSAllowedOrigins = "*"
		},
		"strict mode off skips checks": func(o *Options) {
			o.StrictProdSecurity = false
			o.AuthMode = "off"
		},
		"no database no tls needed": func(o *Options) {
			o.DatabaseURL = ""
			o.DatabaseRequireTLS = false
		},
		"no redis no tls needed": func(o *Options) {
			o.RedisAddr = ""
			o.RedisRequireTLS = false
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			o := productionOptions()
			mutate(&o)
			if err := ValidateProduction(o); err != nil {
				t.Fatalf("unexpected violation: %v", err)
			}
		})
	}
}

func TestValidateProductionViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"memory store", func(o *Options) { o.StoreBackend = "memory" }, "ADMISSION_STORE=redis"},
		{"redis without tls", func(o *Options) { o.RedisRequireTLS = false }, "REDIS_REQUIRE_TLS"},
		{"redis insecure tls", func(o *Options) { o.RedisTLSInsecure = true }, "REDIS_TLS_INSECURE"},
		{"database without tls", func(o *Options) { o.DatabaseRequireTLS = false }, "DATABASE_REQUIRE_TLS"},
		{"auth off", func(o *Options) { o.AuthMode = "off" }, "AUTH_MODE"},
		{"auth unset", func(o *Options) { o.AuthMode = " " }, "AUTH_MODE"},
		{"short admin token", func(o *Options) { o.AdminToken = "short" }, "ADMIN_TOKEN"},
		{"missing salt", func(o *Options) { o.HashSalt = " " }, "AUDIT_HASH_SALT"},
		{"missing service secret", func(o *Options) { o.RequiredServiceSecrets = []EnvRequirement{{Name: "JWT_HS256_SECRET"}} }, "JWT_HS256_SECRET"},
		{"cors wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors plain http", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "must use https"},
		{"cors localhost", func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors loopback", func(o *Options) { o.CORSAllowedOrigins = "https://127.0.0.1" }, "localhost"},
		{"cors not a url", func(o *Options) { o.CORSAllowedOrigins = "console" }, "not a URL"},
		{"cors empty", func(o *Options) { o.CORSAllowedOrigins = " , " }, "CORS_ALLOWED_ORIGINS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := productionOptions()
			tt.mutate(&o)
			err := ValidateProduction(o)
			if err == nil {
				t.Fatal("expected violation")
			}
			if !strings.HasPrefix(err.Error(), "gateway: ") || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should name the service and mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateProductionReportsEveryViolation(t *testing.T) {
	o := productionOptions()
	o.Service = ""
	o.StoreBackend = "memory"
	o.AuthMode = "off"
	o.HashSalt = ""

	err := ValidateProduction(o)
	var herr *Error
	if !errors.As(err, &herr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if herr.Service != "service" || len(herr.Violations) != 3 {
		t.Fatalf("unexpected error %+v", herr)
	}
}

func TestIsProductionLike(t *testing.T) {
	for env, want := range map[string]bool{
		"prod":         true,
		" Production ": true,
		"staging":      true,
		"STAGE":        true,
		"":             false,
		"dev":          false,
		"test":         false,
	} {
		if got := IsProductionLike(env); got != want {
			t.Fatalf("IsProductionLike(%q) = %v, want %v", env, got, want)
		}
	}
}
