package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"admission/pkg/auth"
	"admission/pkg/hardening"
)

// Env is the process configuration read from the environment.
type Env struct {
	ListenAddr      string
	UpstreamURL     string
	ConfigPath      string
	StoreBackend    string
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisRequireTLS  bool
	RedisTLSInsecure bool

	DatabaseURL        string
	DatabaseRequireTLS bool
	AuditEnabled       bool
	AuditRedact        bool
	HashSalt           string

	KafkaBrokers    string
	KafkaAlertTopic string

	AuthMode     string
	JWTSecret    string
	JWKSURL      string
	JWTIssuer    string
	JWTAudience  string
	AuthRequired bool
	AdminToken   string

	TrustedProxyCIDRs  string
	GeoIPPath          string
	CORSAllowedOrigins string

	Environment        string
	StrictProdSecurity bool
	LogLevel           string
}

func FromEnv() Env {
	return Env{
		ListenAddr:      env("LISTEN_ADDR", ":8080"),
		UpstreamURL:     env("UPSTREAM_URL", ""),
		ConfigPath:      env("ADMISSION_CONFIG", "admission.yaml"),
		StoreBackend:    strings.ToLower(env("ADMISSION_STORE", "redis")),
		StoreTimeout:    time.Duration(envInt("STORE_TIMEOUT_MS", 0)) * time.Millisecond,
		ShutdownTimeout: envDurationSec("SHUTDOWN_TIMEOUT", 15),

		RedisAddr:        env("REDIS_ADDR", ""),
		RedisRequireTLS:  envBool("REDIS_REQUIRE_TLS", false),
		RedisTLSInsecure: envBool("REDIS_TLS_INSECURE", false),

		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: envBool("DATABASE_REQUIRE_TLS", false),
		AuditEnabled:       envBool("AUDIT_ENABLED", false),
		AuditRedact:        envBool("AUDIT_REDACT", true),
		HashSalt:           env("AUDIT_HASH_SALT", ""),

		KafkaBrokers:    env("KAFKA_BROKERS", ""),
		KafkaAlertTopic: env("KAFKA_ALERT_TOPIC", "admission.events"),

		AuthMode:     strings.ToLower(env("AUTH_MODE", string(auth.ModeUnverified))),
		JWTSecret:    env("JWT_HS256_SECRET", ""),
		JWKSURL:      env("JWKS_URL", ""),
		JWTIssuer:    env("JWT_ISSUER", ""),
		JWTAudience:  env("JWT_AUDIENCE", ""),
		AuthRequired: envBool("AUTH_REQUIRED", false),
		AdminToken:   env("ADMIN_TOKEN", ""),

		TrustedProxyCIDRs:  env("TRUSTED_PROXY_CIDRS", ""),
		GeoIPPath:          env("GEOIP_DB_PATH", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),

		Environment:        strings.ToLower(env("ENVIRONMENT", "dev")),
		StrictProdSecurity: envBool("STRICT_PROD_SECURITY", true),
		LogLevel:           env("LOG_LEVEL", "info"),
	}
}

// Validate checks the settings the gateway cannot start without.
func (e Env) Validate() error {
	var errs []error
	if strings.TrimSpace(e.UpstreamURL) == "" {
		errs = append(errs, errors.New("UPSTREAM_URL is required"))
	}
	switch e.StoreBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("ADMISSION_STORE must be redis or memory, got %q", e.StoreBackend))
	}
	switch auth.Mode(e.AuthMode) {
	case auth.ModeUnverified, "off":
	case auth.ModeHS256:
		if e.JWTSecret == "" {
			errs = append(errs, errors.New("AUTH_MODE=hs256 requires JWT_HS256_SECRET"))
		}
	case auth.ModeRS256:
		if e.JWKSURL == "" {
			errs = append(errs, errors.New("AUTH_MODE=rs256 requires JWKS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", e.AuthMode))
	}
	if e.AuditEnabled && e.HashSalt == "" {
		errs = append(errs, errors.New("AUDIT_ENABLED requires AUDIT_HASH_SALT"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// AuthDisabled reports AUTH_MODE=off; no principal is ever attached.
func (e Env) AuthDisabled() bool { return e.AuthMode == "off" }

func (e Env) AuthConfig() auth.Config {
	return auth.Config{
		Mode:     auth.Mode(e.AuthMode),
		Secret:   e.JWTSecret,
		JWKSURL:  e.JWKSURL,
		Issuer:   e.JWTIssuer,
		Audience: e.JWTAudience,
		Skew:     30 * time.Second,
	}
}

func (e Env) Hardening(service string) hardening.Options {
	o := hardening.Options{
		Service:            service,
		Environment:        e.Environment,
		StrictProdSecurity: e.StrictProdSecurity,
		StoreBackend:       e.StoreBackend,
		RedisAddr:          e.RedisAddr,
		RedisRequireTLS:    e.RedisRequireTLS,
		RedisTLSInsecure:   e.RedisTLSInsecure,
		AuthMode:           e.AuthMode,
		AdminToken:         e.AdminToken,
		HashSalt:           e.HashSalt,
		CORSAllowedOrigins: e.CORSAllowedOrigins,
	}
	if e.AuditEnabled {
		o.DatabaseURL = e.DatabaseURL
		o.DatabaseRequireTLS = e.DatabaseRequireTLS
	}
	if auth.Mode(e.AuthMode) == auth.ModeHS256 {
		o.RequiredServiceSecrets = append(o.RequiredServiceSecrets, hardening.EnvRequirement{Name: "JWT_HS256_SECRET", Value: e.JWTSecret})
	}
	return o
}

// LoadDotEnv loads the first .env file found among the explicit paths, the
// working directory and the home directory. Variables already set in the
// process win.
func LoadDotEnv(paths ...string) (string, error) {
	candidates := append([]string(nil), paths...)
	candidates = append(candidates, ".env")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".env"))
	}
	for _, p := range candidates {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return "", fmt.Errorf("load %s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
}

// expandEnvVars substitutes ${VAR:-default} and ${VAR}. Bare $VAR is left
// alone; classifier patterns use $ as an anchor.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
	return envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPatterns.braced.FindStringSubmatch(match)[1])
	})
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
