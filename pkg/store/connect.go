package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"admission/pkg/clock"
)

// RedisConfig describes the shared counter store. More than one address
// selects a cluster client.
type RedisConfig struct {
	Addrs       []string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	// OpTimeout bounds each read and write. Admission keeps it short so a slow
	// store degrades instead of stalling requests.
	OpTimeout   time.Duration
	PingTimeout time.Duration

	TLS              bool
	RequireTLS       bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCAFile        string
}

func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{
		Addrs:            splitList(os.Getenv("REDIS_ADDR")),
		Password:         os.Getenv("REDIS_PASSWORD"),
		PoolSize:         envIntDefault("REDIS_POOL_SIZE", 50),
		DialTimeout:      envMillis("REDIS_DIAL_TIMEOUT_MS", 2000),
		OpTimeout:        envMillis("REDIS_TIMEOUT_MS", 50),
		PingTimeout:      2 * time.Second,
		TLS:              envFlag("REDIS_TLS"),
		RequireTLS:       requiresSecureTransport("REDIS_REQUIRE_TLS"),
		TLSInsecure:      envFlag("REDIS_TLS_INSECURE"),
		AllowInsecureTLS: envFlag("REDIS_ALLOW_INSECURE_TLS"),
		TLSServerName:    strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		TLSCAFile:        strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("REDIS_DB"))); err == nil && n >= 0 {
		cfg.DB = n
	}
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	return cfg
}

// OpenRedis connects with the configuration in REDIS_*.
func OpenRedis(ctx context.Context) (redis.UniversalClient, error) {
	return DialRedis(ctx, RedisConfigFromEnv())
}

// DialRedis builds a client and pings it once. Commands are never retried by
// the client; the engine decides what a store failure means.
func DialRedis(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   -1,
	})
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (cfg RedisConfig) tlsConfig() (*tls.Config, error) {
	if !cfg.TLS {
		if cfg.RequireTLS {
			return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
		}
		return nil, nil
	}
	if cfg.TLSInsecure && !cfg.AllowInsecureTLS {
		return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.TLSServerName,
		InsecureSkipVerify: cfg.TLSInsecure, // #nosec G402 -- needs REDIS_ALLOW_INSECURE_TLS as well
	}
	if cfg.TLSCAFile == "" {
		return out, nil
	}
	pem, err := os.ReadFile(filepath.Clean(cfg.TLSCAFile))
	if err != nil {
		return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	out.RootCAs = roots
	return out, nil
}

// New returns a Redis-backed store when client answers a ping and an
// in-memory store otherwise.
func New(ctx context.Context, client redis.UniversalClient, c clock.Clock) Store {
	if client != nil && client.Ping(ctx).Err() == nil {
		return NewRedisStore(client)
	}
	return NewMemory(c)
}

func envFlag(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// requiresSecureTransport accepts the usual truthy spellings.
func requiresSecureTransport(envKey string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envIntDefault(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return def
}

func envMillis(key string, def int) time.Duration {
	return time.Duration(envIntDefault(key, def)) * time.Millisecond
}
