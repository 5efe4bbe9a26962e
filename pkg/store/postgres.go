package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pgxPoolNewWithConfig = pgxpool.NewWithConfig

// PostgresConfig describes the audit database. Only the audit trail lives in
// Postgres; admission counters never touch it.
type PostgresConfig struct {
	URL         string
	RequireTLS  bool
	MaxConns    int32
	Attempts    int
	RetryDelay  time.Duration
	PingTimeout time.Duration
	AppName     string
}

// PostgresConfigFromEnv reads DATABASE_URL, or assembles a URL from the
// DATABASE_* parts when it is unset.
func PostgresConfigFromEnv() PostgresConfig {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = postgresURLFromParts(postgresParts{
			User:     os.Getenv("DATABASE_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Host:     os.Getenv("DATABASE_HOST"),
			Port:     os.Getenv("DATABASE_PORT"),
			Name:     os.Getenv("DATABASE_NAME"),
			SSLMode:  os.Getenv("DATABASE_SSLMODE"),
		})
	}
	return PostgresConfig{
		URL:        dsn,
		RequireTLS: requiresSecureTransport("DATABASE_REQUIRE_TLS"),
		MaxConns:   int32(envIntDefault("DATABASE_MAX_CONNS", 8)),
		Attempts:   envIntDefault("DATABASE_CONNECT_ATTEMPTS", 10),
		RetryDelay: envMillis("DATABASE_RETRY_DELAY_MS", 2000),
	}
}

// NewPostgresPool opens the audit database configured by the environment.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresConfigFromEnv())
}

// OpenPostgres connects and pings, retrying until cfg.Attempts is used up or
// ctx ends.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.RequireTLS {
		if err := validatePostgresTLS(cfg.URL); err != nil {
			return nil, err
		}
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	app := cfg.AppName
	if app == "" {
		app = "admission-audit"
	}
	pcfg.ConnConfig.RuntimeParams["application_name"] = app
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MinConns = 1
	pcfg.MaxConnIdleTime = 5 * time.Minute

	attempts := max(cfg.Attempts, 1)
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(cfg.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, errors.Join(ctx.Err(), lastErr)
			case <-t.C:
			}
		}
		pool, err := pgxPoolNewWithConfig(ctx, pcfg)
		if err != nil {
			lastErr = err
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pctx)
		cancel()
		if err == nil {
			return pool, nil
		}
		pool.Close()
		lastErr = err
	}
	return nil, fmt.Errorf("audit db unreachable after %d attempts: %w", attempts, lastErr)
}

type postgresParts struct {
	User, Password, Host, Port, Name, SSLMode string
}

func postgresURLFromParts(p postgresParts) string {
	or := func(v, def string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return def
	}
	port := or(p.Port, "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme:   "postgres",
		Host:     or(p.Host, "localhost") + ":" + port,
		Path:     "/" + or(p.Name, "admission"),
		RawQuery: url.Values{"sslmode": {or(p.SSLMode, "disable")}}.Encode(),
	}
	user := or(p.User, "admission")
	if p.Password != "" {
		uri.User = url.UserPassword(user, p.Password)
	} else {
		uri.User = url.User(user)
	}
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return errors.New("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", mode)
	}
}
