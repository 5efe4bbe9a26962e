package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"admission/pkg/analytics"
	"admission/pkg/audit"
	"admission/pkg/auth"
	"admission/pkg/config"
	"admission/pkg/engine"
	"admission/pkg/eventbus"
	"admission/pkg/hardening"
	"admission/pkg/httpx"
	"admission/pkg/metrics"
	"admission/pkg/slo"
	"admission/pkg/store"
	"admission/pkg/stream"
	"admission/pkg/telemetry"
)

const serviceName = "gateway"

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type initTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger *zap.Logger) (func(context.Context) error, error)

// deps are the side-effecting constructors run swaps out in tests.
type deps struct {
	initTelemetry initTelemetryFunc
	openRedis     func(ctx context.Context) (redis.UniversalClient, error)
	openAuditDB   func(ctx context.Context) (auditDB, error)
	newPublisher  func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error)
	listen        func(server *http.Server) error
	logger        func(level string) (*zap.Logger, error)
}

func defaultDeps() deps {
	return deps{
		initTelemetry: telemetry.Init,
		openRedis:     store.OpenRedis,
		openAuditDB:   func(ctx context.Context) (auditDB, error) { return store.NewPostgresPool(ctx) },
		newPublisher: func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) {
			return eventbus.NewKafkaPublisher(cfg)
		},
		listen: func(server *http.Server) error { return server.ListenAndServe() },
		logger: newLogger,
	}
}

var logFatalf = log.Fatalf

func main() {
	if _, err := config.LoadDotEnv(os.Getenv("ADMISSION_DOTENV")); err != nil {
		logFatalf("gateway: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config.FromEnv(), defaultDeps()); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build(zap.Fields(zap.String("service", serviceName)))
}

func run(ctx context.Context, env config.Env, d deps) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := hardening.ValidateProduction(env.Hardening(serviceName)); err != nil {
		return err
	}
	logger, err := d.logger(env.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	file, err := config.Load(env.ConfigPath)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := d.initTelemetry(ctx, telemetry.ConfigFromEnv("admission-"+serviceName), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	st, closeStore, err := openStore(ctx, env, d, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver, geoCloser, err := file.Resolver(env.GeoIPPath)
	if err != nil {
		return fmt.Errorf("geo: %w", err)
	}
	defer geoCloser.Close()

	var (
		sink   analytics.AuditSink
		reader auditReader
	)
	if env.AuditEnabled {
		db, err := d.openAuditDB(ctx)
		if err != nil {
			return fmt.Errorf("audit db: %w", err)
		}
		defer db.Close()
		w := &audit.Writer{DB: db, HashSalt: []byte(env.HashSalt), Redact: env.AuditRedact}
		sink, reader = w, w
	}

	var bus eventbus.Publisher
	if strings.TrimSpace(env.KafkaBrokers) != "" {
		bus, err = d.newPublisher(eventbus.KafkaConfig{
			Brokers:  strings.Split(env.KafkaBrokers, ","),
			Topic:    env.KafkaAlertTopic,
			ClientID: serviceName,
			OnError: func(err error, dropped int) {
				logger.Warn("event delivery failed", zap.Error(err), zap.Int("dropped", dropped))
			},
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
	}

	hostname, _ := os.Hostname()
	hub := stream.NewHub()
	reg := metrics.NewRegistry()
	var eng *engine.Engine
	rec := analytics.New(analytics.Config{
		Metrics: reg,
		Audit:   sink,
		Bus:     bus,
		Hub:     hub,
		Logger:  logger.Named("analytics"),
		Source:  hostname,
		Budgets: func() []slo.Budget { return eng.SLOs().Budgets() },
	})

	opts := file.EngineOptions()
	opts.Store = st
	opts.Logger = logger.Named("engine")
	opts.Recorder = rec
	opts.Resolver = resolver
	opts.HashSalt = env.HashSalt
	if env.StoreTimeout > 0 {
		opts.StoreTimeout = env.StoreTimeout
	}
	if stored, err := slo.LoadConfigs(ctx, st); err != nil {
		logger.Warn("stored slo configs unreadable, using file configuration", zap.Error(err))
	} else if len(stored) > 0 {
		opts.SLOs = stored
	}
	eng, err = engine.New(opts)
	if err != nil {
		return err
	}
	if err := eng.SLOs().Restore(ctx); err != nil {
		logger.Warn("error budgets not restored", zap.Error(err))
	}

	var decoder *auth.Decoder
	if !env.AuthDisabled() {
		decoder, err = auth.NewDecoder(ctx, env.AuthConfig())
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	ips, err := httpx.NewClientIPResolver(env.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXY_CIDRS: %w", err)
	}
	upstream, err := newUpstream(env.UpstreamURL, logger)
	if err != nil {
		return err
	}

	s := &Server{
		Engine:             eng,
		Store:              st,
		Metrics:            reg,
		Events:             hub,
		Audit:              reader,
		Log:                logger,
		Decoder:            decoder,
		AuthRequired:       env.AuthRequired,
		AdminToken:         env.AdminToken,
		Peer:               ips.Peer,
		Upstream:           upstream,
		CORSAllowedOrigins: env.CORSAllowedOrigins,
		WSOrigins:          splitCSV(env.CORSAllowedOrigins),
	}
	server := &http.Server{
		Addr:              env.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		logger.Info("gateway listening",
			zap.String("addr", env.ListenAddr),
			zap.String("upstream", env.UpstreamURL),
			zap.String("environment", env.Environment))
		if err := d.listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
		defer scancel()
		hub.Close()
		if err := server.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		eng.SLOs().Flush(sctx)
		return nil
	})
	return g.Wait()
}

// openStore connects to Redis unless the memory backend is selected. The
// memory store keeps counters per process and is refused in production by
// hardening.
func openStore(ctx context.Context, env config.Env, d deps, logger *zap.Logger) (store.Store, func(), error) {
	if env.StoreBackend == "memory" {
		logger.Warn("using in-process memory store; limits are not shared between replicas")
		return store.NewMemory(nil), func() {}, nil
	}
	client, err := d.openRedis(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		// Stages fail open or closed per category until Redis answers.
		logger.Error("redis unreachable at startup", zap.Error(err))
	}
	return store.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func newUpstream(raw string, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(raw)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("UPSTREAM_URL %q is not an absolute url", raw)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = telemetry.InstrumentTransport(http.DefaultTransport)
	proxy.ErrorLog = zap.NewStdLog(logger.Named("proxy"))
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		httpx.Error(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" && p != "*" {
			out = append(out, p)
		}
	}
	return out
}
