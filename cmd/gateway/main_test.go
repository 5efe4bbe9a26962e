package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admission/pkg/config"
	"admission/pkg/eventbus"
	"admission/pkg/telemetry"
)

type fakePublisher struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePublisher) Publish(context.Context, string, eventbus.Envelope) error { return nil }

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func testDeps(t *testing.T) deps {
	t.Helper()
	return deps{
		initTelemetry: func(context.Context, telemetry.Config, *zap.Logger) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		openRedis: func(context.Context) (redis.UniversalClient, error) {
			return nil, errors.New("redis not expected")
		},
		openAuditDB: func(context.Context) (auditDB, error) {
			return nil, errors.New("audit db not expected")
		},
		newPublisher: func(eventbus.KafkaConfig) (eventbus.Publisher, error) {
			return nil, errors.New("kafka not expected")
		},
		listen: func(*http.Server) error { return nil },
		logger: func(string) (*zap.Logger, error) { return zap.NewNop(), nil },
	}
}

func testEnv(t *testing.T) config.Env {
	return config.Env{
		ListenAddr:      "127.0.0.1:0",
		UpstreamURL:     "http://127.0.0.1:9",
		ConfigPath:      filepath.Join(t.TempDir(), "missing.yaml"),
		StoreBackend:    "memory",
		AuthMode:        "off",
		Environment:     "test",
		ShutdownTimeout: time.Second,
		LogLevel:        "info",
	}
}

func TestRunMemoryBackend(t *testing.T) {
	var served *http.Server
	d := testDeps(t)
	d.listen = func(s *http.Server) error {
		served = s
		return http.ErrServerClosed
	}
	if err := run(context.Background(), testEnv(t), d); err != nil {
		t.Fatalf("run: %v", err)
	}
	if served == nil || served.Handler == nil || served.Addr != "127.0.0.1:0" {
		t.Fatalf("server not configured: %+v", served)
	}
}

func TestRunRedisAndKafka(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &fakePublisher{}
	d := testDeps(t)
	d.openRedis = func(context.Context) (redis.UniversalClient, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}
	var gotTopic string
	d.newPublisher = func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) {
		gotTopic = cfg.Topic
		return pub, nil
	}
	env := testEnv(t)
	env.StoreBackend = "redis"
	env.KafkaBrokers = "localhost:9092"
	env.KafkaAlertTopic = "admission.events"
	env.AuthMode = "unverified"

	if err := run(context.Background(), env, d); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotTopic != "admission.events" {
		t.Fatalf("unexpected topic %q", gotTopic)
	}
	if !pub.closed {
		t.Fatal("publisher not closed on shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := testDeps(t)
	registered := make(chan struct{})
	d.listen = func(s *http.Server) error {
		done := make(chan struct{})
		s.RegisterOnShutdown(func() { close(done) })
		close(registered)
		<-done
		return http.ErrServerClosed
	}
	env := testEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, env, d) }()

	select {
	case <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("listen never called")
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunRejectsBadConfiguration(t *testing.T) {
	cases := map[string]func(*config.Env){
		"missing upstream":  func(e *config.Env) { e.UpstreamURL = "" },
		"relative upstream": func(e *config.Env) { e.UpstreamURL = "app:9000" },
		"production memory store": func(e *config.Env) {
			e.Environment = "production"
			e.StrictProdSecurity = true
		},
		"bad proxy cidrs": func(e *config.Env) { e.TrustedProxyCIDRs = "not-a-cidr" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := testEnv(t)
			mutate(&env)
			if err := run(context.Background(), env, testDeps(t)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunPropagatesDependencyErrors(t *testing.T) {
	t.Run("telemetry", func(t *testing.T) {
		d := testDeps(t)
		d.initTelemetry = func(context.Context, telemetry.Config, *zap.Logger) (func(context.Context) error, error) {
			return nil, errors.New("exporter down")
		}
		err := run(context.Background(), testEnv(t), d)
		if err == nil || !strings.Contains(err.Error(), "otel") {
			t.Fatalf("expected otel error, got %v", err)
		}
	})
	t.Run("audit db", func(t *testing.T) {
		env := testEnv(t)
		env.AuditEnabled = true
		env.HashSalt = "pepper"
		err := run(context.Background(), env, testDeps(t))
		if err == nil || !strings.Contains(err.Error(), "audit db") {
			t.Fatalf("expected audit db error, got %v", err)
		}
	})
	t.Run("listen", func(t *testing.T) {
		d := testDeps(t)
		d.listen = func(*http.Server) error { return errors.New("address in use") }
		err := run(context.Background(), testEnv(t), d)
		if err == nil || !strings.Contains(err.Error(), "address in use") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})
	t.Run("bad config file", func(t *testing.T) {
		env := testEnv(t)
		env.ConfigPath = writeFile(t, "window_algorithm: leaky\n")
		if err := run(context.Background(), env, testDeps(t)); !errors.Is(err, config.ErrInvalid) {
			t.Fatalf("expected config error, got %v", err)
		}
	})
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admission.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Fatalf("debug level: %v", err)
	}
	if _, err := newLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" https://a.example , *, ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
}
