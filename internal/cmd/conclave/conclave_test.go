package conclave

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/grant"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
	"github.com/louisbranch/conclave/internal/services/conclave/storage/changefeed"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("conclave", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" || cfg.HealthAddr != ":8091" {
		t.Fatalf("addrs = %q, %q", cfg.HTTPAddr, cfg.HealthAddr)
	}
	if cfg.DBPath != "data/conclave.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.HistoryWindow != 50 || cfg.PersistAttempts != 3 {
		t.Fatalf("history = %d attempts = %d", cfg.HistoryWindow, cfg.PersistAttempts)
	}
	if cfg.EmptyGrace != 2*time.Minute || cfg.ReconcileInterval != 15*time.Second {
		t.Fatalf("grace = %v reconcile = %v", cfg.EmptyGrace, cfg.ReconcileInterval)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("redis url = %q", cfg.RedisURL)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("CONCLAVE_HTTP_ADDR", "env-http")
	t.Setenv("CONCLAVE_DB_PATH", "env.db")
	t.Setenv("CONCLAVE_EMPTY_SESSION_GRACE", "30s")
	t.Setenv("CONCLAVE_REDIS_URL", "redis://env:6379/0")

	fs := flag.NewFlagSet("conclave", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", "flag-http", "-empty-grace", "5s", "-history-window", "10"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "env.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.EmptyGrace != 5*time.Second {
		t.Fatalf("grace = %v", cfg.EmptyGrace)
	}
	if cfg.HistoryWindow != 10 {
		t.Fatalf("history = %d", cfg.HistoryWindow)
	}
	if cfg.RedisURL != "redis://env:6379/0" {
		t.Fatalf("redis url = %q", cfg.RedisURL)
	}
}

func TestParseConfigProbeFlag(t *testing.T) {
	fs := flag.NewFlagSet("conclave", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-probe", "-health-addr", "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if !cfg.Probe || cfg.HealthAddr != "127.0.0.1:1" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestProbeFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Probe(ctx, Config{HealthAddr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected probe to fail without a server")
	}
}

func TestParseConfigRejectsNegativeHistory(t *testing.T) {
	fs := flag.NewFlagSet("conclave", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-history-window", "-1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenFeedDefaultsToBroker(t *testing.T) {
	feed, closeFeed, err := openFeed(context.Background(), "")
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	defer closeFeed()
	if _, ok := feed.(*changefeed.Broker); !ok {
		t.Fatalf("feed = %T, want *changefeed.Broker", feed)
	}
}

func TestOpenFeedRejectsBadRedisURL(t *testing.T) {
	if _, _, err := openFeed(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for bad redis url")
	}
}

func TestOpenStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conclave.db")
	store, err := openStore(path, storage.Publisher(nil))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRunRequiresGrantConfig(t *testing.T) {
	t.Setenv(grant.EnvIssuer, "")
	err := Run(context.Background(), Config{HTTPAddr: "127.0.0.1:0", DBPath: filepath.Join(t.TempDir(), "c.db")})
	if err == nil {
		t.Fatal("expected error without join grant config")
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv(grant.EnvIssuer, "conclave")
	t.Setenv(grant.EnvAudience, "conclave-live")
	t.Setenv(grant.EnvPublicKey, base64.RawStdEncoding.EncodeToString(pub))
	t.Setenv("CONCLAVE_OTEL_ENDPOINT", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			HTTPAddr:          "127.0.0.1:0",
			DBPath:            filepath.Join(t.TempDir(), "conclave.db"),
			EmptyGrace:        time.Minute,
			ReconcileInterval: time.Minute,
		})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
