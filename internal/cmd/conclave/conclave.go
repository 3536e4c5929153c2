// Package conclave parses conclave command flags and composes the live
// session server.
package conclave

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/conclave/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/conclave/internal/platform/grpc"
	server "github.com/louisbranch/conclave/internal/services/conclave/app"
	"github.com/louisbranch/conclave/internal/services/conclave/grant"
	"github.com/louisbranch/conclave/internal/services/conclave/identity"
	"github.com/louisbranch/conclave/internal/services/conclave/live"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
	"github.com/louisbranch/conclave/internal/services/conclave/storage/changefeed"
	"github.com/louisbranch/conclave/internal/services/conclave/storage/redisfeed"
	"github.com/louisbranch/conclave/internal/services/conclave/storage/sqlite"
)

const (
	changeBufferSize = 256
	probeTimeout     = 3 * time.Second
)

// Config holds conclave command configuration.
type Config struct {
	HTTPAddr          string        `env:"CONCLAVE_HTTP_ADDR"           envDefault:":8090"`
	HealthAddr        string        `env:"CONCLAVE_HEALTH_ADDR"         envDefault:":8091"`
	DBPath            string        `env:"CONCLAVE_DB_PATH"             envDefault:"data/conclave.db"`
	RedisURL          string        `env:"CONCLAVE_REDIS_URL"`
	HistoryWindow     int           `env:"CONCLAVE_HISTORY_WINDOW"      envDefault:"50"`
	EmptyGrace        time.Duration `env:"CONCLAVE_EMPTY_SESSION_GRACE" envDefault:"2m"`
	ReconcileInterval time.Duration `env:"CONCLAVE_RECONCILE_INTERVAL"  envDefault:"15s"`
	PersistAttempts   int           `env:"CONCLAVE_PERSIST_ATTEMPTS"    envDefault:"3"`
	// Probe checks a running server's health endpoint instead of serving.
	Probe bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "WebSocket/HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for cross-process change notifications")
	fs.IntVar(&cfg.HistoryWindow, "history-window", cfg.HistoryWindow, "recent chat messages in a join snapshot")
	fs.DurationVar(&cfg.EmptyGrace, "empty-grace", cfg.EmptyGrace, "grace before an empty live session is ended")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "publish permission consistency check interval")
	fs.IntVar(&cfg.PersistAttempts, "persist-attempts", cfg.PersistAttempts, "durable chat append attempts")
	fs.BoolVar(&cfg.Probe, "probe", false, "check the health endpoint of a running server and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.HistoryWindow < 0 {
		return Config{}, errors.New("history window must not be negative")
	}
	return cfg, nil
}

// Run builds the conclave server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceConclave, func(ctx context.Context) error {
		if err := serve(ctx, cfg); err != nil {
			return fmt.Errorf("serve conclave: %w", err)
		}
		return nil
	})
}

// Probe reports whether the server listening on cfg.HealthAddr is serving.
func Probe(ctx context.Context, cfg Config) error {
	if err := platformgrpc.Probe(ctx, cfg.HealthAddr, server.HealthServiceName, probeTimeout); err != nil {
		return fmt.Errorf("probe conclave: %w", err)
	}
	return nil
}

func serve(ctx context.Context, cfg Config) error {
	grantCfg, err := grant.LoadConfigFromEnv(time.Now)
	if err != nil {
		return fmt.Errorf("load join grant config: %w", err)
	}

	feed, closeFeed, err := openFeed(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeFeed()

	store, err := openStore(cfg.DBPath, feed)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("conclave: close store err=%v", err)
		}
	}()

	hub := server.NewHub()
	transport := media.NewLocal()
	profiles := identity.NewMemory(nil)
	svc, err := live.NewService(live.Deps{
		Store:     store,
		Feed:      feed,
		Transport: transport,
		Directory: profiles,
		Notifier:  hub,
	}, live.Config{
		HistoryWindow:     cfg.HistoryWindow,
		EmptyGrace:        cfg.EmptyGrace,
		ReconcileInterval: cfg.ReconcileInterval,
		PersistAttempts:   cfg.PersistAttempts,
	})
	if err != nil {
		return fmt.Errorf("build live service: %w", err)
	}
	defer svc.Close()

	srv, err := server.NewServer(server.Config{
		HTTPAddr:   cfg.HTTPAddr,
		HealthAddr: cfg.HealthAddr,
	}, server.NewHandler(server.Options{
		Facade:    svc,
		Transport: transport,
		Hub:       hub,
		Profiles:  profiles,
		Grant:     grantCfg,
	}))
	if err != nil {
		return err
	}
	defer srv.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- svc.Run(runCtx)
	}()

	serveErr := srv.ListenAndServe(ctx)
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("conclave: live service stopped err=%v", err)
	}
	return serveErr
}

// openFeed selects Redis pub/sub when a URL is configured and the in-process
// broker otherwise.
func openFeed(ctx context.Context, redisURL string) (storage.Feed, func(), error) {
	if strings.TrimSpace(redisURL) == "" {
		broker := changefeed.New(changeBufferSize)
		return broker, broker.Close, nil
	}
	feed, err := redisfeed.Dial(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect change feed: %w", err)
	}
	return feed, func() {
		if err := feed.Close(); err != nil {
			log.Printf("conclave: close change feed err=%v", err)
		}
	}, nil
}

func openStore(path string, publisher storage.Publisher) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path, sqlite.WithPublisher(publisher))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
