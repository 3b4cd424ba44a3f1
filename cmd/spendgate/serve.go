package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spendgate/spendgate/pkg/accounting"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/spendgate/spendgate/pkg/config"
	"github.com/spendgate/spendgate/pkg/gateway"
	"github.com/spendgate/spendgate/pkg/observability"
	"github.com/spendgate/spendgate/pkg/policy"
	"github.com/spendgate/spendgate/pkg/pricing"
	"github.com/spendgate/spendgate/pkg/provider"
	"github.com/spendgate/spendgate/pkg/ratelimit"
	"github.com/spendgate/spendgate/pkg/store"
	"github.com/spendgate/spendgate/pkg/usage"
)

const serviceVersion = "0.1.0"

// app holds the shared runtime wiring used by serve, worker, and doctor.
type app struct {
	cfg    *config.Config
	store  *store.Store
	rdb    *redis.Client
	cache  *cache.Cache
	stream usage.Stream
	log    *slog.Logger
}

// newApp loads config, opens the database, and connects Redis when
// configured. The stream is Redis-backed when Redis is available and falls
// back to the database outbox otherwise.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "spendgate")

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("spendgate: redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing without cache", "error", err)
			rdb = nil
		}
	}

	a := &app{
		cfg:   cfg,
		store: st,
		rdb:   rdb,
		cache: cache.New(rdb),
		log:   log,
	}

	if rdb != nil {
		host, _ := os.Hostname()
		a.stream, err = usage.NewRedisStream(ctx, rdb, host)
		if err != nil {
			a.close()
			return nil, err
		}
		log.Info("usage stream", "backend", "redis")
	} else {
		a.stream = store.NewOutboxStream(st)
		log.Info("usage stream", "backend", "outbox")
	}
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.store.Close()
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// buildEngine picks the policy engine. A compiled WASM module takes
// precedence over CEL rules when both are configured.
func buildEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (policy.Engine, func(context.Context) error, error) {
	noClose := func(context.Context) error { return nil }
	if cfg.PolicyWASMFile != "" {
		if cfg.PolicyRulesFile != "" {
			log.Warn("both policy files configured, using wasm", "wasm", cfg.PolicyWASMFile, "rules", cfg.PolicyRulesFile)
		}
		e, err := policy.LoadWASMEngine(ctx, cfg.PolicyWASMFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("policy engine", "kind", "wasm", "file", cfg.PolicyWASMFile)
		return e, e.Close, nil
	}
	if cfg.PolicyRulesFile != "" {
		e, err := policy.LoadCELEngine(cfg.PolicyRulesFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("policy engine", "kind", "cel", "file", cfg.PolicyRulesFile)
		return e, noClose, nil
	}
	return policy.NewRuleEngine(), noClose, nil
}

func (a *app) credentials() provider.Credentials {
	return provider.Credentials{
		OpenAIKey:     a.cfg.OpenAIKey,
		AnthropicKey:  a.cfg.AnthropicKey,
		GoogleKey:     a.cfg.GoogleKey,
		OpenAIBase:    a.cfg.OpenAIBaseURL,
		AnthropicBase: a.cfg.AnthropicBaseURL,
		GoogleBase:    a.cfg.GoogleBaseURL,
	}
}

// seedPricing loads the pricing seed file, if configured, into the
// versioned pricing table. Existing versions are left untouched.
func (a *app) seedPricing(ctx context.Context) error {
	if a.cfg.PricingFile == "" {
		return nil
	}
	rows, err := pricing.LoadSeed(a.cfg.PricingFile)
	if err != nil {
		return err
	}
	if err := a.store.UpsertPricing(ctx, rows); err != nil {
		return err
	}
	a.log.Info("pricing seeded", "file", a.cfg.PricingFile, "models", len(rows))
	return nil
}

func runServe(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	defer a.close()

	if err := a.seedPricing(ctx); err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}

	engine, closeEngine, err := buildEngine(ctx, a.cfg, a.log)
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	defer closeEngine(context.Background())

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "spendgate",
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	defer obs.Shutdown(context.Background())

	srv := gateway.NewServer(gateway.Options{
		Auth:       a.store,
		Cache:      a.cache,
		Resolver:   budget.NewResolver(a.cache, a.store, a.cfg.Fallback()),
		Limiter:    ratelimit.New(a.rdb, ratelimit.DefaultWindow),
		Engine:     engine,
		Dispatcher: provider.NewDispatcher(a.credentials(), nil),
		Pricer:     pricing.NewTable(a.cache, a.store),
		Stream:     a.stream,
		DB:         a.store,
		Middleware: obs.Middleware,
	})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = accounting.New(a.stream, a.store, a.cache).Run(ctx)
	}()

	err = srv.Run(ctx, ":"+a.cfg.Port)
	stop()
	<-workerDone
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	return 0
}
