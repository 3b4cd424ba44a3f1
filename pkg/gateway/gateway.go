// Package gateway serves the authenticated inference routes and runs the
// admission pipeline: credential check, rate limit, budget resolution,
// policy decision, upstream dispatch, pricing, and usage event emission.
// The gateway never mutates counters or sessions; all spend lands through
// the event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/cache"
	"github.com/spendgate/spendgate/pkg/policy"
	"github.com/spendgate/spendgate/pkg/pricing"
	"github.com/spendgate/spendgate/pkg/provider"
	"github.com/spendgate/spendgate/pkg/ratelimit"
	"github.com/spendgate/spendgate/pkg/tenants"
	"github.com/spendgate/spendgate/pkg/usage"
)

// appendTimeout bounds the event-stream append on the request path.
const appendTimeout = time.Second

// AuthStore looks up credentials. Implemented by pkg/store.
type AuthStore interface {
	APIKeyByDigest(ctx context.Context, digest string) (*tenants.APIKey, *tenants.Tenant, error)
	TouchAPIKey(ctx context.Context, keyID int64, at time.Time) error
}

// Resolver materializes the applicable budgets for a request.
type Resolver interface {
	Resolve(ctx context.Context, tenant tenants.Tenant, sessionID string, tagRefs []string) (*budget.ResolvedBudgets, error)
}

// RateLimiter admits or rejects by fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, tenantName string, ceiling *int64) (ratelimit.Result, error)
}

// Dispatcher forwards a normalized request upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Pricer computes the cost of a completed call.
type Pricer interface {
	Price(ctx context.Context, model string, u pricing.Usage) (decimal.Decimal, bool)
}

// Pinger is the DB health probe surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the pipeline stages behind the inference routes.
type Server struct {
	auth       AuthStore
	cache      *cache.Cache
	resolver   Resolver
	limiter    RateLimiter
	engine     policy.Engine
	dispatcher Dispatcher
	pricer     Pricer
	stream     usage.Stream
	db         Pinger
	middleware func(http.Handler) http.Handler
	log        *slog.Logger
	now        func() time.Time
}

// Options carries the server dependencies.
type Options struct {
	Auth       AuthStore
	Cache      *cache.Cache
	Resolver   Resolver
	Limiter    RateLimiter
	Engine     policy.Engine
	Dispatcher Dispatcher
	Pricer     Pricer
	Stream     usage.Stream
	DB         Pinger
	// Middleware optionally wraps the route table (telemetry, logging).
	Middleware func(http.Handler) http.Handler
}

// NewServer builds the gateway.
func NewServer(opts Options) *Server {
	return &Server{
		auth:       opts.Auth,
		cache:      opts.Cache,
		resolver:   opts.Resolver,
		limiter:    opts.Limiter,
		engine:     opts.Engine,
		dispatcher: opts.Dispatcher,
		pricer:     opts.Pricer,
		stream:     opts.Stream,
		db:         opts.DB,
		middleware: opts.Middleware,
		log:        slog.Default().With("component", "gateway"),
		now:        time.Now,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, route := range []string{
		"/v1/chat/completions",
		"/v1/completions",
		"/v1/responses",
		"/v1/messages",
	} {
		mux.HandleFunc("POST "+route, s.handleInference)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	var h http.Handler = s.recoverPanics(mux)
	if s.middleware != nil {
		h = s.middleware(h)
	}
	return h
}

// recoverPanics converts a handler panic into a 500 carrying an error id
// that pairs the response with the server-side log line.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				errID := uuid.NewString()
				s.log.Error("panic in request handler", "error_id", errID, "route", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "Internal error: "+errID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleHealth reports cache and DB reachability. Not authenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := map[string]string{"status": "ok", "cache": "disabled", "db": "ok"}
	if s.cache.Enabled() {
		report["cache"] = "ok"
	}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			report["status"] = "degraded"
			report["db"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the terse error envelope used on every denial path.
func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
