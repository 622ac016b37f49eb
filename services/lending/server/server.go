// Package server exposes the loan lifecycle engine over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"gemfi/gateway/middleware"
	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
	"gemfi/services/lending/assistant"
	"gemfi/services/lending/stablecoins"
	"gemfi/storage/journal"
	"gemfi/storage/sqlstore"
)

// AdminStore persists operator settings. sqlstore.Store satisfies it.
type AdminStore interface {
	SetLender(ctx context.Context, address string, allowed bool, actor string) error
	Lenders(ctx context.Context) ([]sqlstore.LenderAllowance, error)
	SetStablecoin(ctx context.Context, symbol string, enabled bool) error
	SetPause(ctx context.Context, action string, paused bool) error
	Ping(ctx context.Context) error
}

// EventStream is the committed lifecycle journal. journal.Journal satisfies
// it.
type EventStream interface {
	Head() uint64
	Since(seq uint64, limit int) ([]journal.Entry, error)
	Notify(ch chan<- journal.Entry)
	Unsubscribe(ch chan<- journal.Entry)
}

// Rate limit groups.
const (
	LimitPublic = "public"
	LimitLoans  = "loans"
	LimitAdmin  = "admin"
)

type Options struct {
	Engine      *lending.Engine
	Admin       AdminStore
	Pauses      *nativecommon.Pauses
	Stablecoins *stablecoins.Registry
	Events      EventStream
	// Assistant may be nil, in which case /ask answers 503.
	Assistant   *assistant.Client
	Idempotency middleware.IdempotencyStore
	ExportDir   string

	Auth       middleware.AuthConfig
	RateLimits map[string]middleware.RateLimit
	CORS       middleware.CORSConfig
	// WebsocketOrigins are host patterns allowed to open the event stream
	// from a browser.
	WebsocketOrigins []string
	Registry         *prometheus.Registry
	Logger           *slog.Logger
}

type Server struct {
	engine      *lending.Engine
	admin       AdminStore
	pauses      *nativecommon.Pauses
	stablecoins *stablecoins.Registry
	events      EventStream
	assistant   *assistant.Client
	idempotency middleware.IdempotencyStore
	exportDir   string
	wsOrigins   []string

	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	logger  *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))
	if opts.Pauses == nil {
		opts.Pauses = nativecommon.NewPauses()
	}
	return &Server{
		engine:      opts.Engine,
		admin:       opts.Admin,
		pauses:      opts.Pauses,
		stablecoins: opts.Stablecoins,
		events:      opts.Events,
		assistant:   opts.Assistant,
		idempotency: opts.Idempotency,
		exportDir:   opts.ExportDir,
		wsOrigins:   opts.WebsocketOrigins,
		auth:        middleware.NewAuthenticator(opts.Auth, logger),
		limiter:     middleware.NewRateLimiter(opts.RateLimits, logger),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendingd",
			Enabled:     true,
			LogRequests: true,
			Registry:    opts.Registry,
		}, logger),
		cors:   opts.CORS,
		logger: logger,
	}, nil
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer, middleware.CORS(s.cors))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.obs.Middleware("catalog"), s.limiter.Middleware(LimitPublic))
			r.Get("/assets", s.handleListAssets)
			r.Get("/assets/{id}", s.handleGetAsset)
			r.Get("/assets/{id}/terms", s.handleTerms)
			r.Get("/stablecoins", s.handleListStablecoins)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.obs.Middleware("loans"), s.auth.Middleware(), s.limiter.Middleware(LimitLoans))
			if s.idempotency != nil {
				r.Use(middleware.WithIdempotency(s.idempotency, s.logger))
			}
			r.With(middleware.RequireScopes(middleware.ScopeBorrower)).Post("/loans", s.handleRequestLoan)
			r.Get("/loans", s.handleListLoans)
			r.Get("/loans/{id}", s.handleGetLoan)
			r.With(middleware.RequireScopes(middleware.ScopeLender)).Post("/loans/{id}/fund", s.handleFundLoan)
			r.With(middleware.RequireScopes(middleware.ScopeBorrower)).Post("/loans/{id}/repay", s.handleRepayLoan)
			r.Get("/loans/{id}/liquidation", s.handleCheckLiquidation)
			r.With(middleware.RequireScopes(middleware.ScopeLender)).Post("/loans/{id}/liquidate", s.handleLiquidateLoan)
			r.Get("/loans/{id}/receipt", s.handleLoanReceipt)
			r.Get("/receipts/{id}", s.handleReceipt)
			r.Post("/receipts/{id}/ask", s.handleAskReceipt)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware())
			r.Get("/events", s.handleEvents)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.obs.Middleware("admin"), s.auth.Middleware(middleware.ScopeAdmin), s.limiter.Middleware(LimitAdmin))
			r.Get("/lenders", s.handleListLenders)
			r.Put("/lenders/{address}", s.handleSetLender(true))
			r.Delete("/lenders/{address}", s.handleSetLender(false))
			r.Put("/stablecoins/{symbol}", s.handleSetStablecoin)
			r.Get("/pauses", s.handleListPauses)
			r.Put("/pauses/{action}", s.handleSetPause)
			r.Post("/sweep", s.handleSweep)
			r.Post("/exports/receipts", s.handleExportReceipts)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "time": s.engine.Now().UTC().Format(time.RFC3339)}
	if s.admin != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.admin.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "store": err.Error()})
			return
		}
	}
	if s.events != nil {
		status["journalHead"] = s.events.Head()
	}
	writeJSON(w, http.StatusOK, status)
}
