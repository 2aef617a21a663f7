// Package server exposes the simulation over HTTP: the clock surface, the
// market views, the trade endpoint, crash controls, loans, retention and
// system administration, plus a websocket clock stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/retrograde/internal/database"
	"github.com/aristath/retrograde/internal/engine"
	"github.com/aristath/retrograde/internal/modules/loans"
	"github.com/aristath/retrograde/internal/modules/portfolio"
	"github.com/aristath/retrograde/internal/modules/retention"
	"github.com/aristath/retrograde/internal/modules/views"
	"github.com/aristath/retrograde/internal/refdata"
	"github.com/aristath/retrograde/internal/reliability"
	"github.com/aristath/retrograde/internal/simclock"
)

// Deps carries everything the handlers reach into.
type Deps struct {
	Port      int
	DevMode   bool
	AccountID string
	DataDir   string

	Engine    *engine.Engine
	Clock     *simclock.Clock
	Catalog   *refdata.Catalog
	Views     *views.Service
	Valuation *portfolio.Service
	Loans     *loans.Service
	Retention *retention.Service
	Backup    *reliability.BackupService // nil when backups are disabled
	Databases []*database.DB

	Log zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	router *chi.Mux
	server *http.Server
	deps   Deps
	log    zerolog.Logger
}

// New builds the router and the underlying http.Server.
func New(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		log:    deps.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(deps.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/time", func(r chi.Router) {
			r.Get("/", s.handleTime)
			r.Post("/pause", s.handleTimePause)
			r.Post("/speed", s.handleTimeSpeed)
			r.Get("/stream", s.handleTimeStream)
		})

		r.Route("/stocks", func(r chi.Router) {
			r.Get("/", s.handleStocks)
			r.Get("/{symbol}", s.handleStock)
			r.Get("/{symbol}/history", s.handleStockHistory)
		})
		r.Get("/market/index", s.handleMarketIndex)
		r.Get("/companies/{symbol}", s.handleCompany)
		r.Get("/news", s.handleNews)
		r.Get("/emails", s.handleEmails)

		r.Get("/account", s.handleAccount)
		r.Route("/trade", func(r chi.Router) {
			r.Post("/", s.handleTrade)
			r.Get("/pending", s.handlePendingOrders)
			r.Post("/cancel/{id}", s.handleCancelOrder)
		})

		r.Route("/indexfunds", func(r chi.Router) {
			r.Get("/", s.handleIndexFunds)
			r.Get("/{symbol}", s.handleIndexFund)
			r.Get("/{symbol}/history", s.handleIndexFundHistory)
		})

		r.Route("/crash", func(r chi.Router) {
			r.Get("/scenarios", s.handleCrashScenarios)
			r.Post("/trigger", s.handleCrashTrigger)
			r.Post("/deactivate/{id}", s.handleCrashDeactivate)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", s.handleLoans)
			r.Get("/lenders", s.handleLenders)
			r.Post("/take", s.handleLoanTake)
			r.Post("/{id}/repay", s.handleLoanRepay)
		})

		r.Route("/retention", func(r chi.Router) {
			r.Get("/config", s.handleRetentionGet)
			r.Post("/config", s.handleRetentionSet)
			r.Post("/prune", s.handleRetentionPrune)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.handleSystemHealth)
			r.Post("/backup", s.handleSystemBackup)
			r.Get("/backups", s.handleSystemBackupList)
		})
	})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.deps.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
