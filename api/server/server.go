// Package server exposes the accounting engine over HTTP: read-only
// reporting of strategies, accounts and global state, mutating endpoints
// for every engine operation, and token-gated admin endpoints. Amounts are
// serialized as decimal strings end to end.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/signalworks/voteflow/api/metrics"
	"github.com/signalworks/voteflow/engine/pkg/core"
	"github.com/signalworks/voteflow/engine/pkg/journal"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  *core.Engine
	jrnl    *journal.Postgres
	limiter *rateLimiter
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		engine:  cfg.Engine,
		jrnl:    cfg.Journal,
		limiter: newRateLimiter(cfg.MutationRate, cfg.MutationBurst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Get("/overview", s.handleOverview)
		r.Get("/strategies", s.handleListStrategies)
		r.Get("/strategies/{id}", s.handleGetStrategy)
		r.Get("/accounts/{account}", s.handleGetAccount)
		r.Get("/events", s.handleListEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.mutationRateLimit)
			r.Post("/stake", s.handleStake)
			r.Post("/unstake", s.handleUnstake)
			r.Post("/vote", s.handleVote)
			r.Post("/reset", s.handleReset)
			r.Post("/distribute", s.handleDistribute)
			r.Post("/strategies/{id}/buy", s.handleBuy)
			r.Post("/strategies/{id}/flush", s.handleFlushBuffer)
			r.Post("/claim", s.handleClaimRewards)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/revenue", s.handleCreditRevenue)
			r.Post("/strategies", s.handleAddStrategy)
			r.Post("/strategies/{id}/retire", s.handleRetireStrategy)
			r.Post("/strategies/{id}/revive", s.handleReviveStrategy)
			r.Post("/strategies/{id}/reward-assets", s.handleAddRewardAsset)
			r.Put("/bribe-split", s.handleSetBribeSplit)
			r.Put("/treasury", s.handleSetTreasury)
			r.Put("/revenue-source", s.handleSetRevenueSource)
		})
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	go s.limiter.cleanupLoop(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
