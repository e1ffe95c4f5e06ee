// Package server exposes the librarian's peer-facing and administrative
// HTTP API. Every status mutation commits before the response is
// written, so a peer that never sees the response can reconcile through
// the watchdog tasks instead.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"librarian-go/internal/api"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// Server routes the /api/v2 surface onto a Service.
type Server struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	description string
	httpServer  *http.Server
}

// Options configures a Server.
type Options struct {
	Port        int
	Description string
	// Metrics exposes Prometheus metrics on /metrics when set.
	Metrics bool
}

func New(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock, opts Options) *Server {
	s := &Server{
		svc:         svc,
		logger:      logger,
		clock:       clock,
		description: opts.Description,
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)

	router.Route("/api/v2", func(r chi.Router) {
		r.Post("/ping", s.requireAuth(model.AuthReadonly, s.handlePing))

		r.Post("/clone/stage", s.requireAuth(model.AuthCallback, s.handleCloneStage))
		r.Post("/clone/ongoing", s.requireAuth(model.AuthCallback, s.handleCloneOngoing))
		r.Post("/clone/staged", s.requireAuth(model.AuthCallback, s.handleCloneStaged))
		r.Post("/clone/complete", s.requireAuth(model.AuthCallback, s.handleCloneComplete))
		r.Post("/clone/fail", s.requireAuth(model.AuthCallback, s.handleCloneFail))

		r.Post("/corrupt/prepare", s.requireAuth(model.AuthCallback, s.handleCorruptPrepare))
		r.Post("/corrupt/resend", s.requireAuth(model.AuthCallback, s.handleCorruptResend))

		r.Post("/validate/file", s.requireAuth(model.AuthReadonly, s.handleValidateFile))

		r.Post("/transfers/status", s.requireAuth(model.AuthCallback, s.handleTransfersStatus))
		r.Post("/transfers/update", s.requireAuth(model.AuthCallback, s.handleTransfersUpdate))
		r.Post("/transfers/record_status", s.requireAuth(model.AuthCallback, s.handleTransferRecordStatus))

		r.Post("/admin/add_file", s.requireAuth(model.AuthAdmin, s.handleAdminAddFile))
		r.Post("/admin/verify_file", s.requireAuth(model.AuthAdmin, s.handleAdminVerifyFile))
		r.Get("/admin/errors", s.requireAuth(model.AuthAdmin, s.handleListErrors))
		r.Post("/admin/errors/clear", s.requireAuth(model.AuthAdmin, s.handleClearError))
	})

	if opts.Metrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return ctx.Err()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var httpErr *librarian.HTTPError
	if !errors.As(err, &httpErr) {
		s.logger.Error("request failed", "error", err)
		httpErr = &librarian.HTTPError{
			Status: http.StatusInternalServerError,
			Reason: "internal error",
		}
	}
	s.writeJSON(w, httpErr.Status, api.ErrorResponse{
		Reason:          httpErr.Reason,
		SuggestedRemedy: httpErr.SuggestedRemedy,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, &librarian.HTTPError{
			Status:          http.StatusBadRequest,
			Reason:          "malformed request body",
			SuggestedRemedy: "send a valid JSON body",
		})
		return false
	}
	return true
}
