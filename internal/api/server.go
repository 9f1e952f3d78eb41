// Package api provides the HTTP server for the timebank ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/maintenance"
	"github.com/timebank-app/timebank/internal/app/reconciler"
	"github.com/timebank-app/timebank/internal/app/reward"
	"github.com/timebank-app/timebank/internal/app/session"
	"github.com/timebank-app/timebank/internal/auth"
	"github.com/timebank-app/timebank/internal/domain"
)

// maxBodyBytes bounds request bodies; a full reconcile batch fits easily.
const maxBodyBytes = 1 << 20

// Deps are the services the API exposes.
type Deps struct {
	Ledger     *ledger.Service
	Sessions   *session.Manager
	Rewards    *reward.Trigger
	Reconciler *reconciler.Reconciler
	Jobs       *maintenance.Jobs
	Admins     *auth.TokenSet
}

// Server is the timebank HTTP API server.
type Server struct {
	deps           Deps
	metricsEnabled bool
	requestTimeout time.Duration
	healthCheck    func(ctx context.Context) error
	log            *slog.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:           deps,
		requestTimeout: 30 * time.Second,
		log:            slog.Default().With("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealthCheck adds a dependency check to /health.
func (s *Server) SetHealthCheck(fn func(ctx context.Context) error) { s.healthCheck = fn }

// SetRequestTimeout bounds each request.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/bank", s.handleOpenBank)
			r.Get("/balance", s.handleBalance)
			r.Get("/ledger", s.handleLedger)
			r.Post("/sessions", s.handleStartSession)
			r.Get("/sessions/active", s.handleActiveSessions)
		})

		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Post("/sessions/{sessionID}/cancel", s.handleCancelSession)

		r.Post("/rewards/claim", s.handleClaimReward)

		r.Post("/reconcile", s.handleReconcile)
		r.Post("/reconcile/batch", s.handleReconcileBatch)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/users/{userID}/adjust", s.handleAdminAdjust)
			r.Post("/users/{userID}/audit", s.handleAdminAudit)
			r.Post("/users/{userID}/unfreeze", s.handleAdminUnfreeze)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Admin Auth ─────────────────────────────────────────────────────────────

type actorKey struct{}

// requireAdmin checks the bearer token and stores the matched actor id.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.deps.Admins == nil {
			s.writeDomainError(w, r, domain.ErrUnauthorized)
			return
		}
		actor, err := s.deps.Admins.Authenticate(strings.TrimSpace(token))
		if err != nil {
			s.log.Warn("Rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			s.writeDomainError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    code,
		},
	})
}

// errorStatus maps a domain error to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrBalanceOverflow):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrBankNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrClaimConflict):
		return http.StatusConflict, "claim_conflict"
	case errors.Is(err, domain.ErrDuplicateOperation):
		return http.StatusConflict, "duplicate_operation"
	case errors.Is(err, domain.ErrBankExists):
		return http.StatusConflict, "bank_exists"
	case errors.Is(err, domain.ErrBankFrozen):
		return http.StatusLocked, "bank_frozen"
	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusLocked, "invariant_violation"
	case errors.Is(err, domain.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "transient"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, msg)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Invalid("request body is empty")
		}
		return domain.Invalid("malformed request body: %v", err)
	}
	if dec.More() {
		return domain.Invalid("request body has trailing data")
	}
	return nil
}

// corsMiddleware adds CORS headers for browser-based parent dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Invalid("since must be RFC 3339: %v", err)
	}
	return t, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Invalid("limit must be a non-negative integer")
	}
	return n, nil
}
