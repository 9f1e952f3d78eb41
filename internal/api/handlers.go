package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/maintenance"
	"github.com/timebank-app/timebank/internal/app/reconciler"
	"github.com/timebank-app/timebank/internal/app/reward"
	"github.com/timebank-app/timebank/internal/app/session"
	"github.com/timebank-app/timebank/internal/domain"
)

// ─── Time Bank ──────────────────────────────────────────────────────────────
// POST /v1/users/{userID}/bank        open a bank (200 if it already exists)
// GET  /v1/users/{userID}/balance     current balance and lifetime totals
// GET  /v1/users/{userID}/ledger      entries newest first (?since&limit&cursor)

func (s *Server) handleOpenBank(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	bank, err := s.deps.Ledger.OpenBank(r.Context(), userID)
	if errors.Is(err, domain.ErrBankExists) {
		bank, err = s.deps.Ledger.Balance(r.Context(), userID)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, bank)
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bank)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bank, err := s.deps.Ledger.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	page, err := s.deps.Ledger.History(r.Context(), chi.URLParam(r, "userID"), ledger.HistoryQuery{
		Since:  since,
		Limit:  limit,
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, page)
}

// ─── Sessions ───────────────────────────────────────────────────────────────

type startSessionRequest struct {
	DurationSeconds int64  `json:"duration_seconds"`
	CostSeconds     int64  `json:"cost_seconds"`
	DeviceID        string `json:"device_id,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.deps.Sessions.Start(r.Context(), session.StartRequest{
		UserID:          chi.URLParam(r, "userID"),
		DurationSeconds: req.DurationSeconds,
		CostSeconds:     req.CostSeconds,
		DeviceID:        req.DeviceID,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.Active(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.UnlockedSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unlocked": len(sessions) > 0,
		"sessions": sessions,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type cancelSessionRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	var req cancelSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}
	sess, err := s.deps.Sessions.Cancel(r.Context(), chi.URLParam(r, "sessionID"), req.ActorID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ─── Rewards ────────────────────────────────────────────────────────────────

func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	var req reward.ClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.deps.Rewards.Claim(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ─── Reconciliation ─────────────────────────────────────────────────────────
// Terminal outcomes (applied, duplicate, rejected_*) are 200 with a result
// body. A retry is a 503 so device transports treat it as transient.

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var p domain.PendingTransaction
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.deps.Reconciler.Reconcile(r.Context(), p)
	if err != nil {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, string(domain.OutcomeRetry), res.Error)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reconcileBatchRequest struct {
	Transactions []domain.PendingTransaction `json:"transactions"`
}

func (s *Server) handleReconcileBatch(w http.ResponseWriter, r *http.Request) {
	var req reconcileBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(req.Transactions) > reconciler.MaxBatch {
		s.writeDomainError(w, r, domain.Invalid("batch of %d exceeds the limit of %d",
			len(req.Transactions), reconciler.MaxBatch))
		return
	}
	results := s.deps.Reconciler.ReconcileBatch(r.Context(), req.Transactions)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ─── Admin ──────────────────────────────────────────────────────────────────

type adjustRequest struct {
	NewBalanceSeconds int64  `json:"new_balance_seconds"`
	Reason            string `json:"reason"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.deps.Jobs.Adjust(r.Context(), maintenance.AdjustRequest{
		UserID:            chi.URLParam(r, "userID"),
		NewBalanceSeconds: req.NewBalanceSeconds,
		Reason:            req.Reason,
		ActorID:           actorFrom(r.Context()),
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Audit(r.Context(), chi.URLParam(r, "userID"))
	if err != nil && !(errors.Is(err, domain.ErrInvariantViolation) && report.UserID != "") {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type unfreezeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAdminUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req unfreezeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Ledger.Unfreeze(r.Context(), userID, actorFrom(r.Context()), req.Reason); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	bank, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}
