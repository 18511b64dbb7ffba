// Package api provides the HTTP handlers for creating battles, submitting
// pledges, and querying battles and wallets.
//
// All monetary values are int64 minor currency units, never float64 for
// money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moneymouth/battle-engine/internal/cooldown"
	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/pledge"
	"github.com/moneymouth/battle-engine/internal/projection"
	"github.com/moneymouth/battle-engine/internal/store"
	"github.com/moneymouth/battle-engine/internal/wallet"
)

// MaxBattleDuration caps how far in the future a new battle may expire.
const MaxBattleDuration = 30 * 24 * time.Hour

// Service handles battle, pledge and wallet requests.
type Service struct {
	store   store.Store
	pledges *pledge.Engine
	ledger  *wallet.Ledger
	guard   *cooldown.Guard
	now     func() time.Time
}

// NewService creates a new API service.
func NewService(st store.Store, pledges *pledge.Engine, ledger *wallet.Ledger, guard *cooldown.Guard) *Service {
	return &Service{
		store:   st,
		pledges: pledges,
		ledger:  ledger,
		guard:   guard,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// SideRequest describes one side of a new battle.
type SideRequest struct {
	Label       string `json:"label"`
	Beneficiary string `json:"beneficiary"` // payout institution
}

// CreateBattleRequest is the JSON body for battle creation.
type CreateBattleRequest struct {
	Question    string      `json:"question"`
	Description string      `json:"description"`
	SideA       SideRequest `json:"side_a"`
	SideB       SideRequest `json:"side_b"`
	Duration    string      `json:"duration"` // Go duration, e.g. "45m" or "24h"
}

// PledgeRequest is the JSON body for POST /battles/{battleID}/pledges.
type PledgeRequest struct {
	ParticipantID string `json:"participant_id"`
	SideID        string `json:"side_id"` // "a" or "b"
	Amount        int64  `json:"amount"`  // minor units
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

// WalletResponse is the wallet summary.
type WalletResponse struct {
	ParticipantID   string  `json:"participant_id"`
	Balance         int64   `json:"balance"`
	CanPledge       bool    `json:"can_pledge"`
	CooldownSeconds int64   `json:"cooldown_remaining_seconds"`
	Denominations   []int64 `json:"denominations"`
	LastPledgeAt    *string `json:"last_pledge_at,omitempty"`
	PledgeCount     int     `json:"pledge_count"`
	TotalPledged    int64   `json:"total_pledged"`
}

// EntryResponse is returned after a deposit or withdrawal.
type EntryResponse struct {
	Entry   *model.WalletEntry `json:"entry"`
	Balance int64              `json:"balance"`
}

// --- HTTP Handlers ---

// ListBattles handles GET /api/v1/battles
// Returns battles accepting pledges by default, soonest expiry first. An
// OPEN battle past its expiry that the sweep has not reached yet is left
// out; ?status=all still shows it. ?status=EXPIRED and ?status=SETTLED
// select other lifecycles.
func (s *Service) ListBattles(w http.ResponseWriter, r *http.Request) {
	statuses := []model.Status{model.StatusOpen}
	switch q := strings.ToUpper(r.URL.Query().Get("status")); q {
	case "", string(model.StatusOpen):
	case "ALL":
		statuses = nil
	case string(model.StatusExpired), string(model.StatusSettled):
		statuses = []model.Status{model.Status(q)}
	default:
		writeError(w, "status must be OPEN, EXPIRED, SETTLED or all", http.StatusBadRequest)
		return
	}

	battles, err := s.store.ListBattles(r.Context(), statuses...)
	if err != nil {
		writeError(w, "failed to list battles", http.StatusInternalServerError)
		return
	}

	now := s.now()
	if len(statuses) == 1 && statuses[0] == model.StatusOpen {
		battles = slices.DeleteFunc(battles, func(b model.Battle) bool {
			return !b.IsAcceptingPledges(now)
		})
	}
	writeJSON(w, http.StatusOK, projection.ProjectAll(battles, now))
}

// CreateBattle handles POST /api/v1/battles
func (s *Service) CreateBattle(w http.ResponseWriter, r *http.Request) {
	var req CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}
	if req.SideA.Beneficiary == "" || req.SideB.Beneficiary == "" {
		writeError(w, "both sides need a beneficiary", http.StatusBadRequest)
		return
	}
	dur, err := time.ParseDuration(req.Duration)
	if err != nil || dur <= 0 || dur > MaxBattleDuration {
		writeError(w, "duration must be a positive Go duration up to 720h", http.StatusBadRequest)
		return
	}

	now := s.now()
	battle := &model.Battle{
		ID:          uuid.New().String(),
		Question:    strings.TrimSpace(req.Question),
		Description: req.Description,
		SideA:       model.Side{ID: model.SideA, Label: req.SideA.Label, Beneficiary: req.SideA.Beneficiary},
		SideB:       model.Side{ID: model.SideB, Label: req.SideB.Label, Beneficiary: req.SideB.Beneficiary},
		Status:      model.StatusOpen,
		CreatedAt:   now,
		ExpiresAt:   now.Add(dur),
	}

	if err := s.store.CreateBattle(r.Context(), battle); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("battle created",
		"id", battle.ID,
		"question", battle.Question,
		"expires_at", battle.ExpiresAt,
	)
	writeJSON(w, http.StatusCreated, projection.Project(battle, now))
}

// GetBattle handles GET /api/v1/battles/{battleID}
func (s *Service) GetBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	battle, err := s.store.GetBattle(r.Context(), battleID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projection.Project(battle, s.now()))
}

// ListPledges handles GET /api/v1/battles/{battleID}/pledges
// Returns the battle's pledge history, oldest first.
func (s *Service) ListPledges(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	ctx := r.Context()

	if _, err := s.store.GetBattle(ctx, battleID); err != nil {
		writeDomainError(w, err)
		return
	}
	pledges, err := s.store.GetPledgesByBattle(ctx, battleID)
	if err != nil {
		writeError(w, "failed to load pledges", http.StatusInternalServerError)
		return
	}
	if pledges == nil {
		pledges = []model.PledgeRecord{}
	}
	writeJSON(w, http.StatusOK, pledges)
}

// SubmitPledge handles POST /api/v1/battles/{battleID}/pledges
func (s *Service) SubmitPledge(w http.ResponseWriter, r *http.Request) {
	var req PledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	battle, err := s.pledges.Submit(r.Context(), pledge.Request{
		BattleID:      chi.URLParam(r, "battleID"),
		ParticipantID: req.ParticipantID,
		SideID:        req.SideID,
		Amount:        req.Amount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, projection.Project(battle, s.now()))
}

// GetWallet handles GET /api/v1/wallets/{participantID}
// Returns balance, pledge totals and the cooldown state.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	ctx := r.Context()

	balance, err := s.ledger.Balance(ctx, participantID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	last, ok, err := s.store.GetLastPledgeAt(ctx, participantID)
	if err != nil {
		writeError(w, "failed to load cooldown", http.StatusInternalServerError)
		return
	}
	pledges, err := s.store.GetPledgesByParticipant(ctx, participantID)
	if err != nil {
		writeError(w, "failed to load pledges", http.StatusInternalServerError)
		return
	}

	resp := WalletResponse{
		ParticipantID: participantID,
		Balance:       balance,
		CanPledge:     true,
		Denominations: s.pledges.Denominations(),
		PledgeCount:   len(pledges),
	}
	for _, p := range pledges {
		resp.TotalPledged += p.Amount
	}
	if ok {
		at := last.Format(time.RFC3339)
		resp.LastPledgeAt = &at
		if rem := s.guard.Remaining(last, s.now()); rem > 0 {
			resp.CanPledge = false
			resp.CooldownSeconds = ceilSeconds(rem)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTransactions handles GET /api/v1/wallets/{participantID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	entries, err := s.ledger.History(r.Context(), participantID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.WalletEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Deposit handles POST /api/v1/wallets/{participantID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.ledger.Deposit)
}

// Withdraw handles POST /api/v1/wallets/{participantID}/withdrawals
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.ledger.Withdraw)
}

type ledgerOp func(ctx context.Context, participantID string, amount int64) (*model.WalletEntry, error)

func (s *Service) moveFunds(w http.ResponseWriter, r *http.Request, op ledgerOp) {
	participantID := chi.URLParam(r, "participantID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	entry, err := op(ctx, participantID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	balance, err := s.ledger.Balance(ctx, participantID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, EntryResponse{Entry: entry, Balance: balance})
}

// --- Responses ---

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists), errors.Is(err, model.ErrBattleClosed):
		return http.StatusConflict
	case errors.Is(err, model.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with its mapped status. Cooldown rejections
// carry a Retry-After header.
func writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	var active *cooldown.ActiveError
	if errors.As(err, &active) {
		w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(active.Remaining), 10))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
