package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/moneymouth/battle-engine/internal/api"
	"github.com/moneymouth/battle-engine/internal/cooldown"
	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/pledge"
	"github.com/moneymouth/battle-engine/internal/projection"
	"github.com/moneymouth/battle-engine/internal/store"
	"github.com/moneymouth/battle-engine/internal/wallet"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, hub *api.Hub) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	guard := cooldown.NewGuard(cooldown.DefaultWindow)
	ledger := wallet.NewLedger(ms, nil)
	var notify pledge.Broadcaster
	if hub != nil {
		notify = hub
	}
	engine := pledge.NewEngine(ms, guard, pledge.Config{}, notify, nil)
	svc := api.NewService(ms, engine, ledger, guard)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
		r.Get("/battles", svc.ListBattles)
		r.Post("/battles", svc.CreateBattle)
		r.Get("/battles/{battleID}", svc.GetBattle)
		r.Get("/battles/{battleID}/pledges", svc.ListPledges)
		r.Post("/battles/{battleID}/pledges", svc.SubmitPledge)
		r.Get("/wallets/{participantID}", svc.GetWallet)
		r.Get("/wallets/{participantID}/transactions", svc.ListTransactions)
		r.Post("/wallets/{participantID}/deposits", svc.Deposit)
		r.Post("/wallets/{participantID}/withdrawals", svc.Withdraw)
	})
	return ms, r
}

// seedBattle creates a test battle directly in the store.
func seedBattle(t *testing.T, ms *store.MemoryStore, id string, status model.Status, expiresIn time.Duration) *model.Battle {
	t.Helper()
	now := time.Now().UTC()
	battle := &model.Battle{
		ID:        id,
		Question:  "Should AI development be paused for 6 months?",
		SideA:     model.Side{ID: model.SideA, Label: "PAUSE IT", Beneficiary: "Humanity Forward Foundation"},
		SideB:     model.Side{ID: model.SideB, Label: "FULL SPEED", Beneficiary: "Open Science Alliance"},
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	}
	if err := ms.CreateBattle(context.Background(), battle); err != nil {
		t.Fatalf("failed to seed battle: %v", err)
	}
	return battle
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func deposit(t *testing.T, router chi.Router, participant string, amount int64) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/wallets/"+participant+"/deposits", api.AmountRequest{Amount: amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Pledge tests ---

func TestSubmitPledge_Accepted(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedBattle(t, ms, "b1", model.StatusOpen, time.Hour)
	deposit(t, router, "alice", 4500)

	w := do(t, router, "POST", "/api/v1/battles/b1/pledges", api.PledgeRequest{
		ParticipantID: "alice",
		SideID:        model.SideA,
		Amount:        500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var view projection.View
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.SideA.Amount != 500 || view.TotalPot != 500 {
		t.Errorf("unexpected view: side a %d, pot %d", view.SideA.Amount, view.TotalPot)
	}
	if view.SideA.Share.String() != "100" {
		t.Errorf("expected 100%% share, got %s", view.SideA.Share)
	}
	if view.Leader != model.SideA {
		t.Errorf("expected side a to lead, got %q", view.Leader)
	}

	w = do(t, router, "GET", "/api/v1/battles/b1/pledges", nil)
	var pledges []model.PledgeRecord
	json.Unmarshal(w.Body.Bytes(), &pledges)
	if len(pledges) != 1 || pledges[0].ParticipantID != "alice" {
		t.Errorf("unexpected pledge history: %+v", pledges)
	}
}

func TestSubmitPledge_StatusMapping(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedBattle(t, ms, "open", model.StatusOpen, time.Hour)
	seedBattle(t, ms, "settled", model.StatusSettled, -time.Hour)
	deposit(t, router, "alice", 4500)

	tests := []struct {
		name   string
		battle string
		req    api.PledgeRequest
		want   int
	}{
		{"bad amount", "open", api.PledgeRequest{ParticipantID: "alice", SideID: "a", Amount: 700}, http.StatusBadRequest},
		{"bad side", "open", api.PledgeRequest{ParticipantID: "alice", SideID: "x", Amount: 100}, http.StatusBadRequest},
		{"missing battle", "nope", api.PledgeRequest{ParticipantID: "alice", SideID: "a", Amount: 100}, http.StatusNotFound},
		{"closed battle", "settled", api.PledgeRequest{ParticipantID: "alice", SideID: "a", Amount: 100}, http.StatusConflict},
		{"no funds", "open", api.PledgeRequest{ParticipantID: "bob", SideID: "b", Amount: 100}, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/battles/"+tt.battle+"/pledges", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitPledge_CooldownRetryAfter(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedBattle(t, ms, "b1", model.StatusOpen, time.Hour)
	deposit(t, router, "alice", 4500)

	req := api.PledgeRequest{ParticipantID: "alice", SideID: model.SideB, Amount: 100}
	if w := do(t, router, "POST", "/api/v1/battles/b1/pledges", req); w.Code != http.StatusCreated {
		t.Fatalf("first pledge: %d %s", w.Code, w.Body.String())
	}

	w := do(t, router, "POST", "/api/v1/battles/b1/pledges", req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs <= 0 || secs > 600 {
		t.Errorf("unexpected Retry-After %q", w.Header().Get("Retry-After"))
	}

	w = do(t, router, "GET", "/api/v1/wallets/alice", nil)
	var wallet api.WalletResponse
	json.Unmarshal(w.Body.Bytes(), &wallet)
	if wallet.CanPledge || wallet.CooldownSeconds <= 0 {
		t.Errorf("wallet should report an active cooldown: %+v", wallet)
	}
	if wallet.Balance != 4400 || wallet.PledgeCount != 1 || wallet.TotalPledged != 100 {
		t.Errorf("unexpected wallet: %+v", wallet)
	}
}

func TestSubmitPledge_InvalidBody(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedBattle(t, ms, "b1", model.StatusOpen, time.Hour)

	req := httptest.NewRequest("POST", "/api/v1/battles/b1/pledges", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Battle tests ---

func TestCreateBattle(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/battles", api.CreateBattleRequest{
		Question:    "Is a 4-day work week the future?",
		Description: "Productivity increases with rest vs. The economy cannot sustain it.",
		SideA:       api.SideRequest{Label: "YES, 4 DAYS", Beneficiary: "Labor Rights Union"},
		SideB:       api.SideRequest{Label: "NO, 5 DAYS", Beneficiary: "Chamber of Commerce"},
		Duration:    "45m",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var view projection.View
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.ID == "" || view.Status != model.StatusOpen {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.Countdown.Ended || view.Countdown.Seconds <= 0 || view.Countdown.Seconds > 45*60 {
		t.Errorf("unexpected countdown: %+v", view.Countdown)
	}

	w = do(t, router, "GET", "/api/v1/battles/"+view.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected created battle to be readable, got %d", w.Code)
	}
}

func TestCreateBattle_Validation(t *testing.T) {
	_, router := newTestEnv(t, nil)

	valid := api.CreateBattleRequest{
		Question: "q",
		SideA:    api.SideRequest{Beneficiary: "x"},
		SideB:    api.SideRequest{Beneficiary: "y"},
		Duration: "1h",
	}
	tests := []struct {
		name   string
		mutate func(*api.CreateBattleRequest)
	}{
		{"missing question", func(r *api.CreateBattleRequest) { r.Question = " " }},
		{"missing beneficiary", func(r *api.CreateBattleRequest) { r.SideB.Beneficiary = "" }},
		{"bad duration", func(r *api.CreateBattleRequest) { r.Duration = "tomorrow" }},
		{"negative duration", func(r *api.CreateBattleRequest) { r.Duration = "-1h" }},
		{"too long", func(r *api.CreateBattleRequest) { r.Duration = "1000h" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if w := do(t, router, "POST", "/api/v1/battles", req); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestListBattles_OpenOrderedByExpiry(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedBattle(t, ms, "late", model.StatusOpen, 24*time.Hour)
	seedBattle(t, ms, "soon", model.StatusOpen, 45*time.Minute)
	seedBattle(t, ms, "mid", model.StatusOpen, 2*time.Hour)
	seedBattle(t, ms, "done", model.StatusSettled, -time.Hour)

	w := do(t, router, "GET", "/api/v1/battles", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []projection.View
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 3 {
		t.Fatalf("expected 3 open battles, got %d", len(views))
	}
	if views[0].ID != "soon" || views[1].ID != "mid" || views[2].ID != "late" {
		t.Errorf("unexpected order: %s, %s, %s", views[0].ID, views[1].ID, views[2].ID)
	}

	w = do(t, router, "GET", "/api/v1/battles?status=all", nil)
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 4 {
		t.Errorf("expected 4 battles with status=all, got %d", len(views))
	}

	if w := do(t, router, "GET", "/api/v1/battles?status=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", w.Code)
	}
}

func TestListBattles_HidesDueBattlesAwaitingSweep(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedBattle(t, ms, "live", model.StatusOpen, time.Hour)
	seedBattle(t, ms, "due", model.StatusOpen, -time.Minute)

	for _, path := range []string{"/api/v1/battles", "/api/v1/battles?status=open"} {
		w := do(t, router, "GET", path, nil)
		var views []projection.View
		json.Unmarshal(w.Body.Bytes(), &views)
		if len(views) != 1 || views[0].ID != "live" {
			t.Errorf("%s: expected only the live battle, got %+v", path, views)
		}
	}

	w := do(t, router, "GET", "/api/v1/battles?status=all", nil)
	var views []projection.View
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 2 || views[0].ID != "due" || !views[0].Countdown.Ended {
		t.Errorf("status=all should still list the due battle as ended, got %+v", views)
	}
}

func TestListBattles_EmptyIsArray(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := do(t, router, "GET", "/api/v1/battles", nil)
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty JSON array, got %s", body)
	}
}

func TestGetBattle_NotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)
	if w := do(t, router, "GET", "/api/v1/battles/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/battles/missing/pledges", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for pledges of missing battle, got %d", w.Code)
	}
}

// --- Wallet tests ---

func TestWallet_DepositWithdrawHistory(t *testing.T) {
	_, router := newTestEnv(t, nil)
	deposit(t, router, "carol", 4500)

	w := do(t, router, "POST", "/api/v1/wallets/carol/withdrawals", api.AmountRequest{Amount: 1000})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.EntryResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Balance != 3500 || resp.Entry.Kind != model.EntryWithdraw {
		t.Errorf("unexpected withdrawal response: %+v", resp)
	}

	if w := do(t, router, "POST", "/api/v1/wallets/carol/withdrawals", api.AmountRequest{Amount: 99999}); w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/wallets/carol/deposits", api.AmountRequest{Amount: 0}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/wallets/carol/transactions", nil)
	var entries []model.WalletEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	w = do(t, router, "GET", "/api/v1/wallets/carol", nil)
	var summary api.WalletResponse
	json.Unmarshal(w.Body.Bytes(), &summary)
	if summary.Balance != 3500 || !summary.CanPledge || len(summary.Denominations) != 3 {
		t.Errorf("unexpected wallet summary: %+v", summary)
	}
}

func TestWallet_UnknownParticipantIsEmpty(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := do(t, router, "GET", "/api/v1/wallets/nobody/transactions", nil)
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty JSON array, got %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrValidation, http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrBattleClosed, http.StatusConflict},
		{model.ErrAlreadyExists, http.StatusConflict},
		{&cooldown.ActiveError{Remaining: time.Minute}, http.StatusTooManyRequests},
		{model.ErrInsufficientFunds, http.StatusPaymentRequired},
		{model.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
