package settlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneymouth/battle-engine/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func battleWith(a, b int64) *model.Battle {
	return &model.Battle{
		ID:        "b1",
		SideA:     model.Side{ID: model.SideA, Label: "YES", Beneficiary: "Labor Rights Union", Amount: a},
		SideB:     model.Side{ID: model.SideB, Label: "NO", Beneficiary: "Chamber of Commerce", Amount: b},
		Status:    model.StatusExpired,
		CreatedAt: t0,
		ExpiresAt: t0.Add(time.Hour),
	}
}

func TestResolve_Winner(t *testing.T) {
	s := Resolve(battleWith(6200, 8320), DefaultFeeRate, t0)

	if s.WinningSideID != model.SideB {
		t.Errorf("expected side b to win, got %s", s.WinningSideID)
	}
	if s.Fee != 726 {
		t.Errorf("expected fee 726, got %d", s.Fee)
	}
	if s.Payout != 13794 {
		t.Errorf("expected payout 13794, got %d", s.Payout)
	}
	if len(s.Payouts) != 1 || s.Payouts[0].Beneficiary != "Chamber of Commerce" || s.Payouts[0].Amount != 13794 {
		t.Errorf("unexpected payouts: %+v", s.Payouts)
	}
	if !s.SettledAt.Equal(t0) {
		t.Errorf("expected settled_at %v, got %v", t0, s.SettledAt)
	}
}

func TestResolve_TieSplitsNetPot(t *testing.T) {
	tests := []struct {
		name  string
		a, b  int64
		fee   int64
		wantA int64
		wantB int64
	}{
		{"even net", 1000, 1000, 100, 950, 950},
		{"larger even net", 1100, 1100, 110, 1045, 1045},
		{"odd unit", 1010, 1010, 101, 960, 959},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Resolve(battleWith(tt.a, tt.b), DefaultFeeRate, t0)
			if s.WinningSideID != model.TieMarker {
				t.Fatalf("expected tie, got %s", s.WinningSideID)
			}
			if s.Fee != tt.fee {
				t.Errorf("expected fee %d, got %d", tt.fee, s.Fee)
			}
			if len(s.Payouts) != 2 {
				t.Fatalf("expected 2 payouts, got %d", len(s.Payouts))
			}
			if s.Payouts[0].SideID != model.SideA || s.Payouts[0].Amount != tt.wantA {
				t.Errorf("side a payout: %+v, want %d", s.Payouts[0], tt.wantA)
			}
			if s.Payouts[1].SideID != model.SideB || s.Payouts[1].Amount != tt.wantB {
				t.Errorf("side b payout: %+v, want %d", s.Payouts[1], tt.wantB)
			}
			if s.Payouts[0].Amount+s.Payouts[1].Amount+s.Fee != tt.a+tt.b {
				t.Error("payouts plus fee must equal the pot")
			}
		})
	}
}

func TestResolve_EmptyPot(t *testing.T) {
	s := Resolve(battleWith(0, 0), DefaultFeeRate, t0)
	if s.WinningSideID != model.TieMarker || s.Fee != 0 || s.Payout != 0 || len(s.Payouts) != 0 {
		t.Errorf("unexpected empty-pot settlement: %+v", s)
	}
}

func TestFee_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		pot  int64
		rate string
		want int64
	}{
		{14520, "0.05", 726},
		{110, "0.05", 6}, // 5.5
		{109, "0.05", 5}, // 5.45
		{10, "0.05", 1},  // 0.5
		{9, "0.05", 0},   // 0.45
		{1000, "0.1", 100},
	}
	for _, tt := range tests {
		if got := Fee(tt.pot, decimal.RequireFromString(tt.rate)); got != tt.want {
			t.Errorf("Fee(%d, %s) = %d, want %d", tt.pot, tt.rate, got, tt.want)
		}
	}
}
