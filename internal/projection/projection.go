// Package projection derives read-side views of a battle: side shares,
// the countdown to expiry and the current leader. Everything here is a pure
// function of a battle snapshot and the clock.
package projection

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneymouth/battle-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// ShareOf returns the side's share of the pot as a percentage rounded to two
// decimal places. An empty pot yields 0% for both sides.
func ShareOf(b *model.Battle, sideID string) decimal.Decimal {
	side := b.Side(sideID)
	if side == nil {
		return decimal.Zero
	}
	pot := b.TotalPot()
	if pot == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(side.Amount).Mul(hundred).Div(decimal.NewFromInt(pot)).Round(2)
}

// Countdown is the time left until a battle stops accepting pledges.
type Countdown struct {
	Remaining time.Duration `json:"remaining_ns"`
	Seconds   int64         `json:"remaining_seconds"`
	Ended     bool          `json:"ended"`
}

// Remaining computes the countdown at now. It clamps at zero and reports
// Ended once now reaches expiresAt, regardless of settlement progress.
func Remaining(now, expiresAt time.Time) Countdown {
	if !now.Before(expiresAt) {
		return Countdown{Ended: true}
	}
	rem := expiresAt.Sub(now)
	return Countdown{Remaining: rem, Seconds: int64(rem / time.Second)}
}

// SideView is one side as shown to clients.
type SideView struct {
	model.Side
	Share decimal.Decimal `json:"share"`
}

// View is a battle snapshot projected for clients.
type View struct {
	ID          string            `json:"id"`
	Question    string            `json:"question"`
	Description string            `json:"description"`
	Status      model.Status      `json:"status"`
	SideA       SideView          `json:"side_a"`
	SideB       SideView          `json:"side_b"`
	TotalPot    int64             `json:"total_pot"`
	Leader      string            `json:"leader"` // side id, TieMarker, or empty when the pot is empty
	Countdown   Countdown         `json:"countdown"`
	Settlement  *model.Settlement `json:"settlement,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Version     int64             `json:"version"`
}

// Leader returns the side currently holding the larger amount, TieMarker
// when both sides are equal and non-zero, or "" for an empty pot.
func Leader(b *model.Battle) string {
	switch {
	case b.TotalPot() == 0:
		return ""
	case b.SideA.Amount > b.SideB.Amount:
		return b.SideA.ID
	case b.SideB.Amount > b.SideA.Amount:
		return b.SideB.ID
	}
	return model.TieMarker
}

// Project builds the client view of b at now.
func Project(b *model.Battle, now time.Time) View {
	v := View{
		ID:          b.ID,
		Question:    b.Question,
		Description: b.Description,
		Status:      b.Status,
		SideA:       SideView{Side: b.SideA, Share: ShareOf(b, b.SideA.ID)},
		SideB:       SideView{Side: b.SideB, Share: ShareOf(b, b.SideB.ID)},
		TotalPot:    b.TotalPot(),
		Leader:      Leader(b),
		Countdown:   Remaining(now, b.ExpiresAt),
		CreatedAt:   b.CreatedAt,
		ExpiresAt:   b.ExpiresAt,
		Version:     b.Version,
	}
	if b.Settlement != nil {
		s := *b.Settlement
		s.Payouts = append([]model.Payout(nil), b.Settlement.Payouts...)
		v.Settlement = &s
	}
	return v
}

// ProjectAll projects every battle in order.
func ProjectAll(battles []model.Battle, now time.Time) []View {
	out := make([]View, 0, len(battles))
	for i := range battles {
		out = append(out, Project(&battles[i], now))
	}
	return out
}
