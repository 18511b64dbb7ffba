// Package settlement closes battles at expiry and hands the result to the
// payment executor.
//
// A sweep runs in three steps: OPEN battles past their expiry move to
// EXPIRED, EXPIRED battles are resolved and move to SETTLED together with an
// outbox event, and pending outbox events are published. Every step is
// idempotent, so a failed or repeated sweep never settles or emits twice.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneymouth/battle-engine/internal/model"
)

// DefaultFeeRate is the platform fee taken from the pot (5%).
var DefaultFeeRate = decimal.RequireFromString("0.05")

// Fee returns round(pot × rate) in minor units, rounding half away from zero.
func Fee(pot int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(pot).Mul(rate).Round(0).IntPart()
}

// Resolve computes the settlement of b at now.
//
// The side with the strictly larger amount receives pot − fee. On a tie the
// net pot is split between both beneficiaries and an odd minor unit goes to
// side A. An empty pot settles as a tie with no fee and no payouts.
func Resolve(b *model.Battle, rate decimal.Decimal, now time.Time) *model.Settlement {
	pot := b.TotalPot()
	if pot == 0 {
		return &model.Settlement{
			WinningSideID: model.TieMarker,
			Payouts:       []model.Payout{},
			SettledAt:     now,
		}
	}

	fee := Fee(pot, rate)
	net := pot - fee
	s := &model.Settlement{Fee: fee, Payout: net, SettledAt: now}

	switch {
	case b.SideA.Amount > b.SideB.Amount:
		s.WinningSideID = b.SideA.ID
		s.Payouts = []model.Payout{{SideID: b.SideA.ID, Beneficiary: b.SideA.Beneficiary, Amount: net}}
	case b.SideB.Amount > b.SideA.Amount:
		s.WinningSideID = b.SideB.ID
		s.Payouts = []model.Payout{{SideID: b.SideB.ID, Beneficiary: b.SideB.Beneficiary, Amount: net}}
	default:
		half := net / 2
		s.WinningSideID = model.TieMarker
		s.Payouts = []model.Payout{
			{SideID: b.SideA.ID, Beneficiary: b.SideA.Beneficiary, Amount: net - half},
			{SideID: b.SideB.ID, Beneficiary: b.SideB.Beneficiary, Amount: half},
		}
	}
	return s
}
