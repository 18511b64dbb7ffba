// Package model defines the core domain types shared across the battle engine.
// All monetary values are int64 minor currency units (cents), never float64
// for money.
package model

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a battle. Transitions only move forward:
// OPEN → EXPIRED → SETTLED.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusExpired Status = "EXPIRED"
	StatusSettled Status = "SETTLED"
)

// rank orders statuses so monotonic transitions can be checked.
func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusExpired:
		return 1
	case StatusSettled:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next respects the
// forward-only lifecycle.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// Side identifiers. Every battle has exactly two sides.
const (
	SideA = "a"
	SideB = "b"

	// TieMarker stands in for the winning side id when both sides hold the
	// same amount at expiry.
	TieMarker = "TIE"
)

// Side is one of the two competing positions in a battle.
type Side struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Beneficiary  string `json:"beneficiary"`  // payout institution
	Amount       int64  `json:"amount"`       // accumulated pledges, minor units
	Participants int64  `json:"participants"` // accepted pledge count
}

// Payout is one transfer instruction produced by settlement.
type Payout struct {
	SideID      string `json:"side_id"`
	Beneficiary string `json:"beneficiary"`
	Amount      int64  `json:"amount"`
}

// Settlement is the terminal resolution of a battle. Written exactly once.
type Settlement struct {
	WinningSideID string    `json:"winning_side_id"` // side id or TieMarker
	Fee           int64     `json:"fee"`
	Payout        int64     `json:"payout"` // pot - fee, across all payouts
	Payouts       []Payout  `json:"payouts"`
	SettledAt     time.Time `json:"settled_at"`
}

// Battle is the two-sided contest aggregate.
type Battle struct {
	ID          string      `json:"id"`
	Question    string      `json:"question"`
	Description string      `json:"description"`
	SideA       Side        `json:"side_a"`
	SideB       Side        `json:"side_b"`
	Status      Status      `json:"status"`
	Settlement  *Settlement `json:"settlement,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Version     int64       `json:"version"`
}

// TotalPot is always derived from the two sides; it is never stored.
func (b *Battle) TotalPot() int64 {
	return b.SideA.Amount + b.SideB.Amount
}

// Side returns a pointer to the side with the given id, or nil.
func (b *Battle) Side(id string) *Side {
	switch id {
	case SideA:
		return &b.SideA
	case SideB:
		return &b.SideB
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate a stored snapshot.
func (b *Battle) Clone() *Battle {
	c := *b
	if b.Settlement != nil {
		s := *b.Settlement
		s.Payouts = append([]Payout(nil), b.Settlement.Payouts...)
		c.Settlement = &s
	}
	return &c
}

// IsAcceptingPledges reports whether the battle is OPEN and not yet past its
// expiry at now. The sweep may lag behind the clock, so both are checked.
func (b *Battle) IsAcceptingPledges(now time.Time) bool {
	return b.Status == StatusOpen && now.Before(b.ExpiresAt)
}

// PledgeRecord is an immutable audit entry for one accepted pledge.
type PledgeRecord struct {
	ID            string    `json:"id" db:"id"`
	ParticipantID string    `json:"participant_id" db:"participant_id"`
	BattleID      string    `json:"battle_id" db:"battle_id"`
	SideID        string    `json:"side_id" db:"side_id"`
	Amount        int64     `json:"amount" db:"amount"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// EntryKind classifies wallet ledger entries.
type EntryKind string

const (
	EntryDeposit     EntryKind = "DEPOSIT"
	EntryPledgeDebit EntryKind = "PLEDGE_DEBIT"
	EntryWithdraw    EntryKind = "WITHDRAW"
)

// WalletEntry is an append-only wallet transaction. Amount is always
// positive; the sign comes from Kind.
type WalletEntry struct {
	ID            string    `json:"id" db:"id"`
	ParticipantID string    `json:"participant_id" db:"participant_id"`
	Kind          EntryKind `json:"kind" db:"kind"`
	Amount        int64     `json:"amount" db:"amount"`
	Reference     string    `json:"reference,omitempty" db:"reference"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Delta is the signed balance effect of the entry.
func (e WalletEntry) Delta() int64 {
	if e.Kind == EntryDeposit {
		return e.Amount
	}
	return -e.Amount
}

// SettlementEvent is handed to the external payment executor once per
// battle.
type SettlementEvent struct {
	BattleID      string     `json:"battle_id"`
	WinningSideID string     `json:"winning_side_id"` // side id or TieMarker
	Payouts       []Payout   `json:"payouts"`
	PayoutAmount  int64      `json:"payout_amount"`
	FeeAmount     int64      `json:"fee_amount"`
	SettledAt     time.Time  `json:"settled_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`

	// DeliveredTo names the sinks that have acknowledged the event.
	DeliveredTo []string `json:"-"`
}

// Delivered reports whether sink has acknowledged the event.
func (ev SettlementEvent) Delivered(sink string) bool {
	return slices.Contains(ev.DeliveredTo, sink)
}

// NewSettlementEvent builds the outbox event for a settled battle.
func NewSettlementEvent(battleID string, s *Settlement) SettlementEvent {
	return SettlementEvent{
		BattleID:      battleID,
		WinningSideID: s.WinningSideID,
		Payouts:       append([]Payout(nil), s.Payouts...),
		PayoutAmount:  s.Payout,
		FeeAmount:     s.Fee,
		SettledAt:     s.SettledAt,
	}
}
