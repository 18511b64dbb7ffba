// Package store defines the persistence interface for the battle engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-instance deployments).
//
// Mutations happen inside per-aggregate transactions: the With*Tx methods
// lock the participant and/or battle, hand fn a staging view, and commit the
// staged writes only if fn returns nil. A non-nil error discards everything.
package store

import (
	"context"
	"time"

	"github.com/moneymouth/battle-engine/internal/model"
)

// WalletTx is the participant's wallet inside an open transaction.
type WalletTx interface {
	// ParticipantID returns the locked participant.
	ParticipantID() string

	// Balance returns the balance including entries staged in this tx.
	Balance() int64

	// AppendEntry stages an append-only wallet entry.
	AppendEntry(entry model.WalletEntry)
}

// PledgeTx holds the participant (wallet + cooldown slot) and one battle.
type PledgeTx interface {
	WalletTx

	// Battle returns the locked battle's working copy. Mutations to it are
	// persisted on commit.
	Battle() *model.Battle

	// LastPledgeAt returns the participant's last accepted pledge time.
	LastPledgeAt() (time.Time, bool)

	// MarkPledged stages a new last-pledge timestamp.
	MarkPledged(at time.Time)

	// AppendPledge stages an immutable pledge record.
	AppendPledge(rec model.PledgeRecord)
}

// BattleTx holds one battle for lifecycle transitions.
type BattleTx interface {
	// Battle returns the locked battle's working copy.
	Battle() *model.Battle

	// Save stages the working copy for write-back. Without Save the tx
	// commits nothing.
	Save()

	// AppendSettlementEvent stages an outbox event.
	AppendSettlementEvent(ev model.SettlementEvent)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Battle operations ---

	// CreateBattle persists a new battle.
	CreateBattle(ctx context.Context, battle *model.Battle) error

	// GetBattle retrieves a committed battle snapshot by its ID.
	GetBattle(ctx context.Context, id string) (*model.Battle, error)

	// ListBattles returns battles with the given statuses (all when empty),
	// ordered by expires_at, created_at, id ascending.
	ListBattles(ctx context.Context, statuses ...model.Status) ([]model.Battle, error)

	// --- Transactions ---

	// WithPledgeTx locks the participant, then the battle, and runs fn.
	WithPledgeTx(ctx context.Context, battleID, participantID string, fn func(tx PledgeTx) error) error

	// WithBattleTx locks one battle and runs fn.
	WithBattleTx(ctx context.Context, battleID string, fn func(tx BattleTx) error) error

	// WithWalletTx locks one participant's wallet and runs fn.
	WithWalletTx(ctx context.Context, participantID string, fn func(tx WalletTx) error) error

	// --- Immutable logs ---

	// GetPledgesByBattle returns all pledge records for a battle.
	GetPledgesByBattle(ctx context.Context, battleID string) ([]model.PledgeRecord, error)

	// GetPledgesByParticipant returns all pledge records for a participant.
	GetPledgesByParticipant(ctx context.Context, participantID string) ([]model.PledgeRecord, error)

	// GetWalletEntries returns a participant's wallet log, oldest first.
	GetWalletEntries(ctx context.Context, participantID string) ([]model.WalletEntry, error)

	// GetBalance returns the committed wallet balance.
	GetBalance(ctx context.Context, participantID string) (int64, error)

	// GetLastPledgeAt returns the committed cooldown timestamp.
	GetLastPledgeAt(ctx context.Context, participantID string) (time.Time, bool, error)

	// --- Settlement outbox ---

	// PendingSettlementEvents returns events not yet published, with the
	// sinks that already acknowledged each one in DeliveredTo.
	PendingSettlementEvents(ctx context.Context) ([]model.SettlementEvent, error)

	// MarkSettlementDelivered records that one sink acknowledged the
	// battle's event. Marking the same sink twice is a no-op.
	MarkSettlementDelivered(ctx context.Context, battleID, sink string) error

	// MarkSettlementPublished records that every sink acknowledged the
	// battle's event.
	MarkSettlementPublished(ctx context.Context, battleID string, at time.Time) error
}
