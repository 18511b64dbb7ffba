// Package wallet implements the participant wallet: a balance that is always
// the signed sum of an append-only entry log.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/store"
)

// Debit appends a debit of the given kind to tx, or returns
// model.ErrInsufficientFunds without appending anything.
func Debit(tx store.WalletTx, kind model.EntryKind, amount int64, reference string, now time.Time) (model.WalletEntry, error) {
	if amount <= 0 {
		return model.WalletEntry{}, fmt.Errorf("%w: debit amount must be positive", model.ErrValidation)
	}
	if tx.Balance() < amount {
		return model.WalletEntry{}, fmt.Errorf("%w: balance %d, need %d",
			model.ErrInsufficientFunds, tx.Balance(), amount)
	}
	entry := model.WalletEntry{
		ID:            uuid.New().String(),
		ParticipantID: tx.ParticipantID(),
		Kind:          kind,
		Amount:        amount,
		Reference:     reference,
		CreatedAt:     now,
	}
	tx.AppendEntry(entry)
	return entry, nil
}

// Credit appends a deposit to tx.
func Credit(tx store.WalletTx, amount int64, reference string, now time.Time) (model.WalletEntry, error) {
	if amount <= 0 {
		return model.WalletEntry{}, fmt.Errorf("%w: credit amount must be positive", model.ErrValidation)
	}
	entry := model.WalletEntry{
		ID:            uuid.New().String(),
		ParticipantID: tx.ParticipantID(),
		Kind:          model.EntryDeposit,
		Amount:        amount,
		Reference:     reference,
		CreatedAt:     now,
	}
	tx.AppendEntry(entry)
	return entry, nil
}

// Ledger exposes deposits, withdrawals and balance queries. Pledge debits
// go through the pledge engine, which calls Debit inside its own
// transaction.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger backed by st.
func NewLedger(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Deposit credits a participant's wallet.
func (l *Ledger) Deposit(ctx context.Context, participantID string, amount int64) (*model.WalletEntry, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant_id is required", model.ErrValidation)
	}
	var entry model.WalletEntry
	err := l.store.WithWalletTx(ctx, participantID, func(tx store.WalletTx) error {
		var err error
		entry, err = Credit(tx, amount, "", l.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet deposit",
		"participant", participantID,
		"amount", amount,
		"entry_id", entry.ID,
	)
	return &entry, nil
}

// Withdraw debits a participant's wallet.
func (l *Ledger) Withdraw(ctx context.Context, participantID string, amount int64) (*model.WalletEntry, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant_id is required", model.ErrValidation)
	}
	var entry model.WalletEntry
	err := l.store.WithWalletTx(ctx, participantID, func(tx store.WalletTx) error {
		var err error
		entry, err = Debit(tx, model.EntryWithdraw, amount, "", l.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("wallet withdrawal",
		"participant", participantID,
		"amount", amount,
		"entry_id", entry.ID,
	)
	return &entry, nil
}

// Balance returns the committed balance.
func (l *Ledger) Balance(ctx context.Context, participantID string) (int64, error) {
	return l.store.GetBalance(ctx, participantID)
}

// History returns the participant's entries, oldest first.
func (l *Ledger) History(ctx context.Context, participantID string) ([]model.WalletEntry, error) {
	return l.store.GetWalletEntries(ctx, participantID)
}
