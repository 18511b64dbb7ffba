// Package pledge accepts monetary pledges toward one side of a battle.
//
// A pledge is a single store transaction: the participant's wallet debit,
// the cooldown stamp, the side totals and the immutable pledge record are
// committed together or not at all.
package pledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/moneymouth/battle-engine/internal/cooldown"
	"github.com/moneymouth/battle-engine/internal/metrics"
	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/store"
	"github.com/moneymouth/battle-engine/internal/wallet"
)

// DefaultDenominations are the accepted pledge amounts in minor units
// ($1, $5, $10).
var DefaultDenominations = []int64{100, 500, 1000}

// DefaultMaxAttempts bounds retries after a concurrency conflict.
const DefaultMaxAttempts = 5

// Config tunes the engine.
type Config struct {
	Denominations []int64
	MaxAttempts   int
}

// Request is one pledge submission.
type Request struct {
	BattleID      string
	ParticipantID string
	SideID        string
	Amount        int64
}

// Broadcaster is notified after a pledge commits.
type Broadcaster interface {
	PledgeAccepted(battle *model.Battle, rec model.PledgeRecord)
}

// Engine validates and applies pledges.
type Engine struct {
	store       store.Store
	guard       *cooldown.Guard
	allowed     []int64
	maxAttempts int
	notify      Broadcaster
	logger      *slog.Logger

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewEngine creates a pledge engine. notify may be nil.
func NewEngine(st store.Store, guard *cooldown.Guard, cfg Config, notify Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	denoms := cfg.Denominations
	if len(denoms) == 0 {
		denoms = DefaultDenominations
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Engine{
		store:       st,
		guard:       guard,
		allowed:     slices.Clone(denoms),
		maxAttempts: attempts,
		notify:      notify,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Millisecond
			b.MaxInterval = 100 * time.Millisecond
			return b
		},
	}
}

// Denominations returns the accepted pledge amounts.
func (e *Engine) Denominations() []int64 {
	return slices.Clone(e.allowed)
}

// Submit applies one pledge and returns the committed battle snapshot.
//
// Rejections, in check order: ErrValidation (participant, amount),
// ErrNotFound, ErrValidation (side), ErrBattleClosed, ErrCooldownActive,
// ErrInsufficientFunds. A rejected pledge changes nothing.
func (e *Engine) Submit(ctx context.Context, req Request) (*model.Battle, error) {
	start := time.Now()
	defer func() { metrics.PledgeLatency.Observe(time.Since(start).Seconds()) }()

	if err := e.validate(req); err != nil {
		e.reject(req, err)
		return nil, err
	}

	type committed struct {
		battle *model.Battle
		rec    model.PledgeRecord
	}
	op := func() (committed, error) {
		battle, rec, err := e.apply(ctx, req)
		if err != nil {
			if errors.Is(err, model.ErrConcurrencyConflict) {
				return committed{}, err
			}
			return committed{}, backoff.Permanent(err)
		}
		return committed{battle: battle, rec: rec}, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(e.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.PledgeRetries.Inc()
			e.logger.Warn("pledge conflict, retrying",
				"battle", req.BattleID,
				"participant", req.ParticipantID,
				"wait", wait,
				"err", err,
			)
		}),
	)
	if err != nil {
		e.reject(req, err)
		return nil, err
	}

	metrics.PledgesTotal.WithLabelValues(req.SideID).Inc()
	metrics.PledgedAmount.Add(float64(req.Amount))
	e.logger.Info("pledge accepted",
		"pledge_id", res.rec.ID,
		"battle", req.BattleID,
		"participant", req.ParticipantID,
		"side", req.SideID,
		"amount", req.Amount,
		"side_total", res.battle.Side(req.SideID).Amount,
		"pot", res.battle.TotalPot(),
	)
	if e.notify != nil {
		e.notify.PledgeAccepted(res.battle.Clone(), res.rec)
	}
	return res.battle, nil
}

func (e *Engine) validate(req Request) error {
	if req.ParticipantID == "" {
		return fmt.Errorf("%w: participant_id is required", model.ErrValidation)
	}
	if req.BattleID == "" {
		return fmt.Errorf("%w: battle_id is required", model.ErrValidation)
	}
	if !slices.Contains(e.allowed, req.Amount) {
		return fmt.Errorf("%w: amount %d is not one of %v", model.ErrValidation, req.Amount, e.allowed)
	}
	return nil
}

// apply runs one transaction attempt.
func (e *Engine) apply(ctx context.Context, req Request) (*model.Battle, model.PledgeRecord, error) {
	var (
		working *model.Battle
		rec     model.PledgeRecord
	)
	err := e.store.WithPledgeTx(ctx, req.BattleID, req.ParticipantID, func(tx store.PledgeTx) error {
		now := e.now()
		b := tx.Battle()

		side := b.Side(req.SideID)
		if side == nil {
			return fmt.Errorf("%w: side must be %q or %q", model.ErrValidation, model.SideA, model.SideB)
		}
		if !b.IsAcceptingPledges(now) {
			return fmt.Errorf("battle %s is %s: %w", b.ID, b.Status, model.ErrBattleClosed)
		}
		if err := e.guard.TryAcquire(tx, now); err != nil {
			return err
		}
		if _, err := wallet.Debit(tx, model.EntryPledgeDebit, req.Amount, b.ID, now); err != nil {
			return err
		}

		side.Amount += req.Amount
		side.Participants++
		rec = model.PledgeRecord{
			ID:            uuid.New().String(),
			ParticipantID: req.ParticipantID,
			BattleID:      b.ID,
			SideID:        side.ID,
			Amount:        req.Amount,
			CreatedAt:     now,
		}
		tx.AppendPledge(rec)
		working = b
		return nil
	})
	if err != nil {
		return nil, model.PledgeRecord{}, err
	}
	// The store bumps the version on commit; copy after that.
	return working.Clone(), rec, nil
}

func (e *Engine) reject(req Request, err error) {
	reason := RejectionReason(err)
	metrics.PledgeRejections.WithLabelValues(reason).Inc()
	e.logger.Info("pledge rejected",
		"battle", req.BattleID,
		"participant", req.ParticipantID,
		"side", req.SideID,
		"amount", req.Amount,
		"reason", reason,
		"err", err,
	)
}

// RejectionReason maps an error from Submit to a short label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrBattleClosed):
		return "closed"
	case errors.Is(err, model.ErrCooldownActive):
		return "cooldown"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}
