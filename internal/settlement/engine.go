package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneymouth/battle-engine/internal/metrics"
	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/store"
)

// Report summarizes one sweep.
type Report struct {
	Expired   int `json:"expired"`
	Settled   int `json:"settled"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Engine drives battles from OPEN to SETTLED.
type Engine struct {
	store   store.Store
	feeRate decimal.Decimal
	sinks   []Sink
	logger  *slog.Logger
}

// NewEngine creates a settlement engine. A negative feeRate uses
// DefaultFeeRate; zero charges no fee. With no sinks events are only logged.
// A sink whose name repeats an earlier one is dropped.
func NewEngine(st store.Store, feeRate decimal.Decimal, sinks []Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if feeRate.IsNegative() {
		feeRate = DefaultFeeRate
	}
	if len(sinks) == 0 {
		sinks = []Sink{{Name: "log", Publisher: LogPublisher{Logger: logger}}}
	}
	seen := make(map[string]bool, len(sinks))
	unique := make([]Sink, 0, len(sinks))
	for _, sk := range sinks {
		if seen[sk.Name] {
			logger.Error("duplicate settlement sink ignored", "sink", sk.Name)
			continue
		}
		seen[sk.Name] = true
		unique = append(unique, sk)
	}
	return &Engine{store: st, feeRate: feeRate, sinks: unique, logger: logger}
}

// FeeRate returns the configured platform fee rate.
func (e *Engine) FeeRate() decimal.Decimal {
	return e.feeRate
}

// Tick runs one sweep at now. Per-battle failures are logged, counted in
// Report.Failed and retried on the next tick; the returned error is reserved
// for failures to list work at all.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var rep Report
	if err := e.expireDue(ctx, now, &rep); err != nil {
		return rep, err
	}
	if err := e.settleExpired(ctx, now, &rep); err != nil {
		return rep, err
	}
	if err := e.publishPending(ctx, now, &rep); err != nil {
		return rep, err
	}

	if rep.Expired+rep.Settled+rep.Published+rep.Failed > 0 {
		e.logger.Info("settlement sweep",
			"expired", rep.Expired,
			"settled", rep.Settled,
			"published", rep.Published,
			"failed", rep.Failed,
		)
	}
	return rep, nil
}

func (e *Engine) expireDue(ctx context.Context, now time.Time, rep *Report) error {
	open, err := e.store.ListBattles(ctx, model.StatusOpen)
	if err != nil {
		return fmt.Errorf("list open battles: %w", err)
	}

	stillOpen := 0
	for _, b := range open {
		if now.Before(b.ExpiresAt) {
			stillOpen++
			continue
		}
		expired := false
		err := e.store.WithBattleTx(ctx, b.ID, func(tx store.BattleTx) error {
			cur := tx.Battle()
			if cur.Status != model.StatusOpen || now.Before(cur.ExpiresAt) {
				return nil
			}
			cur.Status = model.StatusExpired
			tx.Save()
			expired = true
			return nil
		})
		if err != nil {
			rep.Failed++
			metrics.SettlementFailures.WithLabelValues("expire").Inc()
			e.logger.Error("expire battle failed", "battle", b.ID, "err", err)
			continue
		}
		if expired {
			rep.Expired++
			e.logger.Info("battle expired", "battle", b.ID, "pot", b.TotalPot())
		}
	}
	metrics.OpenBattles.Set(float64(stillOpen))
	return nil
}

func (e *Engine) settleExpired(ctx context.Context, now time.Time, rep *Report) error {
	expired, err := e.store.ListBattles(ctx, model.StatusExpired)
	if err != nil {
		return fmt.Errorf("list expired battles: %w", err)
	}

	for _, b := range expired {
		var result *model.Settlement
		err := e.store.WithBattleTx(ctx, b.ID, func(tx store.BattleTx) error {
			cur := tx.Battle()
			if cur.Status != model.StatusExpired || cur.Settlement != nil {
				return nil
			}
			s := Resolve(cur, e.feeRate, now)
			cur.Settlement = s
			cur.Status = model.StatusSettled
			tx.Save()
			tx.AppendSettlementEvent(model.NewSettlementEvent(cur.ID, s))
			result = s
			return nil
		})
		if err != nil {
			rep.Failed++
			metrics.SettlementFailures.WithLabelValues("settle").Inc()
			e.logger.Error("settle battle failed", "battle", b.ID, "err", err)
			continue
		}
		if result == nil {
			continue
		}

		rep.Settled++
		outcome := "winner"
		if result.WinningSideID == model.TieMarker {
			outcome = "tie"
		}
		metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
		metrics.FeesCollected.Add(float64(result.Fee))
		e.logger.Info("battle settled",
			"battle", b.ID,
			"winner", result.WinningSideID,
			"pot", b.TotalPot(),
			"fee", result.Fee,
			"payout", result.Payout,
		)
	}
	return nil
}

func (e *Engine) publishPending(ctx context.Context, now time.Time, rep *Report) error {
	pending, err := e.store.PendingSettlementEvents(ctx)
	if err != nil {
		return fmt.Errorf("load pending settlement events: %w", err)
	}

	for _, ev := range pending {
		if !e.deliver(ctx, ev) {
			rep.Failed++
			continue
		}
		if err := e.store.MarkSettlementPublished(ctx, ev.BattleID, now); err != nil {
			rep.Failed++
			metrics.SettlementFailures.WithLabelValues("mark").Inc()
			e.logger.Error("mark settlement published failed", "battle", ev.BattleID, "err", err)
			continue
		}
		rep.Published++
	}
	return nil
}

// deliver sends ev to every sink that has not acknowledged it yet and
// reports whether all sinks now have.
func (e *Engine) deliver(ctx context.Context, ev model.SettlementEvent) bool {
	complete := true
	for _, sk := range e.sinks {
		if ev.Delivered(sk.Name) {
			continue
		}
		if err := sk.Publisher.Publish(ctx, ev); err != nil {
			complete = false
			metrics.SettlementFailures.WithLabelValues("publish").Inc()
			e.logger.Error("publish settlement failed", "battle", ev.BattleID, "sink", sk.Name, "err", err)
			continue
		}
		if err := e.store.MarkSettlementDelivered(ctx, ev.BattleID, sk.Name); err != nil {
			complete = false
			metrics.SettlementFailures.WithLabelValues("mark").Inc()
			e.logger.Error("mark settlement delivered failed", "battle", ev.BattleID, "sink", sk.Name, "err", err)
		}
	}
	return complete
}
