package pledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/settlement"
)

// A sweep racing live pledges must settle exactly the pledges that committed
// before the battle left OPEN. Everything after is rejected untouched.
func TestSubmit_RacingSweepSettlesCommittedPledgesOnly(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	b := newBattle("b1", model.StatusOpen)
	f.create(t, b)

	var (
		evMu   sync.Mutex
		events []model.SettlementEvent
	)
	sweeper := settlement.NewEngine(f.store, settlement.DefaultFeeRate, []settlement.Sink{{
		Name: "executor",
		Publisher: settlement.PublisherFunc(func(_ context.Context, ev model.SettlementEvent) error {
			evMu.Lock()
			events = append(events, ev)
			evMu.Unlock()
			return nil
		}),
	}}, nil)

	const n = 64
	for i := 0; i < n; i++ {
		f.fund(t, fmt.Sprintf("p%d", i), 1000)
	}

	// The engine clock stays before expiry, so only the in-transaction
	// status check can turn pledges away once the sweep has run.
	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			side := model.SideA
			if i%3 == 0 {
				side = model.SideB
			}
			_, errs[i] = f.engine.Submit(ctx, Request{
				BattleID:      "b1",
				ParticipantID: fmt.Sprintf("p%d", i),
				SideID:        side,
				Amount:        500,
			})
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		if _, err := sweeper.Tick(ctx, b.ExpiresAt); err != nil {
			t.Errorf("tick: %v", err)
		}
	}()
	close(start)
	wg.Wait()

	var accepted int64
	for i, err := range errs {
		id := fmt.Sprintf("p%d", i)
		bal, _ := f.store.GetBalance(ctx, id)
		switch {
		case err == nil:
			accepted += 500
			if bal != 500 {
				t.Errorf("%s: accepted pledge should leave 500, got %d", id, bal)
			}
		case errors.Is(err, model.ErrBattleClosed):
			if bal != 1000 {
				t.Errorf("%s: rejected pledge changed wallet to %d", id, bal)
			}
			if recs, _ := f.store.GetPledgesByParticipant(ctx, id); len(recs) != 0 {
				t.Errorf("%s: rejected pledge left %d records", id, len(recs))
			}
		default:
			t.Errorf("%s: unexpected error %v", id, err)
		}
	}

	got, _ := f.store.GetBattle(ctx, "b1")
	if got.Status != model.StatusSettled || got.Settlement == nil {
		t.Fatalf("expected SETTLED battle, got %s", got.Status)
	}
	if got.TotalPot() != accepted {
		t.Errorf("pot %d != accepted pledges %d", got.TotalPot(), accepted)
	}
	if s := got.Settlement; s.Fee+s.Payout != accepted {
		t.Errorf("settlement covers %d, accepted pledges total %d", s.Fee+s.Payout, accepted)
	}
	var logged int64
	recs, _ := f.store.GetPledgesByBattle(ctx, "b1")
	for _, r := range recs {
		logged += r.Amount
	}
	if logged != accepted {
		t.Errorf("pledge log totals %d, accepted %d", logged, accepted)
	}

	evMu.Lock()
	if len(events) != 1 || events[0].PayoutAmount+events[0].FeeAmount != accepted {
		t.Errorf("expected one event covering %d, got %+v", accepted, events)
	}
	evMu.Unlock()

	// After settlement every pledge is closed, whatever the participant's
	// cooldown or balance.
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		before, _ := f.store.GetBalance(ctx, id)
		_, err := f.engine.Submit(ctx, Request{BattleID: "b1", ParticipantID: id, SideID: model.SideA, Amount: 100})
		if !errors.Is(err, model.ErrBattleClosed) {
			t.Errorf("%s: expected ErrBattleClosed after settlement, got %v", id, err)
		}
		if after, _ := f.store.GetBalance(ctx, id); after != before {
			t.Errorf("%s: wallet moved from %d to %d", id, before, after)
		}
	}
}
