package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingTicker struct {
	calls atomic.Int32
	err   error
}

func (c *countingTicker) Tick(_ context.Context, _ time.Time) (Report, error) {
	c.calls.Add(1)
	return Report{}, c.err
}

func TestScheduler_RunOnce(t *testing.T) {
	ct := &countingTicker{err: errors.New("store down")}
	s, err := NewScheduler(context.Background(), "", ct, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.RunOnce()
	s.RunOnce()
	if n := ct.calls.Load(); n != 2 {
		t.Errorf("expected 2 sweeps, got %d", n)
	}
}

func TestScheduler_SkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ct := &countingTicker{}
	s, err := NewScheduler(ctx, DefaultSchedule, ct, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	cancel()
	s.RunOnce()
	if n := ct.calls.Load(); n != 0 {
		t.Errorf("expected no sweep after cancel, got %d", n)
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	if _, err := NewScheduler(context.Background(), "not a schedule", &countingTicker{}, nil); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	ct := &countingTicker{}
	s, err := NewScheduler(context.Background(), "@every 1s", ct, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for ct.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if ct.calls.Load() == 0 {
		t.Error("scheduler never ran a sweep")
	}
}
