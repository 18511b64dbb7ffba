// Package cooldown paces how often a participant may pledge. The pacing is
// global: one last-pledge timestamp per participant across all battles.
package cooldown

import (
	"fmt"
	"time"

	"github.com/moneymouth/battle-engine/internal/model"
)

// DefaultWindow is the minimum interval between two accepted pledges.
const DefaultWindow = 10 * time.Minute

// State is a participant's cooldown slot inside an open store transaction.
// The transaction already holds the participant's lock, so a read followed
// by a write through State is a single atomic step.
type State interface {
	LastPledgeAt() (time.Time, bool)
	MarkPledged(at time.Time)
}

// ActiveError rejects a pledge submitted inside the window.
type ActiveError struct {
	Remaining time.Duration
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("%s: retry in %s", model.ErrCooldownActive, e.Remaining.Round(time.Second))
}

// Is lets errors.Is(err, model.ErrCooldownActive) match.
func (e *ActiveError) Is(target error) bool {
	return target == model.ErrCooldownActive
}

// Guard enforces the pacing window.
type Guard struct {
	window time.Duration
}

// NewGuard creates a guard. A non-positive window falls back to
// DefaultWindow.
func NewGuard(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{window: window}
}

// Window returns the configured pacing window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Remaining returns how long a participant whose last accepted pledge was at
// last must still wait at now. Zero means a pledge is allowed; a pledge at
// exactly last+window is allowed.
func (g *Guard) Remaining(last, now time.Time) time.Duration {
	elapsed := now.Sub(last)
	if elapsed >= g.window {
		return 0
	}
	return g.window - elapsed
}

// TryAcquire accepts the pledge and stamps now into st, or returns an
// *ActiveError and leaves st untouched.
func (g *Guard) TryAcquire(st State, now time.Time) error {
	if last, ok := st.LastPledgeAt(); ok {
		if rem := g.Remaining(last, now); rem > 0 {
			return &ActiveError{Remaining: rem}
		}
	}
	st.MarkPledged(now)
	return nil
}
