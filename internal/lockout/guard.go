// Package lockout throttles unlock attempts: a hard cooldown after too many
// consecutive failures, plus rate pacing underneath it so even pre-lockout
// guessing cannot run at machine speed.
package lockout

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store persists attempt state across process restarts and device cycling.
// Counting survives removal and reinsertion of the device, so cycling the
// device does not reset the cooldown.
type Store interface {
	LoadAttempts() (failures int, lockedUntil time.Time, err error)
	SaveAttempts(failures int, lockedUntil time.Time) error
}

// LockedOutError means the attempt was rejected before any credential was
// evaluated. The key artifact is never touched while it is returned.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("lockout: locked out, retry in %s", e.Remaining.Round(time.Second))
}

type Guard struct {
	mu          sync.Mutex
	max         int
	cooldown    time.Duration
	failures    int
	lockedUntil time.Time
	limiter     *rate.Limiter
	now         func() time.Time
	store       Store
}

// New returns a guard that locks out after max consecutive failures for
// cooldown. store may be nil for process-lifetime state only.
func New(max int, cooldown time.Duration, store Store) *Guard {
	g := &Guard{
		max:      max,
		cooldown: cooldown,
		// The burst covers a full round of attempts plus headroom, so the
		// hard counter stays the primary control; pacing only slows
		// sustained scripted guessing beyond that.
		limiter: rate.NewLimiter(rate.Limit(1), max+2),
		now:     time.Now,
		store:   store,
	}
	if store != nil {
		if f, until, err := store.LoadAttempts(); err == nil {
			g.failures, g.lockedUntil = f, until
		}
	}
	return g
}

// Check reports whether an unlock attempt may proceed. It must pass before
// the artifact codec is invoked at all.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if remaining := g.lockedUntil.Sub(g.now()); remaining > 0 {
		return &LockedOutError{Remaining: remaining}
	}
	if !g.limiter.AllowN(g.now(), 1) {
		return &LockedOutError{Remaining: time.Second}
	}
	return nil
}

// RecordFailure counts one failed attempt and reports whether it tripped
// the cooldown. The counter resets when the cooldown is armed, so a full
// round of attempts is available once it expires.
func (g *Guard) RecordFailure() (lockedOut bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= g.max {
		g.failures = 0
		g.lockedUntil = g.now().Add(g.cooldown)
		lockedOut = true
	}
	g.persist()
	return lockedOut
}

// RecordSuccess resets the counter unconditionally.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.lockedUntil = time.Time{}
	g.persist()
}

// Status returns the current consecutive-failure count and, if a cooldown
// is active, its remaining duration.
func (g *Guard) Status() (failures int, remaining time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r := g.lockedUntil.Sub(g.now()); r > 0 {
		remaining = r
	}
	return g.failures, remaining
}

func (g *Guard) persist() {
	if g.store == nil {
		return
	}
	// Best effort: a failed state write must not block the unlock path.
	_ = g.store.SaveAttempts(g.failures, g.lockedUntil)
}
