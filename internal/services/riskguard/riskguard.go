// Package riskguard is the circuit breaker gating new executions.
package riskguard

import (
	"sync/atomic"
	"time"

	"github.com/vadiminshakov/arbit/internal/domain"
	"go.uber.org/zap"
)

// State is an immutable snapshot of the guard. Readers get a consistent view
// without taking locks.
type State struct {
	ConsecutiveFailures int
	Tripped             bool
	TrippedAt           time.Time
	// UnwindFailed latches the fatal condition: only an explicit Reset clears it.
	UnwindFailed bool
}

// Guard trips after a configured number of consecutive failed executions and
// refuses new starts until an explicit Reset or the cool-down elapses. The
// execution path reports outcomes while the operator may Reset from another
// goroutine, so stores go through a CAS loop; reads stay lock-free.
type Guard struct {
	failureLimit int
	coolDown     time.Duration
	logger       *zap.Logger
	now          func() time.Time
	state        atomic.Pointer[State]
}

// New creates a guard tripping at failureLimit consecutive failures.
// A zero coolDown means only explicit Reset re-arms a tripped guard.
func New(failureLimit int, coolDown time.Duration, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		failureLimit: failureLimit,
		coolDown:     coolDown,
		logger:       logger,
		now:          time.Now,
	}
	g.state.Store(&State{})
	return g
}

// ReportOutcome records a finished execution. Losses, aborts and unwind
// failures count against the limit; a profitable completion clears the streak.
// A Reset landing mid-update makes the CAS fail, and the outcome is re-applied
// on top of the cleared state instead of overwriting it.
func (g *Guard) ReportOutcome(execution domain.Execution) {
	for {
		current := g.state.Load()
		next := *current

		// a trip whose cool-down elapsed counts as re-armed: the next failure
		// starts a fresh streak instead of instantly re-tripping
		if next.Tripped && g.coolDown > 0 && g.now().Sub(next.TrippedAt) >= g.coolDown {
			next.ConsecutiveFailures = 0
			next.Tripped = false
			next.TrippedAt = time.Time{}
		}

		if execution.State == domain.ExecutionUnwindFailed {
			next.UnwindFailed = true
		}

		tripped := false
		switch execution.Outcome.Result {
		case domain.ResultProfit:
			next.ConsecutiveFailures = 0
			next.Tripped = false
			next.TrippedAt = time.Time{}
		case domain.ResultLoss, domain.ResultAborted:
			next.ConsecutiveFailures++
			if !next.Tripped && next.ConsecutiveFailures >= g.failureLimit {
				next.Tripped = true
				next.TrippedAt = g.now()
				tripped = true
			}
		}

		if !g.state.CompareAndSwap(current, &next) {
			continue
		}
		if tripped {
			g.logger.Warn("risk guard tripped",
				zap.Int("consecutive_failures", next.ConsecutiveFailures),
				zap.Int("failure_limit", g.failureLimit))
		}
		return
	}
}

// IsTripped reports whether new executions must be refused. A tripped guard
// re-arms itself once the cool-down has elapsed; the unwind-failed latch never
// expires on its own.
func (g *Guard) IsTripped() bool {
	s := g.state.Load()
	if s.UnwindFailed {
		return true
	}
	if !s.Tripped {
		return false
	}
	if g.coolDown > 0 && g.now().Sub(s.TrippedAt) >= g.coolDown {
		return false
	}
	return true
}

// Reset is the explicit operator action clearing the trip and the fatal latch.
func (g *Guard) Reset() {
	g.state.Store(&State{})
	g.logger.Info("risk guard reset")
}

// Snapshot returns the current state for monitoring.
func (g *Guard) Snapshot() State {
	return *g.state.Load()
}
