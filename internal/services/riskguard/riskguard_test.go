package riskguard

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/arbit/internal/domain"
	"go.uber.org/zap"
)

func loss() domain.Execution {
	return domain.Execution{
		State:   domain.ExecutionUnwound,
		Outcome: domain.Outcome{Result: domain.ResultLoss},
	}
}

func aborted() domain.Execution {
	return domain.Execution{
		State:   domain.ExecutionAborted,
		Outcome: domain.Outcome{Result: domain.ResultAborted},
	}
}

func profit() domain.Execution {
	return domain.Execution{
		State:   domain.ExecutionCompleted,
		Outcome: domain.Outcome{Result: domain.ResultProfit},
	}
}

func TestGuardTripsAtLimit(t *testing.T) {
	g := New(3, 0, zap.NewNop())

	g.ReportOutcome(loss())
	g.ReportOutcome(aborted())
	require.False(t, g.IsTripped())

	g.ReportOutcome(loss())
	require.True(t, g.IsTripped())
	require.Equal(t, 3, g.Snapshot().ConsecutiveFailures)
}

func TestGuardProfitClearsStreak(t *testing.T) {
	g := New(3, 0, zap.NewNop())

	g.ReportOutcome(loss())
	g.ReportOutcome(loss())
	g.ReportOutcome(profit())
	require.Equal(t, 0, g.Snapshot().ConsecutiveFailures)

	g.ReportOutcome(loss())
	g.ReportOutcome(loss())
	require.False(t, g.IsTripped())
}

func TestGuardCoolDownReArms(t *testing.T) {
	g := New(2, time.Minute, zap.NewNop())
	current := time.Unix(1000, 0)
	g.now = func() time.Time { return current }

	g.ReportOutcome(loss())
	g.ReportOutcome(loss())
	require.True(t, g.IsTripped())

	current = current.Add(30 * time.Second)
	require.True(t, g.IsTripped())

	current = current.Add(31 * time.Second)
	require.False(t, g.IsTripped())

	// first failure after re-arm starts a fresh streak, it does not re-trip
	g.ReportOutcome(loss())
	require.False(t, g.IsTripped())
	require.Equal(t, 1, g.Snapshot().ConsecutiveFailures)
}

func TestGuardZeroCoolDownNeedsReset(t *testing.T) {
	g := New(1, 0, zap.NewNop())
	current := time.Unix(1000, 0)
	g.now = func() time.Time { return current }

	g.ReportOutcome(loss())
	require.True(t, g.IsTripped())

	current = current.Add(24 * time.Hour)
	require.True(t, g.IsTripped())

	g.Reset()
	require.False(t, g.IsTripped())
}

func TestGuardUnwindFailedLatch(t *testing.T) {
	g := New(3, time.Second, zap.NewNop())
	current := time.Unix(1000, 0)
	g.now = func() time.Time { return current }

	g.ReportOutcome(domain.Execution{
		State:   domain.ExecutionUnwindFailed,
		Outcome: domain.Outcome{Result: domain.ResultLoss},
	})
	require.True(t, g.IsTripped(), "unwind failure trips regardless of streak")

	// the latch outlives any cool-down and survives profitable outcomes
	current = current.Add(time.Hour)
	require.True(t, g.IsTripped())
	g.ReportOutcome(profit())
	require.True(t, g.IsTripped())

	g.Reset()
	require.False(t, g.IsTripped())
	require.False(t, g.Snapshot().UnwindFailed)
}

func TestGuardResetNotLostMidReport(t *testing.T) {
	g := New(2, time.Minute, zap.NewNop())

	g.ReportOutcome(loss())
	g.ReportOutcome(loss())
	require.True(t, g.IsTripped())

	// an operator reset lands between the state load and the store of the
	// next outcome; the reset must win, with the outcome re-applied on top
	var once sync.Once
	g.now = func() time.Time {
		once.Do(g.Reset)
		return time.Now()
	}
	g.ReportOutcome(loss())

	require.False(t, g.IsTripped(), "an interleaved reset must not be lost")
	s := g.Snapshot()
	require.False(t, s.Tripped)
	require.Equal(t, 1, s.ConsecutiveFailures, "the loss counts against the fresh streak")
}

func TestGuardResetClearsLatchMidReport(t *testing.T) {
	g := New(1, time.Minute, zap.NewNop())

	g.ReportOutcome(domain.Execution{
		State:   domain.ExecutionUnwindFailed,
		Outcome: domain.Outcome{Result: domain.ResultLoss},
	})
	require.True(t, g.Snapshot().UnwindFailed)

	var once sync.Once
	g.now = func() time.Time {
		once.Do(g.Reset)
		return time.Now()
	}
	g.ReportOutcome(loss())

	require.False(t, g.Snapshot().UnwindFailed, "the latch does not survive an interleaved reset")
}
