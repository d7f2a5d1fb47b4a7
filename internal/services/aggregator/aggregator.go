// Package aggregator fans venue quote updates into cross-venue market snapshots.
package aggregator

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/arbit/internal/domain"
	"github.com/vadiminshakov/arbit/internal/services/quotebook"
	"go.uber.org/zap"
)

// minFreshVenues a snapshot needs at least two venues to compare.
const minFreshVenues = 2

// Aggregator maintains the quote book and builds a MarketSnapshot on every
// accepted update. Apply must be called from a single goroutine (the decision
// loop): that serialization is what guarantees snapshots are emitted in
// non-decreasing TakenAt order and are never half-updated.
type Aggregator struct {
	pair      domain.Pair
	book      *quotebook.Book
	maxAge    time.Duration
	logger    *zap.Logger
	now       func() time.Time
	lastTaken time.Time
}

// New creates an aggregator excluding quotes older than maxAge from snapshots.
func New(pair domain.Pair, maxAge time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		pair:   pair,
		book:   quotebook.New(pair),
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Book exposes the underlying quote book for read-only inspection.
func (a *Aggregator) Book() *quotebook.Book {
	return a.book
}

// Apply pushes one quote update through the book and, if it was accepted,
// returns the resulting snapshot. ok is false when the update was stale or
// fewer than two venues are fresh; both are skip conditions, not failures.
func (a *Aggregator) Apply(quote domain.Quote) (domain.MarketSnapshot, bool, error) {
	if err := a.book.Update(quote); err != nil {
		if errors.Is(err, quotebook.ErrStaleUpdate) {
			a.logger.Debug("stale quote discarded",
				zap.String("venue", quote.Venue),
				zap.Time("observed_at", quote.ObservedAt))
			return domain.MarketSnapshot{}, false, nil
		}
		return domain.MarketSnapshot{}, false, err
	}

	snapshot, ok := a.Snapshot()
	return snapshot, ok, nil
}

// Snapshot builds the current cross-venue view from fresh quotes only.
func (a *Aggregator) Snapshot() (domain.MarketSnapshot, bool) {
	now := a.now()
	fresh := a.book.Fresh(now, a.maxAge)
	if len(fresh) < minFreshVenues {
		return domain.MarketSnapshot{}, false
	}

	takenAt := now
	// clock adjustments must not break the ordering contract towards the detector
	if takenAt.Before(a.lastTaken) {
		takenAt = a.lastTaken
	}
	a.lastTaken = takenAt

	return domain.MarketSnapshot{
		Pair:    a.pair,
		Quotes:  fresh,
		TakenAt: takenAt,
	}, true
}
