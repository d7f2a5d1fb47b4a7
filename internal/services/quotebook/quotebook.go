// Package quotebook keeps the latest best bid/ask per venue for one pair.
package quotebook

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/arbit/internal/domain"
)

var (
	// ErrStaleUpdate the update is not newer than the stored quote and was discarded.
	ErrStaleUpdate = errors.New("stale quote update")
	// ErrNotFound no quote stored for the venue.
	ErrNotFound = errors.New("no quote for venue")
	// ErrWrongPair the quote belongs to a different pair.
	ErrWrongPair = errors.New("quote pair mismatch")
)

// Book maps venue to its latest Quote for a single pair. ObservedAt is
// monotonically non-decreasing per venue: out-of-order and duplicate updates
// are rejected with ErrStaleUpdate so re-delivery never re-triggers detection.
type Book struct {
	mu     sync.RWMutex
	pair   domain.Pair
	quotes map[string]domain.Quote
}

// New creates an empty book for the pair.
func New(pair domain.Pair) *Book {
	return &Book{
		pair:   pair,
		quotes: make(map[string]domain.Quote),
	}
}

// Update stores the quote if it is newer than the current one for its venue.
func (b *Book) Update(quote domain.Quote) error {
	if quote.Pair != b.pair {
		return errors.Wrapf(ErrWrongPair, "got %s, book holds %s", quote.Pair.String(), b.pair.String())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.quotes[quote.Venue]
	if ok && !quote.ObservedAt.After(current.ObservedAt) {
		return ErrStaleUpdate
	}
	b.quotes[quote.Venue] = quote

	return nil
}

// Get returns the latest quote for a venue.
func (b *Book) Get(venue string) (domain.Quote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	quote, ok := b.quotes[venue]
	if !ok {
		return domain.Quote{}, errors.Wrap(ErrNotFound, venue)
	}
	return quote, nil
}

// Fresh returns the quotes whose age does not exceed maxAge, ordered by venue
// name so snapshots are deterministic.
func (b *Book) Fresh(now time.Time, maxAge time.Duration) []domain.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fresh := make([]domain.Quote, 0, len(b.quotes))
	for _, quote := range b.quotes {
		if quote.Age(now) <= maxAge {
			fresh = append(fresh, quote)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Venue < fresh[j].Venue })

	return fresh
}

// FreshVenues returns the venues with a quote no older than maxAge.
func (b *Book) FreshVenues(now time.Time, maxAge time.Duration) []string {
	fresh := b.Fresh(now, maxAge)
	venues := make([]string, 0, len(fresh))
	for _, quote := range fresh {
		venues = append(venues, quote.Venue)
	}
	return venues
}
