package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one venue's best bid/ask observation for a pair.
// Quotes are immutable: a newer observation supersedes an older one, it never mutates it.
type Quote struct {
	Venue       string
	Pair        Pair
	BestBid     decimal.Decimal
	BestBidSize decimal.Decimal
	BestAsk     decimal.Decimal
	BestAskSize decimal.Decimal
	ObservedAt  time.Time
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// Crossed reports whether the quote itself is inconsistent (bid at or above ask).
// Such quotes are not trustworthy for decision-making.
func (q Quote) Crossed() bool {
	return q.BestBid.GreaterThanOrEqual(q.BestAsk)
}

// MarketSnapshot is the cross-venue view assembled from the fresh quotes of all venues.
// It contains at most one quote per venue.
type MarketSnapshot struct {
	Pair    Pair
	Quotes  []Quote
	TakenAt time.Time
}

// Quote returns the quote for the given venue, if present.
func (s MarketSnapshot) Quote(venue string) (Quote, bool) {
	for _, q := range s.Quotes {
		if q.Venue == venue {
			return q, true
		}
	}
	return Quote{}, false
}

// Venues returns the venues present in the snapshot.
func (s MarketSnapshot) Venues() []string {
	venues := make([]string, 0, len(s.Quotes))
	for _, q := range s.Quotes {
		venues = append(venues, q.Venue)
	}
	return venues
}
