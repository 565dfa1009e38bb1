package market

import (
	"fmt"
	"strings"
	"time"
)

// Quote is a normalized top-of-book snapshot for one instrument.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Mid returns the bid/ask midpoint, falling back to Last on a one-sided book.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadBps calculates bid-ask spread in basis points
func (q Quote) SpreadBps() float64 {
	if q.Bid <= 0 {
		return 0
	}
	return ((q.Ask - q.Bid) / q.Bid) * 10000
}

// Age is how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// IsStale reports whether the quote is older than maxAge at now.
func (q Quote) IsStale(now time.Time, maxAge time.Duration) bool {
	return q.Timestamp.IsZero() || q.Age(now) > maxAge
}

// ValidateQuote rejects quotes that cannot be priced against (fail-closed).
func ValidateQuote(q Quote, now time.Time) error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("empty symbol")
	}
	if q.Last <= 0 && (q.Bid <= 0 || q.Ask <= 0) {
		return fmt.Errorf("invalid quote prices: bid=%.4f ask=%.4f last=%.4f", q.Bid, q.Ask, q.Last)
	}
	if q.Bid < 0 || q.Ask < 0 {
		return fmt.Errorf("negative quote prices: bid=%.4f ask=%.4f", q.Bid, q.Ask)
	}
	if q.Bid > 0 && q.Ask > 0 && q.Ask < q.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", q.Ask, q.Bid)
	}
	if q.Timestamp.After(now.Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}
	return nil
}

// NormalizeSymbol uppercases and trims a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Book is a read-only set of quotes taken at one point in time.
type Book map[string]Quote

// NewBook indexes quotes by normalized symbol. Later quotes for the same
// symbol win only when they are newer.
func NewBook(quotes []Quote) Book {
	b := make(Book, len(quotes))
	for _, q := range quotes {
		q.Symbol = NormalizeSymbol(q.Symbol)
		if prev, ok := b[q.Symbol]; ok && prev.Timestamp.After(q.Timestamp) {
			continue
		}
		b[q.Symbol] = q
	}
	return b
}

// Get returns the quote for symbol.
func (b Book) Get(symbol string) (Quote, bool) {
	q, ok := b[NormalizeSymbol(symbol)]
	return q, ok
}

// Merge returns a new book where quotes from other replace older ones.
func (b Book) Merge(other Book) Book {
	out := make(Book, len(b)+len(other))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range other {
		if prev, ok := out[k]; ok && prev.Timestamp.After(v.Timestamp) {
			continue
		}
		out[k] = v
	}
	return out
}
