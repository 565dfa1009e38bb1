package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/observ"
)

type cachedQuote struct {
	quote    market.Quote
	cachedAt time.Time
}

// QuoteCache polls a broker for a watchlist and serves the latest quotes as
// a market.Book. Entries older than maxAge are left out of snapshots so that
// fusion sees a missing quote rather than a stale one.
type QuoteCache struct {
	broker    Broker
	watchlist []string
	interval  time.Duration
	maxAge    time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

func NewQuoteCache(b Broker, watchlist []string, interval, maxAge time.Duration, logger *zap.Logger) *QuoteCache {
	if interval <= 0 {
		interval = time.Second
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	syms := make([]string, 0, len(watchlist))
	for _, s := range watchlist {
		syms = append(syms, market.NormalizeSymbol(s))
	}
	sort.Strings(syms)
	return &QuoteCache{
		broker:    b,
		watchlist: syms,
		interval:  interval,
		maxAge:    maxAge,
		logger:    observ.OrNop(logger).Named("quotes").With(zap.String("broker", b.Name())),
		quotes:    map[string]cachedQuote{},
	}
}

// Run refreshes the watchlist every interval until ctx is done.
func (c *QuoteCache) Run(ctx context.Context) error {
	c.Refresh(ctx)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh fetches every watchlist symbol once. Failures keep the previous
// entry, which ages out on its own.
func (c *QuoteCache) Refresh(ctx context.Context) {
	start := time.Now()
	for _, sym := range c.watchlist {
		if ctx.Err() != nil {
			return
		}
		q, err := c.broker.GetQuote(ctx, sym)
		if err != nil {
			result := "error"
			if errors.Is(err, ErrNoQuote) {
				result = "no_quote"
			}
			observ.IncCounter("quote_refresh_total", map[string]string{"result": result})
			c.logger.Debug("quote refresh failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if err := market.ValidateQuote(q, time.Now()); err != nil {
			observ.IncCounter("quote_refresh_total", map[string]string{"result": "invalid"})
			c.logger.Warn("broker returned invalid quote", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		c.Set(q, time.Now())
		observ.IncCounter("quote_refresh_total", map[string]string{"result": "ok"})
	}
	observ.RecordDuration("quote_refresh_duration", time.Since(start), nil)
}

func (c *QuoteCache) Set(q market.Quote, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q.Symbol = market.NormalizeSymbol(q.Symbol)
	c.quotes[q.Symbol] = cachedQuote{quote: q, cachedAt: at}
}

// Snapshot returns the cached quotes that are still fresh at now.
func (c *QuoteCache) Snapshot(now time.Time) market.Book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fresh := make([]market.Quote, 0, len(c.quotes))
	for _, cq := range c.quotes {
		if now.Sub(cq.cachedAt) > c.maxAge {
			continue
		}
		fresh = append(fresh, cq.quote)
	}
	return market.NewBook(fresh)
}
