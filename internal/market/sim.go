package market

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// SimFeed generates seeded random-walk quotes. Two feeds built with the same
// seed and instruments produce the same sequence, which replay relies on.
type SimFeed struct {
	mu     sync.Mutex
	bases  map[string]*simInstrument
	random *rand.Rand
}

type simInstrument struct {
	price      float64
	volatility float64 // daily volatility as decimal (0.02 = 2%)
}

// NewSimFeed creates a feed with the given starting prices.
func NewSimFeed(seed int64, prices map[string]float64) *SimFeed {
	f := &SimFeed{
		bases:  make(map[string]*simInstrument, len(prices)),
		random: rand.New(rand.NewSource(seed)),
	}
	for sym, p := range prices {
		f.bases[NormalizeSymbol(sym)] = &simInstrument{price: p, volatility: 0.025}
	}
	return f
}

// AddSymbol registers an instrument with its starting price and volatility.
func (f *SimFeed) AddSymbol(symbol string, price, volatility float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bases[NormalizeSymbol(symbol)] = &simInstrument{price: price, volatility: volatility}
}

// SetPrice pins an instrument's current price.
func (f *SimFeed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym := NormalizeSymbol(symbol)
	if inst, ok := f.bases[sym]; ok {
		inst.price = price
		return
	}
	f.bases[sym] = &simInstrument{price: price, volatility: 0.025}
}

// Quote advances the walk one step for symbol and returns the resulting quote.
func (f *SimFeed) Quote(symbol string, now time.Time) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteLocked(NormalizeSymbol(symbol), now)
}

// Peek returns the current quote without advancing the walk.
func (f *SimFeed) Peek(symbol string, now time.Time) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym := NormalizeSymbol(symbol)
	inst, ok := f.bases[sym]
	if !ok {
		return Quote{}, fmt.Errorf("symbol %s not supported by sim feed", sym)
	}
	return f.build(sym, inst.price, now), nil
}

// Snapshot steps every instrument and returns a book, in symbol order.
func (f *SimFeed) Snapshot(now time.Time) Book {
	f.mu.Lock()
	defer f.mu.Unlock()
	syms := make([]string, 0, len(f.bases))
	for s := range f.bases {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	book := make(Book, len(syms))
	for _, s := range syms {
		q, _ := f.quoteLocked(s, now)
		book[s] = q
	}
	return book
}

func (f *SimFeed) quoteLocked(sym string, now time.Time) (Quote, error) {
	inst, ok := f.bases[sym]
	if !ok {
		return Quote{}, fmt.Errorf("symbol %s not supported by sim feed", sym)
	}
	// 390 one-minute steps per session
	minuteVol := inst.volatility / math.Sqrt(390)
	inst.price *= 1 + f.random.NormFloat64()*minuteVol
	if inst.price <= 0 {
		inst.price = getTickSize(0)
	}
	return f.build(sym, inst.price, now), nil
}

func (f *SimFeed) build(sym string, price float64, now time.Time) Quote {
	spreadPct := 0.0002
	if price < 50 {
		spreadPct *= 2
	}
	half := price * spreadPct / 2
	return Quote{
		Symbol:    sym,
		Bid:       roundToTick(price-half, getTickSize(price)),
		Ask:       roundToTick(price+half, getTickSize(price)),
		Last:      roundToTick(price, getTickSize(price)),
		Timestamp: now,
		Source:    "sim",
	}
}

func getTickSize(price float64) float64 {
	if price >= 1.00 {
		return 0.01
	}
	return 0.0001
}

func roundToTick(price, tickSize float64) float64 {
	return math.Round(price/tickSize) * tickSize
}
