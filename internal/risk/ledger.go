package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// ErrLossLimitBreached is returned by ClearDrawdown while daily pnl is still
// below the limit.
var ErrLossLimitBreached = errors.New("daily loss limit still breached")

const orderTimeRetention = 24 * time.Hour

// OrderEffect is an acknowledged order as seen by the ledger.
type OrderEffect struct {
	Key       string
	Symbol    string
	Side      decision.Side
	Quantity  int64
	PriceHint float64
	At        time.Time
}

// FillEffect is an execution reported by the broker.
type FillEffect struct {
	Key      string
	FillID   string
	Symbol   string
	Side     decision.Side
	Quantity int64
	Price    float64
	At       time.Time
}

// Position is a filled holding. DayRefPrice is the cost basis for daily pnl:
// the entry price for positions opened today, the prior mark otherwise.
type Position struct {
	Quantity      int64     `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	DayRefPrice   float64   `json:"day_ref_price"`
	MarkPrice     float64   `json:"mark_price"`
	LastTradeAt   time.Time `json:"last_trade_at"`
}

type reservation struct {
	Symbol    string        `json:"symbol"`
	Side      decision.Side `json:"side"`
	Remaining int64         `json:"remaining"`
	PriceHint float64       `json:"price_hint"`
}

type nonEvent struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type accountBook struct {
	Account      string                  `json:"account"`
	TradingDay   string                  `json:"trading_day"`
	MaxDailyLoss float64                 `json:"max_daily_loss"`
	RealizedPnL  float64                 `json:"realized_pnl"`
	Positions    map[string]*Position    `json:"positions"`
	Pending      map[string]*reservation `json:"pending"`
	PreAckFills  map[string]int64        `json:"pre_ack_fills"`
	Acked        map[string]time.Time    `json:"acked"`
	NonEvents    map[string]nonEvent     `json:"non_events"`
	Fills        map[string]time.Time    `json:"fills"`
	OrderTimes   []time.Time             `json:"order_times"`
	LastOrderAt  map[string]time.Time    `json:"last_order_at"`
	DrawdownFlag bool                    `json:"drawdown_flag"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func newAccountBook(account string) *accountBook {
	return &accountBook{
		Account:     account,
		Positions:   map[string]*Position{},
		Pending:     map[string]*reservation{},
		PreAckFills: map[string]int64{},
		Acked:       map[string]time.Time{},
		NonEvents:   map[string]nonEvent{},
		Fills:       map[string]time.Time{},
		LastOrderAt: map[string]time.Time{},
	}
}

type ledgerFile struct {
	Version   int64                   `json:"version"`
	UpdatedAt time.Time               `json:"updated_at"`
	Accounts  map[string]*accountBook `json:"accounts"`
}

// Ledger is the single writer of RiskState. Every update is applied at most
// once per idempotency key (fill id for fills) and re-checks the daily loss
// invariant, latching DrawdownFlag on breach.
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[string]*accountBook
	filePath  string
	version   int64
	retention time.Duration
	dirty     bool
	logger    *zap.Logger
}

// NewLedger creates a ledger. With a non-empty filePath every order, fill
// and limit change is persisted atomically; marks are written by Flush.
func NewLedger(filePath string, logger *zap.Logger) *Ledger {
	return &Ledger{
		accounts:  map[string]*accountBook{},
		filePath:  filePath,
		retention: orderTimeRetention,
		logger:    observ.OrNop(logger).Named("ledger"),
	}
}

// SetRetention sets how long applied keys are remembered for deduplication.
// Keys older than d are dropped when the trading day rolls; it should not be
// shorter than the gateway's dedupe window.
func (l *Ledger) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.retention = d
	l.mu.Unlock()
}

// Open registers an account with its loss limit and trading day. It is a
// no-op for known accounts apart from updating the limit.
func (l *Ledger) Open(account string, maxDailyLoss float64, day string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	b.MaxDailyLoss = maxDailyLoss
	if b.TradingDay == "" {
		b.TradingDay = day
	}
	l.persistLocked()
}

// Accounts lists known accounts in sorted order.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for a := range l.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the account's state; window bounds the order
// count.
func (l *Ledger) Snapshot(account string, now time.Time, window time.Duration) RiskState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.accounts[account]
	if !ok {
		return RiskState{
			Account:               account,
			OpenExposureBySymbol:  map[string]float64{},
			PositionBySymbol:      map[string]int64{},
			PendingSellBySymbol:   map[string]int64{},
			LastOrderTimeBySymbol: map[string]time.Time{},
			AsOf:                  now,
		}
	}
	return b.snapshot(now, window)
}

// ApplyAck reserves exposure for an acknowledged order. Returns false when
// the key was already applied.
func (l *Ledger) ApplyAck(account string, e OrderEffect) (RiskState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	if _, seen := b.Acked[e.Key]; seen {
		observ.IncCounter("ledger_duplicate_updates_total", map[string]string{"kind": "ack"})
		return b.snapshot(e.At, 0), false
	}
	b.Acked[e.Key] = e.At

	remaining := e.Quantity - b.PreAckFills[e.Key]
	delete(b.PreAckFills, e.Key)
	if remaining > 0 {
		b.Pending[e.Key] = &reservation{Symbol: e.Symbol, Side: e.Side, Remaining: remaining, PriceHint: e.PriceHint}
	}
	b.OrderTimes = append(pruneTimes(b.OrderTimes, e.At), e.At)
	b.LastOrderAt[e.Symbol] = e.At

	l.afterUpdateLocked(b, e.At, "ack")
	return b.snapshot(e.At, 0), true
}

// ApplyFill books an execution. Fills for unknown keys still move the
// position since the broker is the source of truth for holdings.
func (l *Ledger) ApplyFill(account string, f FillEffect) (RiskState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)

	fillID := f.FillID
	if fillID == "" {
		fillID = f.Key
	}
	if _, seen := b.Fills[fillID]; seen {
		observ.IncCounter("ledger_duplicate_updates_total", map[string]string{"kind": "fill"})
		return b.snapshot(f.At, 0), false
	}
	b.Fills[fillID] = f.At

	if r, ok := b.Pending[f.Key]; ok {
		r.Remaining -= f.Quantity
		if r.Remaining <= 0 {
			delete(b.Pending, f.Key)
		}
	} else if _, acked := b.Acked[f.Key]; f.Key != "" && !acked {
		b.PreAckFills[f.Key] += f.Quantity
	}

	pos := b.Positions[f.Symbol]
	if pos == nil {
		pos = &Position{}
		b.Positions[f.Symbol] = pos
	}
	switch f.Side {
	case decision.SideBuy:
		newQty := pos.Quantity + f.Quantity
		pos.AvgEntryPrice = (pos.AvgEntryPrice*float64(pos.Quantity) + f.Price*float64(f.Quantity)) / float64(newQty)
		pos.DayRefPrice = (pos.DayRefPrice*float64(pos.Quantity) + f.Price*float64(f.Quantity)) / float64(newQty)
		pos.Quantity = newQty
	case decision.SideSell:
		closed := f.Quantity
		if closed > pos.Quantity {
			closed = pos.Quantity
		}
		b.RealizedPnL += float64(closed) * (f.Price - pos.DayRefPrice)
		pos.Quantity -= closed
		if pos.Quantity == 0 {
			pos.AvgEntryPrice, pos.DayRefPrice = 0, 0
		}
	}
	pos.MarkPrice = f.Price
	pos.LastTradeAt = f.At

	l.afterUpdateLocked(b, f.At, "fill")
	return b.snapshot(f.At, 0), true
}

// ApplyNonEvent records that an order ended without exposure change
// (FAILED or REJECTED).
func (l *Ledger) ApplyNonEvent(account, key, reason string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	if _, seen := b.NonEvents[key]; seen {
		return false
	}
	b.NonEvents[key] = nonEvent{Reason: reason, At: at}
	delete(b.Pending, key)
	l.logger.Debug("non-event recorded",
		zap.String("account", account),
		zap.String("idempotency_key", key),
		zap.String("reason", reason))
	l.afterUpdateLocked(b, at, "non_event")
	return true
}

// MarkToMarket revalues a position at price. Marks are held in memory until
// Flush unless they latch the drawdown flag.
func (l *Ledger) MarkToMarket(account, symbol string, price float64, at time.Time) RiskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	if pos, ok := b.Positions[symbol]; ok && price > 0 {
		pos.MarkPrice = price
		if l.checkLocked(b, at, "mark") {
			l.persistLocked()
		} else {
			l.dirty = true
		}
	}
	return b.snapshot(at, 0)
}

// Flush writes pending marks to the ledger file.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty || l.filePath == "" {
		return nil
	}
	return l.saveLocked()
}

// RollDay starts a new trading day: daily pnl resets and open positions are
// re-referenced at their last mark. The drawdown flag is left alone; it is
// only cleared by ClearDrawdown.
func (l *Ledger) RollDay(account, day string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	if b.TradingDay == day {
		return false
	}
	prev := b.TradingDay
	b.TradingDay = day
	b.RealizedPnL = 0
	for sym, pos := range b.Positions {
		if pos.Quantity == 0 {
			delete(b.Positions, sym)
			continue
		}
		if pos.MarkPrice > 0 {
			pos.DayRefPrice = pos.MarkPrice
		}
	}
	pruned := b.pruneKeys(at.Add(-l.retention))
	l.logger.Info("trading day rolled",
		zap.String("account", account),
		zap.String("from", prev),
		zap.String("to", day),
		zap.Int("pruned_keys", pruned))
	l.afterUpdateLocked(b, at, "roll_day")
	return true
}

// ClearDrawdown lowers the drawdown flag if the invariant holds again.
func (l *Ledger) ClearDrawdown(account string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	if b.breached() {
		return fmt.Errorf("clear drawdown for %s: %w", account, ErrLossLimitBreached)
	}
	b.DrawdownFlag = false
	b.UpdatedAt = at
	l.persistLocked()
	return nil
}

// SetMaxDailyLoss updates the loss limit and re-checks the invariant.
func (l *Ledger) SetMaxDailyLoss(account string, v float64, at time.Time) RiskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bookLocked(account)
	b.MaxDailyLoss = v
	l.afterUpdateLocked(b, at, "set_limit")
	return b.snapshot(at, 0)
}

func (l *Ledger) bookLocked(account string) *accountBook {
	b, ok := l.accounts[account]
	if !ok {
		b = newAccountBook(account)
		l.accounts[account] = b
	}
	return b
}

func (l *Ledger) afterUpdateLocked(b *accountBook, at time.Time, kind string) {
	l.checkLocked(b, at, kind)
	l.persistLocked()
}

// checkLocked re-checks the loss invariant after an update and reports
// whether it latched the drawdown flag.
func (l *Ledger) checkLocked(b *accountBook, at time.Time, kind string) bool {
	b.UpdatedAt = at
	latched := false
	if b.breached() && !b.DrawdownFlag {
		b.DrawdownFlag = true
		latched = true
		l.logger.Warn("daily loss limit breached",
			zap.String("account", b.Account),
			zap.Float64("daily_pnl", b.realized()+b.unrealized()),
			zap.Float64("max_daily_loss", b.MaxDailyLoss),
			zap.String("trigger", kind))
		observ.IncCounter("ledger_drawdown_breaches_total", map[string]string{"account": b.Account})
	}
	observ.IncCounter("ledger_updates_total", map[string]string{"kind": kind})
	observ.SetGauge("ledger_daily_pnl", b.realized()+b.unrealized(), map[string]string{"account": b.Account})
	observ.SetGauge("ledger_open_exposure", b.totalExposure(), map[string]string{"account": b.Account})
	return latched
}

func (l *Ledger) persistLocked() {
	if l.filePath == "" {
		return
	}
	if err := l.saveLocked(); err != nil {
		l.logger.Error("ledger save failed", zap.Error(err))
		observ.IncCounter("ledger_save_errors_total", nil)
	}
}

// Save writes the ledger to its file.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *Ledger) saveLocked() error {
	l.version++
	data, err := json.MarshalIndent(ledgerFile{
		Version:   l.version,
		UpdatedAt: time.Now().UTC(),
		Accounts:  l.accounts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tempPath := l.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp ledger: %w", err)
	}
	if err := os.Rename(tempPath, l.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename ledger: %w", err)
	}
	l.dirty = false
	return nil
}

// Load restores the ledger from its file. A missing file leaves it empty.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	l.version = f.Version
	l.accounts = map[string]*accountBook{}
	for name, b := range f.Accounts {
		fresh := newAccountBook(name)
		*fresh = *b
		fillNilMaps(fresh)
		l.accounts[name] = fresh
	}
	return nil
}

func fillNilMaps(b *accountBook) {
	if b.Positions == nil {
		b.Positions = map[string]*Position{}
	}
	if b.Pending == nil {
		b.Pending = map[string]*reservation{}
	}
	if b.PreAckFills == nil {
		b.PreAckFills = map[string]int64{}
	}
	if b.Acked == nil {
		b.Acked = map[string]time.Time{}
	}
	if b.NonEvents == nil {
		b.NonEvents = map[string]nonEvent{}
	}
	if b.Fills == nil {
		b.Fills = map[string]time.Time{}
	}
	if b.LastOrderAt == nil {
		b.LastOrderAt = map[string]time.Time{}
	}
}

// pruneKeys forgets acknowledgements, fills and non-events recorded before
// cutoff. Keys with an open reservation are kept.
func (b *accountBook) pruneKeys(cutoff time.Time) int {
	n := 0
	for k, at := range b.Acked {
		if _, open := b.Pending[k]; !open && at.Before(cutoff) {
			delete(b.Acked, k)
			n++
		}
	}
	for k, at := range b.Fills {
		if at.Before(cutoff) {
			delete(b.Fills, k)
			n++
		}
	}
	for k, ne := range b.NonEvents {
		if ne.At.Before(cutoff) {
			delete(b.NonEvents, k)
			n++
		}
	}
	return n
}

func (b *accountBook) realized() float64 { return b.RealizedPnL }

func (b *accountBook) unrealized() float64 {
	var u float64
	for _, p := range b.Positions {
		if p.Quantity == 0 || p.MarkPrice <= 0 {
			continue
		}
		u += float64(p.Quantity) * (p.MarkPrice - p.DayRefPrice)
	}
	return u
}

func (b *accountBook) breached() bool {
	return b.MaxDailyLoss > 0 && b.realized()+b.unrealized() < -b.MaxDailyLoss
}

func (b *accountBook) exposureBySymbol() map[string]float64 {
	exp := map[string]float64{}
	for sym, p := range b.Positions {
		if p.Quantity > 0 {
			px := p.MarkPrice
			if px <= 0 {
				px = p.AvgEntryPrice
			}
			exp[sym] += float64(p.Quantity) * px
		}
	}
	for _, r := range b.Pending {
		exp[r.Symbol] += r.Side.Sign() * float64(r.Remaining) * r.PriceHint
	}
	for sym, v := range exp {
		if v < 0 {
			exp[sym] = 0
		}
	}
	return exp
}

func (b *accountBook) totalExposure() float64 {
	var total float64
	for _, v := range b.exposureBySymbol() {
		total += v
	}
	return total
}

func (b *accountBook) snapshot(now time.Time, window time.Duration) RiskState {
	positions := make(map[string]int64, len(b.Positions))
	for sym, p := range b.Positions {
		if p.Quantity != 0 {
			positions[sym] = p.Quantity
		}
	}
	last := make(map[string]time.Time, len(b.LastOrderAt))
	for sym, t := range b.LastOrderAt {
		last[sym] = t
	}
	pendingSell := map[string]int64{}
	for _, r := range b.Pending {
		if r.Side == decision.SideSell {
			pendingSell[r.Symbol] += r.Remaining
		}
	}
	count := 0
	if window > 0 {
		cutoff := now.Add(-window)
		for _, t := range b.OrderTimes {
			if t.After(cutoff) && !t.After(now) {
				count++
			}
		}
	}
	return RiskState{
		Account:               b.Account,
		TradingDay:            b.TradingDay,
		DailyRealizedPnL:      b.realized(),
		DailyUnrealizedPnL:    b.unrealized(),
		OpenExposureBySymbol:  b.exposureBySymbol(),
		PositionBySymbol:      positions,
		PendingSellBySymbol:   pendingSell,
		OrderCountWindow:      count,
		LastOrderTimeBySymbol: last,
		DrawdownFlag:          b.DrawdownFlag,
		MaxDailyLoss:          b.MaxDailyLoss,
		AsOf:                  now,
	}
}

func pruneTimes(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-orderTimeRetention)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
