package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/broker"
	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/notify"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/outbox"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

// Pipeline outcomes that are not guardrail reason codes.
const (
	SkipSubmissionOutstanding = "SubmissionOutstanding"
	ReasonNoLiveGateway       = "live_gateway_unavailable"
	ReasonShuttingDown        = "shutting_down"
	ReasonDrawdown            = "drawdown"
	ReasonGatewayFailures     = "repeated_gateway_failures"
)

// Stage is how far an order got through the pipeline.
type Stage string

const (
	StageSkipped   Stage = "skipped"   // fusion produced nothing or the symbol was busy
	StageDiscarded Stage = "discarded" // mode gate
	StageRejected  Stage = "rejected"  // guardrail
	StageSubmitted Stage = "submitted" // handed to the gateway, disposition pending
	StageCompleted Stage = "completed" // gateway disposition known
)

// Disposition is the pipeline result for one symbol of one account.
type Disposition struct {
	Account  string               `json:"account"`
	Symbol   string               `json:"symbol"`
	Side     decision.Side        `json:"side,omitempty"`
	Quantity int64                `json:"quantity,omitempty"`
	CycleID  string               `json:"cycle_id"`
	Stage    Stage                `json:"stage"`
	Reason   string               `json:"reason,omitempty"`
	Detail   string               `json:"detail,omitempty"`
	Mode     safety.Mode          `json:"mode,omitempty"`
	Record   *gateway.OrderRecord `json:"record,omitempty"`
}

// CycleReport lists every disposition of one fusion cycle, accounts in
// configuration order and symbols in sorted order.
type CycleReport struct {
	CycleID      string        `json:"cycle_id"`
	At           time.Time     `json:"at"`
	Dispositions []Disposition `json:"dispositions"`
}

// Account is the static configuration of one trading account.
type Account struct {
	ID     string
	Equity float64
	Limits risk.Limits
}

type Config struct {
	Accounts     []Account
	TickInterval time.Duration
	// MaxInFlight bounds concurrent submissions per account.
	MaxInFlight  int
	BuyThreshold float64
	MaxQuoteAge  time.Duration
	LotSizes     map[string]int64
	DefaultLot   int64
	// MaxConsecutiveFailures FAILED dispositions in a row, across symbols,
	// suspend the account.
	MaxConsecutiveFailures int
	Location               *time.Location
	// Synchronous runs each submission inline. Replays use it so that fills
	// and ledger updates happen in a reproducible order.
	Synchronous  bool
	RecentOrders int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.MaxQuoteAge <= 0 {
		c.MaxQuoteAge = 5 * time.Second
	}
	if c.DefaultLot <= 0 {
		c.DefaultLot = 1
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.RecentOrders <= 0 {
		c.RecentOrders = 50
	}
	return c
}

// QuoteSource supplies market data besides what arrives with signal batches.
type QuoteSource interface {
	Snapshot(now time.Time) market.Book
}

// Deps are the collaborators. Source, Quotes, Live and Stream are optional.
type Deps struct {
	Source   transport.Source
	Quotes   QuoteSource
	Ledger   *risk.Ledger
	Machines map[string]*safety.Machine
	Paper    *gateway.Client
	Live     *gateway.Client
	Stream   *notify.Stream
	Clock    Clock
	Logger   *zap.Logger
}

type inflightSub struct {
	mode   safety.Mode
	gw     *gateway.Client
	cancel context.CancelFunc
}

type accountRuntime struct {
	id      string
	machine *safety.Machine
	sem     chan struct{}

	mu       sync.Mutex
	equity   float64
	limits   risk.Limits
	failures int
	inflight map[string]inflightSub
}

func (a *accountRuntime) params() (float64, risk.Limits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.equity, a.limits
}

func (a *accountRuntime) addInflight(key string, mode safety.Mode, gw *gateway.Client, cancel context.CancelFunc) {
	a.mu.Lock()
	a.inflight[key] = inflightSub{mode: mode, gw: gw, cancel: cancel}
	a.mu.Unlock()
}

func (a *accountRuntime) removeInflight(key string) {
	a.mu.Lock()
	delete(a.inflight, key)
	a.mu.Unlock()
}

func (a *accountRuntime) inflightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// revoked returns the unacknowledged submissions that the new mode no longer
// permits, keyed by idempotency key.
func (a *accountRuntime) revoked(to safety.Mode) map[string]inflightSub {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]inflightSub{}
	for key, sub := range a.inflight {
		if to == safety.ModeSuspended || (sub.mode == safety.ModeLive && to != safety.ModeLive) {
			out[key] = sub
		}
	}
	return out
}

// Orchestrator runs the per-tick pipeline and handles out-of-band commands
// and fills.
type Orchestrator struct {
	cfg      Config
	source   transport.Source
	quotes   QuoteSource
	ledger   *risk.Ledger
	paper    *gateway.Client
	live     *gateway.Client
	stream   *notify.Stream
	clock    Clock
	logger   *zap.Logger
	accounts map[string]*accountRuntime
	order    []string
	locks    *keyedLocks

	commands chan Request
	fills    chan broker.Fill

	bookMu sync.RWMutex
	book   market.Book

	submissions sync.WaitGroup
	seq         uint64
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if deps.Ledger == nil {
		return nil, errors.New("orchestrator: ledger is required")
	}
	if deps.Paper == nil {
		return nil, errors.New("orchestrator: paper gateway is required")
	}
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("orchestrator: no accounts configured")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}

	o := &Orchestrator{
		cfg:      cfg,
		source:   deps.Source,
		quotes:   deps.Quotes,
		ledger:   deps.Ledger,
		paper:    deps.Paper,
		live:     deps.Live,
		stream:   deps.Stream,
		clock:    deps.Clock,
		logger:   observ.OrNop(deps.Logger).Named("orchestrator"),
		accounts: map[string]*accountRuntime{},
		locks:    newKeyedLocks(),
		commands: make(chan Request, 16),
		fills:    make(chan broker.Fill, 1024),
		book:     market.Book{},
	}

	day := o.tradingDay(o.clock.Now())
	for _, ac := range cfg.Accounts {
		if _, dup := o.accounts[ac.ID]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate account %q", ac.ID)
		}
		m := deps.Machines[ac.ID]
		if m == nil {
			return nil, fmt.Errorf("orchestrator: no safety machine for account %q", ac.ID)
		}
		if err := ac.Limits.Validate(); err != nil {
			return nil, fmt.Errorf("orchestrator: account %s: %w", ac.ID, err)
		}
		a := &accountRuntime{
			id:       ac.ID,
			machine:  m,
			sem:      make(chan struct{}, cfg.MaxInFlight),
			equity:   ac.Equity,
			limits:   ac.Limits,
			inflight: map[string]inflightSub{},
		}
		o.accounts[ac.ID] = a
		o.order = append(o.order, ac.ID)
		o.ledger.Open(ac.ID, ac.Limits.MaxDailyLoss, day)
		o.ledger.SetMaxDailyLoss(ac.ID, ac.Limits.MaxDailyLoss, o.clock.Now())
		m.OnTransition(func(tr safety.Transition) { o.onTransition(a, tr) })
	}
	return o, nil
}

func (o *Orchestrator) onTransition(a *accountRuntime, tr safety.Transition) {
	kind := notify.KindModeChanged
	if tr.To == safety.ModeSuspended {
		kind = notify.KindAccountSuspended
	}
	o.publish(notify.NewEvent(kind, tr.Account, "", tr.Reason,
		fmt.Sprintf("%s -> %s by %s", tr.From, tr.To, tr.Actor), tr.At))
	subs := a.revoked(tr.To)
	if len(subs) == 0 {
		return
	}
	o.logger.Warn("cancelling unacknowledged submissions",
		zap.String("account", a.id),
		zap.String("mode", string(tr.To)),
		zap.Int("count", len(subs)))
	// listeners run under the machine's write gate; broker calls must not
	o.submissions.Add(1)
	go func() {
		defer o.submissions.Done()
		o.cancelSubmissions(a, subs)
	}()
}

// cancelSubmissions cancels each submission through its gateway, which also
// withdraws any order the broker accepted before the attempt was torn down.
func (o *Orchestrator) cancelSubmissions(a *accountRuntime, subs map[string]inflightSub) {
	for key, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := sub.gw.Cancel(ctx, key)
		cancel()
		switch {
		case err == nil:
			observ.IncCounter("orchestrator_cancelled_submissions_total", map[string]string{"mode": string(sub.mode)})
		case errors.Is(err, gateway.ErrAlreadyAcknowledged), errors.Is(err, gateway.ErrAlreadyTerminal), errors.Is(err, gateway.ErrUnknownOrder):
			o.logger.Debug("submission not cancellable", zap.String("account", a.id), zap.String("idempotency_key", key), zap.Error(err))
		default:
			o.logger.Warn("submission cancel failed", zap.String("account", a.id), zap.String("idempotency_key", key), zap.Error(err))
		}
		// not yet claimed by the gateway, or the gateway call failed
		sub.cancel()
	}
}

func (o *Orchestrator) publish(e notify.Event) {
	if o.stream != nil {
		o.stream.Publish(e)
	}
}

func (o *Orchestrator) tradingDay(t time.Time) string {
	return t.In(o.cfg.Location).Format("2006-01-02")
}

// Commands accepts operator commands for the event loop.
func (o *Orchestrator) Commands() chan<- Request { return o.commands }

// Fills accepts broker executions for the event loop.
func (o *Orchestrator) Fills() chan<- broker.Fill { return o.fills }

// Accounts lists account ids in configuration order.
func (o *Orchestrator) Accounts() []string {
	return append([]string(nil), o.order...)
}

// Run drives ticks and consumes commands and fills until ctx is done.
// Outstanding submissions are awaited before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	var ticks sync.WaitGroup
	ticks.Add(1)
	go func() {
		defer ticks.Done()
		o.tickLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			ticks.Wait()
			o.Wait()
			return ctx.Err()
		case req := <-o.commands:
			res := o.Handle(ctx, req.Cmd)
			if req.Reply != nil {
				req.Reply <- res
			}
		case f := <-o.fills:
			o.HandleFill(ctx, f)
		}
	}
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	if o.source == nil {
		return
	}
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil {
				if errors.Is(err, transport.ErrExhausted) {
					o.logger.Info("signal source exhausted")
					return
				}
				if ctx.Err() == nil {
					o.logger.Warn("tick failed", zap.Error(err))
					observ.IncCounter("orchestrator_tick_errors_total", nil)
				}
			}
		}
	}
}

// Wait blocks until every outstanding submission has settled.
func (o *Orchestrator) Wait() { o.submissions.Wait() }

// Tick pulls one batch from the source and runs it. An empty batch only
// rolls the day and marks positions.
func (o *Orchestrator) Tick(ctx context.Context) (CycleReport, error) {
	if o.source == nil {
		return CycleReport{}, nil
	}
	batch, err := o.source.Next(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	now := o.clock.Now()
	if batch.Empty() {
		o.rollDay(now)
		o.markToMarket(o.refreshBook(batch.Quotes, now), now)
		return CycleReport{At: now}, nil
	}
	cycleID := batch.CycleID
	if cycleID == "" {
		cycleID = fmt.Sprintf("cyc-%s-%d", now.UTC().Format("20060102T150405"), atomic.AddUint64(&o.seq, 1))
	}
	return o.RunCycle(ctx, batch, cycleID), nil
}

// RunCycle fuses a batch and runs every resulting order through the mode
// gate, the guardrails and the gateway.
func (o *Orchestrator) RunCycle(ctx context.Context, batch transport.Batch, cycleID string) CycleReport {
	return o.runCycle(ctx, batch, cycleID, o.order)
}

func (o *Orchestrator) runCycle(ctx context.Context, batch transport.Batch, cycleID string, ids []string) CycleReport {
	start := time.Now()
	now := o.clock.Now()
	o.rollDay(now)
	book := o.refreshBook(batch.Quotes, now)
	o.markToMarket(book, now)

	report := CycleReport{CycleID: cycleID, At: now}
	results := make([][]Disposition, len(ids))
	run := func(i int) {
		a := o.accounts[ids[i]]
		res := decision.FuseSignals(batch.Signals(), cycleID, o.inputs(a, book, now))
		results[i] = o.processResult(ctx, a, res, book)
	}
	if o.cfg.Synchronous {
		for i := range ids {
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	}
	for _, ds := range results {
		report.Dispositions = append(report.Dispositions, ds...)
	}

	observ.IncCounter("orchestrator_cycles_total", nil)
	observ.RecordDuration("orchestrator_cycle_duration_seconds", time.Since(start), nil)
	o.logger.Info("cycle evaluated",
		zap.String("cycle_id", cycleID),
		zap.Int("rankings", len(batch.Rankings)),
		zap.Int("actions", len(batch.Actions)),
		zap.Int("dispositions", len(report.Dispositions)))
	return report
}

func (o *Orchestrator) inputs(a *accountRuntime, book market.Book, now time.Time) decision.Inputs {
	equity, _ := a.params()
	return decision.Inputs{
		Equity:       equity,
		Quotes:       book,
		Now:          now,
		BuyThreshold: o.cfg.BuyThreshold,
		MaxQuoteAge:  o.cfg.MaxQuoteAge,
		LotSizes:     o.cfg.LotSizes,
		DefaultLot:   o.cfg.DefaultLot,
	}
}

// processResult walks one account's fusion result in symbol order.
func (o *Orchestrator) processResult(ctx context.Context, a *accountRuntime, res decision.Result, book market.Book) []Disposition {
	var out []Disposition
	skips := map[string]decision.Skip{}
	var symbols []string
	for _, s := range res.Skipped {
		skips[s.Symbol] = s
		symbols = append(symbols, s.Symbol)
	}
	orders := map[string]decision.ProposedOrder{}
	for _, ord := range res.Orders {
		orders[ord.Symbol] = ord
		symbols = append(symbols, ord.Symbol)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		if s, ok := skips[sym]; ok {
			d := Disposition{Account: a.id, Symbol: sym, CycleID: res.CycleID, Stage: StageSkipped, Reason: s.Reason}
			if s.Err != nil {
				d.Detail = s.Err.Error()
			}
			observ.IncCounter("fusion_skips_total", map[string]string{"reason": s.Reason})
			o.logger.Debug("symbol skipped", zap.String("account", a.id), zap.String("symbol", sym),
				zap.String("cycle_id", res.CycleID), zap.String("reason", s.Reason), zap.Error(s.Err))
			out = append(out, d)
			continue
		}
		observ.IncCounter("fusion_orders_total", map[string]string{"side": string(orders[sym].Side)})
		out = append(out, o.process(ctx, a, orders[sym], book))
	}
	return out
}

// process runs one order through the (account, symbol) critical section:
// mode gate, guardrail evaluation, submission and ledger update.
func (o *Orchestrator) process(ctx context.Context, a *accountRuntime, order decision.ProposedOrder, book market.Book) Disposition {
	d := Disposition{
		Account:  a.id,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		CycleID:  order.CycleID,
	}

	o.checkDrawdown(a, o.clock.Now())

	unlock, ok := o.locks.TryLock(a.id, order.Symbol)
	if !ok {
		d.Stage, d.Reason = StageSkipped, SkipSubmissionOutstanding
		o.logger.Info("symbol busy, skipped for this cycle", zap.String("account", a.id),
			zap.String("symbol", order.Symbol), zap.String("cycle_id", order.CycleID))
		observ.IncCounter("orchestrator_busy_skips_total", nil)
		return d
	}
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		unlock()
		d.Stage, d.Reason = StageSkipped, ReasonShuttingDown
		return d
	}
	release := func() {
		<-a.sem
		unlock()
	}

	// The admission holds the mode steady while the order is checked; a
	// transition waits for it, and an order that waited for a transition
	// sees the new mode here.
	adm := a.machine.Admit()
	d.Mode = adm.Mode
	if !adm.Mode.Tradable() {
		adm.Release()
		release()
		return o.discard(d, string(risk.ReasonAccountSuspended), "account mode "+string(adm.Mode))
	}
	gw := o.paper
	if adm.Mode == safety.ModeLive {
		gw = o.live
	}
	if gw == nil {
		adm.Release()
		release()
		return o.discard(d, ReasonNoLiveGateway, "")
	}

	now := o.clock.Now()
	equity, limits := a.params()
	snap := o.ledger.Snapshot(a.id, now, limits.OrderWindow)
	var mid float64
	if q, ok := book.Get(order.Symbol); ok {
		mid = q.Mid()
	}
	if held := snap.Sellable(order.Symbol); order.Side == decision.SideSell && held > 0 && order.Quantity > held {
		o.logger.Info("sell reduced to holding",
			zap.String("account", a.id),
			zap.String("symbol", order.Symbol),
			zap.Int64("requested", order.Quantity),
			zap.Int64("held", held))
		order.Quantity = held
		d.Quantity = held
	}
	verdict := risk.Evaluate(order, snap, limits, risk.MarketView{Equity: equity, Mid: mid, Now: now})
	observ.IncCounter("guardrail_verdicts_total", map[string]string{"reason": reasonLabel(verdict)})
	if !verdict.Allowed {
		adm.Release()
		release()
		d.Stage, d.Reason, d.Detail = StageRejected, string(verdict.Reason), verdict.Detail
		o.logger.Info("order rejected by guardrail",
			zap.String("account", a.id),
			zap.String("symbol", order.Symbol),
			zap.String("cycle_id", order.CycleID),
			zap.String("gate", verdict.Gate),
			zap.String("reason", string(verdict.Reason)),
			zap.String("detail", verdict.Detail))
		o.publish(notify.NewEvent(notify.KindOrderDiscarded, a.id, order.Symbol, string(verdict.Reason), verdict.Detail, now))
		return d
	}

	key := outbox.GenerateIdempotencyKey(a.id, order.CycleID, order.Symbol, string(order.Side))
	subCtx, cancel := context.WithCancel(ctx)
	a.addInflight(key, adm.Mode, gw, cancel)
	adm.Release()

	submit := func() gateway.OrderRecord {
		defer release()
		defer a.removeInflight(key)
		defer cancel()
		rec := gw.Submit(subCtx, a.id, order)
		o.settle(a, rec)
		return rec
	}

	if o.cfg.Synchronous {
		rec := submit()
		d.Stage, d.Record, d.Reason = StageCompleted, &rec, rec.Reason
		return d
	}
	o.submissions.Add(1)
	go func() {
		defer o.submissions.Done()
		submit()
	}()
	d.Stage = StageSubmitted
	return d
}

func reasonLabel(v risk.Verdict) string {
	if v.Allowed {
		return "allowed"
	}
	return string(v.Reason)
}

func (o *Orchestrator) discard(d Disposition, reason, detail string) Disposition {
	d.Stage, d.Reason, d.Detail = StageDiscarded, reason, detail
	o.logger.Info("order discarded",
		zap.String("account", d.Account),
		zap.String("symbol", d.Symbol),
		zap.String("cycle_id", d.CycleID),
		zap.String("reason", reason))
	observ.IncCounter("orchestrator_discards_total", map[string]string{"reason": reason})
	o.publish(notify.NewEvent(notify.KindOrderDiscarded, d.Account, d.Symbol, reason, detail, o.clock.Now()))
	return d
}

// settle applies a submission's disposition to the ledger. ACKED and FILLED
// change exposure; REJECTED and FAILED are recorded as non-events.
func (o *Orchestrator) settle(a *accountRuntime, rec gateway.OrderRecord) {
	now := o.clock.Now()
	ord := rec.Order
	switch rec.Status {
	case gateway.StatusAcked, gateway.StatusFilled:
		o.ledger.ApplyAck(a.id, risk.OrderEffect{
			Key:       rec.IdempotencyKey,
			Symbol:    ord.Symbol,
			Side:      ord.Side,
			Quantity:  ord.Quantity,
			PriceHint: ord.PriceHint,
			At:        now,
		})
		// fills beyond the first arrived through the feed and were booked there
		if rec.FilledQty > 0 && len(rec.FillIDs) == 1 {
			o.ledger.ApplyFill(a.id, risk.FillEffect{
				Key:      rec.IdempotencyKey,
				FillID:   rec.FillIDs[0],
				Symbol:   ord.Symbol,
				Side:     ord.Side,
				Quantity: rec.FilledQty,
				Price:    rec.FillPrice,
				At:       now,
			})
		}
		a.mu.Lock()
		a.failures = 0
		a.mu.Unlock()

	case gateway.StatusRejected, gateway.StatusFailed:
		o.ledger.ApplyNonEvent(a.id, rec.IdempotencyKey, rec.Reason, now)
		kind := notify.KindOrderRejected
		if rec.Status == gateway.StatusFailed {
			kind = notify.KindOrderFailed
		}
		o.publish(notify.NewEvent(kind, a.id, ord.Symbol, rec.Reason, rec.IdempotencyKey, now))

		if rec.Status == gateway.StatusFailed {
			a.mu.Lock()
			a.failures++
			escalate := a.failures >= o.cfg.MaxConsecutiveFailures
			if escalate {
				a.failures = 0
			}
			a.mu.Unlock()
			if escalate {
				a.machine.Suspend(ReasonGatewayFailures, "orchestrator", now)
			}
		}
	}
	o.checkDrawdown(a, now)
}

// checkDrawdown suspends the account once the ledger has latched a drawdown.
func (o *Orchestrator) checkDrawdown(a *accountRuntime, now time.Time) {
	snap := o.ledger.Snapshot(a.id, now, 0)
	if !snap.DrawdownFlag {
		return
	}
	if mode, _ := a.machine.Current(); mode == safety.ModeSuspended {
		return
	}
	tr := a.machine.Suspend(ReasonDrawdown, "ledger", now)
	if tr.Changed() {
		o.logger.Error("drawdown breach, account suspended",
			zap.String("account", a.id),
			zap.Float64("daily_pnl", snap.DailyPnL()),
			zap.Float64("max_daily_loss", snap.MaxDailyLoss))
		o.publish(notify.NewEvent(notify.KindDrawdownBreach, a.id, "", ReasonDrawdown,
			fmt.Sprintf("daily pnl %.2f, limit %.2f", snap.DailyPnL(), snap.MaxDailyLoss), now))
	}
}

// HandleFill books an execution pushed by the broker.
func (o *Orchestrator) HandleFill(ctx context.Context, f broker.Fill) {
	account := f.Account
	for _, gw := range []*gateway.Client{o.paper, o.live} {
		if gw == nil {
			continue
		}
		if rec, applied := gw.ApplyFill(ctx, f); applied {
			if account == "" {
				account = rec.Account
			}
			break
		}
	}
	a, ok := o.accounts[account]
	if !ok {
		o.logger.Warn("fill for unknown account", zap.String("account", account), zap.String("idempotency_key", f.IdempotencyKey))
		observ.IncCounter("orchestrator_orphan_fills_total", nil)
		return
	}
	at := f.At
	if at.IsZero() {
		at = o.clock.Now()
	}
	if _, applied := o.ledger.ApplyFill(a.id, risk.FillEffect{
		Key:      f.IdempotencyKey,
		FillID:   f.FillID,
		Symbol:   market.NormalizeSymbol(f.Symbol),
		Side:     f.Side,
		Quantity: f.Quantity,
		Price:    f.Price,
		At:       at,
	}); applied {
		o.logger.Info("fill booked",
			zap.String("account", a.id),
			zap.String("symbol", f.Symbol),
			zap.String("fill_id", f.FillID),
			zap.Int64("qty", f.Quantity),
			zap.Float64("price", f.Price))
	}
	o.checkDrawdown(a, at)
}

func (o *Orchestrator) rollDay(now time.Time) {
	day := o.tradingDay(now)
	for _, id := range o.order {
		o.ledger.RollDay(id, day, now)
	}
}

// refreshBook folds new quotes into the running book and returns a copy.
func (o *Orchestrator) refreshBook(quotes []market.Quote, now time.Time) market.Book {
	o.bookMu.Lock()
	defer o.bookMu.Unlock()
	if o.quotes != nil {
		o.book = o.book.Merge(o.quotes.Snapshot(now))
	}
	if len(quotes) > 0 {
		o.book = o.book.Merge(market.NewBook(quotes))
	}
	return o.book.Merge(nil)
}

func (o *Orchestrator) currentBook() market.Book {
	o.bookMu.RLock()
	defer o.bookMu.RUnlock()
	return o.book.Merge(nil)
}

func (o *Orchestrator) markToMarket(book market.Book, now time.Time) {
	for _, id := range o.order {
		for sym, q := range book {
			if px := q.Mid(); px > 0 {
				o.ledger.MarkToMarket(id, sym, px, now)
			}
		}
	}
	if err := o.ledger.Flush(); err != nil {
		o.logger.Error("ledger flush failed", zap.Error(err))
	}
}
