package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Rajchodisetti/mlstock/internal/broker"
	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/notify"
	"github.com/Rajchodisetti/mlstock/internal/outbox"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

const (
	acct         = "main"
	totpSecret   = "JBSWY3DPEHPK3PXP"
	breakGlass   = "break-glass-7731"
	startingCash = 100000.0
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func testLimits() risk.Limits {
	return risk.Limits{
		MaxDailyLoss:       1000,
		MaxSymbolWeight:    0.5,
		MinCooldown:        0,
		MaxOrdersPerWindow: 100,
		OrderWindow:        time.Minute,
		MaxSlippageBps:     500,
		StopLossPct:        0.01,
	}
}

type harnessOpts struct {
	async    bool
	paper    broker.Broker
	fillMode broker.FillMode
	prices   map[string]float64
	mutate   func(*Config)
	// extra accounts trade beside acct with the same limits and equity
	extra []string
}

type harness struct {
	o        *Orchestrator
	clock    *SimClock
	ledger   *risk.Ledger
	machine  *safety.Machine
	feed     *market.SimFeed
	paperSim *broker.SimBroker
	liveSim  *broker.SimBroker
	paperGW  *gateway.Client
	stream   *notify.Stream
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	clock := NewSimClock(t0)
	prices := opts.prices
	if prices == nil {
		prices = map[string]float64{"AAPL": 100, "MSFT": 300}
	}
	feed := market.NewSimFeed(1, prices)
	simCfg := broker.SimConfig{FillMode: opts.fillMode, Seed: 1, Now: clock.Now}
	h := &harness{
		clock:    clock,
		feed:     feed,
		paperSim: broker.NewSimBroker(simCfg, feed),
		liveSim:  broker.NewSimBroker(broker.SimConfig{Name: "live-sim", Seed: 2, Now: clock.Now}, feed),
		ledger:   risk.NewLedger("", nil),
		stream:   notify.NewStream(nil),
	}
	var paper broker.Broker = h.paperSim
	if opts.paper != nil {
		paper = opts.paper
	}
	gwCfg := gateway.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	gwCfg.Mode = string(safety.ModePaper)
	h.paperGW = gateway.New(gwCfg, gateway.Deps{Broker: paper, Store: gateway.NewMemoryStore(), Clock: clock})
	gwCfg.Mode = string(safety.ModeLive)
	live := gateway.New(gwCfg, gateway.Deps{Broker: h.liveSim, Store: gateway.NewMemoryStore(), Clock: clock})

	hash, err := bcrypt.GenerateFromPassword([]byte(breakGlass), bcrypt.MinCost)
	require.NoError(t, err)
	h.machine, err = safety.NewMachine(acct, safety.Config{},
		safety.NewTOTPVerifier(map[string]string{"alice": totpSecret}),
		safety.NewBcryptVerifier(map[string]string{"bob": string(hash)}),
		nil, nil)
	require.NoError(t, err)

	machines := map[string]*safety.Machine{acct: h.machine}
	accounts := []Account{{ID: acct, Equity: startingCash, Limits: testLimits()}}
	for _, id := range opts.extra {
		machines[id], err = safety.NewMachine(id, safety.Config{}, nil, nil, nil, nil)
		require.NoError(t, err)
		accounts = append(accounts, Account{ID: id, Equity: startingCash, Limits: testLimits()})
	}

	cfg := Config{
		Accounts:               accounts,
		BuyThreshold:           0.5,
		MaxConsecutiveFailures: 3,
		Synchronous:            !opts.async,
	}
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}
	h.o, err = New(cfg, Deps{
		Ledger:   h.ledger,
		Machines: machines,
		Paper:    h.paperGW,
		Live:     live,
		Stream:   h.stream,
		Clock:    clock,
	})
	require.NoError(t, err)
	return h
}

// seedPosition books qty shares bought at px earlier in the day.
func (h *harness) seedPosition(symbol string, qty int64, px float64) {
	h.ledger.ApplyFill(acct, risk.FillEffect{
		Key: "seed-" + symbol, FillID: "seed-" + symbol, Symbol: symbol,
		Side: decision.SideBuy, Quantity: qty, Price: px, At: t0.Add(-time.Hour),
	})
}

func (h *harness) snapshot() risk.RiskState {
	return h.ledger.Snapshot(acct, h.clock.Now(), time.Minute)
}

func (h *harness) mode() safety.Mode {
	m, _ := h.machine.Current()
	return m
}

func quote(sym string, px float64, at time.Time) market.Quote {
	return market.Quote{Symbol: sym, Bid: px - 0.01, Ask: px + 0.01, Last: px, Timestamp: at, Source: "test"}
}

func sellBatch(at time.Time, sym string, px, weight float64) transport.Batch {
	return transport.Batch{
		Actions: []decision.PolicyAction{{Symbol: sym, Action: decision.ActionSell, TargetWeight: weight, GeneratedAt: at}},
		Quotes:  []market.Quote{quote(sym, px, at)},
	}
}

func buyBatch(at time.Time, sym string, px, weight float64) transport.Batch {
	return transport.Batch{
		Rankings: []decision.RankingSignal{{Symbol: sym, Score: 0.9, GeneratedAt: at, ModelVersion: "m1"}},
		Actions:  []decision.PolicyAction{{Symbol: sym, Action: decision.ActionBuy, TargetWeight: weight, GeneratedAt: at}},
		Quotes:   []market.Quote{quote(sym, px, at)},
	}
}

func findDisposition(t *testing.T, r CycleReport, sym string) Disposition {
	t.Helper()
	for _, d := range r.Dispositions {
		if d.Symbol == sym {
			return d
		}
	}
	require.Failf(t, "no disposition", "symbol %s in cycle %s", sym, r.CycleID)
	return Disposition{}
}

func drain(ch <-chan notify.Event) []notify.Kind {
	var kinds []notify.Kind
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			return kinds
		}
	}
}

func TestRunCycle_PaperFillUpdatesLedger(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	r := h.o.RunCycle(ctx, buyBatch(t0, "AAPL", 100, 0.05), "c-1")

	d := findDisposition(t, r, "AAPL")
	assert.Equal(t, StageCompleted, d.Stage)
	require.NotNil(t, d.Record)
	assert.Equal(t, gateway.StatusFilled, d.Record.Status)
	assert.Equal(t, safety.ModePaper, d.Mode)
	assert.Equal(t, int64(50), d.Quantity)
	assert.Equal(t, outbox.GenerateIdempotencyKey(acct, "c-1", "AAPL", "BUY"), d.Record.IdempotencyKey)

	snap := h.snapshot()
	assert.Equal(t, int64(50), snap.Position("AAPL"))
	assert.InDelta(t, 5000, snap.Exposure("AAPL"), 0.01)
	assert.Equal(t, 1, snap.OrderCountWindow)
	assert.Equal(t, 1, h.paperSim.Effects())
	assert.Equal(t, 0, h.liveSim.Effects())
}

func TestRunCycle_AccountsGetSeparateOrders(t *testing.T) {
	h := newHarness(t, harnessOpts{extra: []string{"alt"}})
	ctx := context.Background()

	r := h.o.RunCycle(ctx, buyBatch(t0, "AAPL", 100, 0.05), "c-1")
	require.Len(t, r.Dispositions, 2)

	keys := map[string]string{}
	for _, d := range r.Dispositions {
		require.NotNil(t, d.Record, d.Account)
		assert.Equal(t, gateway.StatusFilled, d.Record.Status)
		assert.Equal(t, d.Account, d.Record.Account)
		keys[d.Account] = d.Record.IdempotencyKey
	}
	assert.NotEqual(t, keys[acct], keys["alt"])
	assert.Equal(t, 2, h.paperSim.Effects(), "one broker order per account")

	for _, id := range []string{acct, "alt"} {
		assert.Equal(t, int64(50), h.ledger.Snapshot(id, t0, time.Minute).Position("AAPL"), id)
	}
}

func TestRunCycle_SellCappedAtHolding(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seedPosition("AAPL", 10, 100)
	ctx := context.Background()

	// 0.1 of equity is 100 shares, only 10 are held
	r := h.o.RunCycle(ctx, sellBatch(t0, "AAPL", 100, 0.1), "c-1")

	d := findDisposition(t, r, "AAPL")
	require.NotNil(t, d.Record)
	assert.Equal(t, gateway.StatusFilled, d.Record.Status)
	assert.Equal(t, int64(10), d.Quantity)
	assert.Equal(t, int64(10), d.Record.Order.Quantity)
	assert.Equal(t, int64(0), h.snapshot().Position("AAPL"))
}

func TestRunCycle_SellWithoutHoldingRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	r := h.o.RunCycle(ctx, sellBatch(t0, "MSFT", 300, 0.05), "c-1")

	d := findDisposition(t, r, "MSFT")
	assert.Equal(t, StageRejected, d.Stage)
	assert.Equal(t, string(risk.ReasonPositionLimit), d.Reason)
	assert.Equal(t, 0, h.paperSim.Calls())
}

func TestRunCycle_SkipsAndGuardrailRejections(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	batch := transport.Batch{
		Rankings: []decision.RankingSignal{
			{Symbol: "AAPL", Score: 0.2, GeneratedAt: t0, ModelVersion: "m1"},
			{Symbol: "NVDA", Score: 0.9, GeneratedAt: t0, ModelVersion: "m1"},
		},
		Actions: []decision.PolicyAction{
			{Symbol: "AAPL", Action: decision.ActionBuy, TargetWeight: 0.05, GeneratedAt: t0},
			{Symbol: "MSFT", Action: decision.ActionHold, GeneratedAt: t0},
			{Symbol: "NVDA", Action: decision.ActionBuy, TargetWeight: 0.9, GeneratedAt: t0},
		},
		Quotes: []market.Quote{quote("AAPL", 100, t0), quote("MSFT", 300, t0), quote("NVDA", 100, t0)},
	}
	r := h.o.RunCycle(ctx, batch, "c-1")
	require.Len(t, r.Dispositions, 3)

	tests := []struct {
		symbol string
		stage  Stage
		reason string
	}{
		{"AAPL", StageSkipped, decision.SkipBelowThreshold},
		{"MSFT", StageSkipped, decision.SkipHold},
		{"NVDA", StageRejected, string(risk.ReasonPositionLimit)},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			d := findDisposition(t, r, tt.symbol)
			assert.Equal(t, tt.stage, d.Stage)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
	assert.Equal(t, 0, h.paperSim.Calls())
}

func TestRunCycle_SuspendedAccountDiscardsOrders(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seedPosition("AAPL", 100, 100)
	ctx := context.Background()
	events, cancel := h.stream.Subscribe(16)
	defer cancel()

	res := h.o.Handle(ctx, KillSwitch{Account: acct, Operator: "ops"})
	require.NoError(t, res.Err)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, safety.ModeSuspended, res.Transitions[0].To)
	before := h.snapshot()

	r := h.o.RunCycle(ctx, sellBatch(t0, "AAPL", 100, 0.1), "c-1")

	d := findDisposition(t, r, "AAPL")
	assert.Equal(t, StageDiscarded, d.Stage)
	assert.Equal(t, string(risk.ReasonAccountSuspended), d.Reason)
	assert.Equal(t, safety.ModeSuspended, d.Mode)
	assert.Equal(t, 0, h.paperSim.Calls(), "nothing reaches a broker")
	assert.Equal(t, 0, h.liveSim.Calls())

	after := h.snapshot()
	assert.Equal(t, before.PositionBySymbol, after.PositionBySymbol)
	assert.Equal(t, before.OpenExposureBySymbol, after.OpenExposureBySymbol)
	assert.Equal(t, before.OrderCountWindow, after.OrderCountWindow)

	kinds := drain(events)
	assert.Contains(t, kinds, notify.KindAccountSuspended)
	assert.Contains(t, kinds, notify.KindOrderDiscarded)
}

func TestRunCycle_DrawdownSuspendsMidCycle(t *testing.T) {
	// the venue trades AAPL far below the signal quote, so the sell books
	// a loss beyond the daily limit
	h := newHarness(t, harnessOpts{prices: map[string]float64{"AAPL": 80, "MSFT": 300}})
	h.seedPosition("AAPL", 100, 100)
	ctx := context.Background()
	events, cancel := h.stream.Subscribe(16)
	defer cancel()

	batch := sellBatch(t0, "AAPL", 100, 0.1)
	msft := buyBatch(t0, "MSFT", 300, 0.05)
	batch.Rankings = append(batch.Rankings, msft.Rankings...)
	batch.Actions = append(batch.Actions, msft.Actions...)
	batch.Quotes = append(batch.Quotes, msft.Quotes...)

	r := h.o.RunCycle(ctx, batch, "c-1")

	sell := findDisposition(t, r, "AAPL")
	require.NotNil(t, sell.Record)
	assert.Equal(t, gateway.StatusFilled, sell.Record.Status)
	assert.InDelta(t, 80, sell.Record.FillPrice, 0.001)

	buy := findDisposition(t, r, "MSFT")
	assert.Equal(t, StageDiscarded, buy.Stage)
	assert.Equal(t, string(risk.ReasonAccountSuspended), buy.Reason)
	assert.Equal(t, 1, h.paperSim.Effects(), "the buy never reached the broker")

	snap := h.snapshot()
	assert.True(t, snap.DrawdownFlag)
	assert.InDelta(t, -2000, snap.DailyRealizedPnL, 0.01)
	assert.Equal(t, safety.ModeSuspended, h.mode())
	assert.Equal(t, ReasonDrawdown, h.machine.Status().SuspendReason)

	kinds := drain(events)
	assert.Contains(t, kinds, notify.KindDrawdownBreach)
	assert.Contains(t, kinds, notify.KindAccountSuspended)

	// the breach outlives the kill switch: clearing is refused while the
	// loss stands
	res := h.o.Handle(ctx, ClearSuspension{Account: acct, Operator: "bob", Credential: breakGlass})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, risk.ErrLossLimitBreached))
	assert.Equal(t, safety.ModeSuspended, h.mode())
}

type blockingBroker struct {
	started chan string
	release chan struct{}

	mu      sync.Mutex
	calls   int
	cancels []string
}

func newBlockingBroker() *blockingBroker {
	return &blockingBroker{started: make(chan string, 8), release: make(chan struct{})}
}

func (b *blockingBroker) Name() string { return "blocking" }

func (b *blockingBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Ack, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.started <- req.IdempotencyKey
	select {
	case <-b.release:
		return broker.Ack{IdempotencyKey: req.IdempotencyKey, BrokerOrderID: "B-" + req.Symbol, At: t0}, nil
	case <-ctx.Done():
		return broker.Ack{}, &broker.TransientError{Op: "place_order", Err: ctx.Err()}
	}
}

func (b *blockingBroker) CancelOrder(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, key)
	return nil
}

func (b *blockingBroker) Cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancels...)
}

func (b *blockingBroker) GetQuote(context.Context, string) (market.Quote, error) {
	return market.Quote{}, broker.ErrNoQuote
}

func (b *blockingBroker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestRunCycle_OutstandingSubmissionBlocksSymbol(t *testing.T) {
	bb := newBlockingBroker()
	h := newHarness(t, harnessOpts{async: true, paper: bb})
	ctx := context.Background()

	first := h.o.RunCycle(ctx, buyBatch(t0, "AAPL", 100, 0.05), "c-1")
	assert.Equal(t, StageSubmitted, findDisposition(t, first, "AAPL").Stage)
	<-bb.started

	second := h.o.RunCycle(ctx, buyBatch(t0, "AAPL", 100, 0.05), "c-2")
	d := findDisposition(t, second, "AAPL")
	assert.Equal(t, StageSkipped, d.Stage)
	assert.Equal(t, SkipSubmissionOutstanding, d.Reason)

	close(bb.release)
	h.o.Wait()

	assert.Equal(t, 1, bb.Calls())
	rec, ok, err := h.paperGW.Get(ctx, outbox.GenerateIdempotencyKey(acct, "c-1", "AAPL", "BUY"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, gateway.StatusAcked, rec.Status)
	assert.InDelta(t, 5000, h.snapshot().Exposure("AAPL"), 0.01, "one reservation, not two")
}

func TestKillSwitch_CancelsUnacknowledgedSubmissions(t *testing.T) {
	bb := newBlockingBroker()
	h := newHarness(t, harnessOpts{async: true, paper: bb})
	ctx := context.Background()

	h.o.RunCycle(ctx, buyBatch(t0, "AAPL", 100, 0.05), "c-1")
	<-bb.started

	res := h.o.Handle(ctx, KillSwitch{Operator: "ops", Reason: "manual"})
	require.NoError(t, res.Err)
	h.o.Wait()

	key := outbox.GenerateIdempotencyKey(acct, "c-1", "AAPL", "BUY")
	rec, ok, err := h.paperGW.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, gateway.StatusFailed, rec.Status)
	assert.Equal(t, gateway.ReasonCancelledBeforeAck, rec.Reason)
	assert.Equal(t, []string{key}, bb.Cancels(), "the broker is told to cancel")

	snap := h.snapshot()
	assert.Zero(t, snap.Exposure("AAPL"))
	assert.Zero(t, snap.Position("AAPL"))
	assert.Equal(t, safety.ModeSuspended, h.mode())
}

func TestRunCycle_ConsecutiveFailuresSuspend(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seedPosition("AAPL", 100, 100)
	h.paperSim.Script(broker.FailTransient(), broker.FailTransient(), broker.FailTransient(),
		broker.FailTransient(), broker.FailTransient(), broker.FailTransient())
	ctx := context.Background()

	for i, cycle := range []string{"c-1", "c-2", "c-3"} {
		r := h.o.RunCycle(ctx, sellBatch(t0, "AAPL", 100, 0.01), cycle)
		d := findDisposition(t, r, "AAPL")
		require.NotNil(t, d.Record, "cycle %d", i)
		assert.Equal(t, gateway.StatusFailed, d.Record.Status)
	}

	assert.Equal(t, safety.ModeSuspended, h.mode())
	assert.Equal(t, ReasonGatewayFailures, h.machine.Status().SuspendReason)
	assert.Equal(t, int64(100), h.snapshot().Position("AAPL"))
}

func TestHandleFill_BooksDeferredExecutionOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{fillMode: broker.FillDeferred})
	ctx := context.Background()

	r := h.o.RunCycle(ctx, buyBatch(t0, "AAPL", 100, 0.05), "c-1")
	d := findDisposition(t, r, "AAPL")
	require.NotNil(t, d.Record)
	assert.Equal(t, gateway.StatusAcked, d.Record.Status)
	assert.Zero(t, h.snapshot().Position("AAPL"))
	assert.InDelta(t, 5000, h.snapshot().Exposure("AAPL"), 0.01)

	fills := h.paperSim.Settle()
	require.Len(t, fills, 1)
	h.o.HandleFill(ctx, fills[0])
	h.o.HandleFill(ctx, fills[0])

	snap := h.snapshot()
	assert.Equal(t, int64(50), snap.Position("AAPL"))
	assert.InDelta(t, 5000, snap.Exposure("AAPL"), 0.01)

	rec, ok, err := h.paperGW.Get(ctx, d.Record.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, gateway.StatusFilled, rec.Status)
	assert.Equal(t, []string{fills[0].FillID}, rec.FillIDs)
}

func TestRunCycle_RollsTradingDay(t *testing.T) {
	h := newHarness(t, harnessOpts{prices: map[string]float64{"AAPL": 95}})
	h.seedPosition("AAPL", 100, 100)
	ctx := context.Background()

	h.o.RunCycle(ctx, sellBatch(t0, "AAPL", 100, 0.05), "c-1")
	snap := h.snapshot()
	assert.Equal(t, "2026-03-02", snap.TradingDay)
	assert.InDelta(t, -250, snap.DailyRealizedPnL, 0.01)
	assert.False(t, snap.DrawdownFlag)

	h.clock.Advance(24 * time.Hour)
	h.o.RunCycle(ctx, transport.Batch{}, "c-2")

	snap = h.snapshot()
	assert.Equal(t, "2026-03-03", snap.TradingDay)
	assert.Zero(t, snap.DailyRealizedPnL)
	assert.Equal(t, int64(50), snap.Position("AAPL"))
}

func TestNew_Validation(t *testing.T) {
	ledger := risk.NewLedger("", nil)
	feed := market.NewSimFeed(1, nil)
	gw := gateway.New(gateway.Config{Mode: "PAPER"}, gateway.Deps{Broker: broker.NewSimBroker(broker.SimConfig{}, feed)})
	m, err := safety.NewMachine(acct, safety.Config{}, nil, nil, nil, nil)
	require.NoError(t, err)
	machines := map[string]*safety.Machine{acct: m}
	good := []Account{{ID: acct, Equity: startingCash, Limits: testLimits()}}

	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no ledger", Config{Accounts: good}, Deps{Paper: gw, Machines: machines}},
		{"no paper gateway", Config{Accounts: good}, Deps{Ledger: ledger, Machines: machines}},
		{"no accounts", Config{}, Deps{Ledger: ledger, Paper: gw, Machines: machines}},
		{"no machine", Config{Accounts: good}, Deps{Ledger: ledger, Paper: gw}},
		{"duplicate account", Config{Accounts: append(good, good[0])}, Deps{Ledger: ledger, Paper: gw, Machines: machines}},
		{"bad limits", Config{Accounts: []Account{{ID: acct, Equity: startingCash}}}, Deps{Ledger: ledger, Paper: gw, Machines: machines}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			assert.Error(t, err)
		})
	}
}

func liveCode(t *testing.T, at time.Time) string {
	c, err := totp.GenerateCode(totpSecret, at)
	require.NoError(t, err)
	return c
}
