package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/mlstock/internal/broker"
	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/outbox"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type recordingArchiver struct {
	mu   sync.Mutex
	recs []OrderRecord
}

func (a *recordingArchiver) Archive(_ context.Context, rec OrderRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func newSim(mode broker.FillMode) *broker.SimBroker {
	feed := market.NewSimFeed(1, map[string]float64{"AAPL": 200})
	return broker.NewSimBroker(broker.SimConfig{FillMode: mode, Seed: 1, Now: func() time.Time { return t0 }}, feed)
}

func newClient(b broker.Broker, deps Deps) (*Client, *fakeClock) {
	clock := &fakeClock{now: t0}
	deps.Broker = b
	deps.Clock = clock
	return New(Config{Mode: "PAPER", MaxAttempts: 4, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}, deps), clock
}

func buyOrder(cycle string) decision.ProposedOrder {
	return decision.ProposedOrder{Symbol: "AAPL", Side: decision.SideBuy, Quantity: 10, PriceHint: 200, CycleID: cycle}
}

func TestSubmit_TimeoutThenRetryProducesOneEffect(t *testing.T) {
	sim := newSim(broker.FillImmediate)
	sim.Script(broker.TimeoutAfterAccept())
	c, clock := newClient(sim, Deps{})

	rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))

	assert.Equal(t, StatusFilled, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, sim.Effects(), "broker saw a single order")
	assert.Equal(t, 2, sim.Calls())
	assert.Equal(t, int64(10), rec.FilledQty)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, clock.sleeps)
	assert.Equal(t, outbox.GenerateIdempotencyKey("acct-1", "c-1", "AAPL", "BUY"), rec.IdempotencyKey)
}

func TestSubmit_SameIntentIsIdempotent(t *testing.T) {
	sim := newSim(broker.FillImmediate)
	c, _ := newClient(sim, Deps{})

	first := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))
	second := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))

	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)
	assert.Equal(t, 1, sim.Calls())

	other := c.Submit(context.Background(), "acct-1", buyOrder("c-2"))
	assert.NotEqual(t, first.IdempotencyKey, other.IdempotencyKey)
	assert.Equal(t, 2, sim.Effects())
}

func TestSubmit_Dispositions(t *testing.T) {
	tests := []struct {
		name       string
		script     []broker.Outcome
		wantStatus Status
		wantReason string
		wantCalls  int
	}{
		{
			name:       "definitive reject is not retried",
			script:     []broker.Outcome{broker.Reject("INSUFFICIENT_FUNDS", "not enough cash")},
			wantStatus: StatusRejected,
			wantReason: "INSUFFICIENT_FUNDS",
			wantCalls:  1,
		},
		{
			name:       "transient failures exhaust attempts",
			script:     []broker.Outcome{broker.FailTransient(), broker.FailTransient(), broker.FailTransient(), broker.FailTransient()},
			wantStatus: StatusFailed,
			wantReason: ReasonRetriesExhausted,
			wantCalls:  4,
		},
		{
			name:       "unclassified error fails without retry",
			script:     []broker.Outcome{{Err: errors.New("malformed response")}},
			wantStatus: StatusFailed,
			wantReason: ReasonBrokerError,
			wantCalls:  1,
		},
		{
			name:       "recovers after one transient failure",
			script:     []broker.Outcome{broker.FailTransient()},
			wantStatus: StatusFilled,
			wantCalls:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newSim(broker.FillImmediate)
			sim.Script(tt.script...)
			c, _ := newClient(sim, Deps{})

			rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.True(t, strings.HasPrefix(rec.Reason, tt.wantReason), "reason %q", rec.Reason)
			assert.Equal(t, tt.wantCalls, sim.Calls())
		})
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BaseBackoff: 250 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, time.Second, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(10))
}

// blockingBroker holds PlaceOrder until the call context ends.
type blockingBroker struct {
	entered chan struct{}
}

func (b *blockingBroker) Name() string { return "blocking" }

func (b *blockingBroker) PlaceOrder(ctx context.Context, _ broker.OrderRequest) (broker.Ack, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return broker.Ack{}, &broker.TransientError{Op: "place_order", Err: ctx.Err()}
}

func (b *blockingBroker) CancelOrder(context.Context, string) error { return broker.ErrUnknownOrder }

func (b *blockingBroker) GetQuote(context.Context, string) (market.Quote, error) {
	return market.Quote{}, broker.ErrNoQuote
}

func TestCancel_BeforeAck(t *testing.T) {
	b := &blockingBroker{entered: make(chan struct{}, 1)}
	c, _ := newClient(b, Deps{})
	c.cfg.AttemptTimeout = time.Minute

	done := make(chan OrderRecord, 1)
	go func() { done <- c.Submit(context.Background(), "acct-1", buyOrder("c-1")) }()
	<-b.entered

	key := outbox.GenerateIdempotencyKey("acct-1", "c-1", "AAPL", "BUY")
	require.NoError(t, c.Cancel(context.Background(), key))

	select {
	case rec := <-done:
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, ReasonCancelledBeforeAck, rec.Reason)
		assert.Equal(t, 1, rec.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("submission was not interrupted")
	}

	err := c.Cancel(context.Background(), key)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancel_AfterAckAndUnknown(t *testing.T) {
	c, _ := newClient(newSim(broker.FillDeferred), Deps{})
	rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))
	require.Equal(t, StatusAcked, rec.Status)

	assert.ErrorIs(t, c.Cancel(context.Background(), rec.IdempotencyKey), ErrAlreadyAcknowledged)
	assert.ErrorIs(t, c.Cancel(context.Background(), "nope"), ErrUnknownOrder)
}

func TestApplyFill_DedupesByFillID(t *testing.T) {
	sim := newSim(broker.FillDeferred)
	archive := &recordingArchiver{}
	c, _ := newClient(sim, Deps{Archiver: archive})

	rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))
	require.Equal(t, StatusAcked, rec.Status)
	assert.Empty(t, archive.recs, "ACKED is not terminal")

	fills := sim.Settle()
	require.Len(t, fills, 1)

	updated, applied := c.ApplyFill(context.Background(), fills[0])
	require.True(t, applied)
	assert.Equal(t, StatusFilled, updated.Status)
	assert.Equal(t, int64(10), updated.FilledQty)

	_, applied = c.ApplyFill(context.Background(), fills[0])
	assert.False(t, applied)

	_, applied = c.ApplyFill(context.Background(), broker.Fill{IdempotencyKey: "unknown", FillID: "x", Quantity: 1, Price: 1})
	assert.False(t, applied)

	require.Len(t, archive.recs, 1)
	assert.Equal(t, StatusFilled, archive.recs[0].Status)
}

func TestApplyFill_PartialFillsAverage(t *testing.T) {
	c, _ := newClient(newSim(broker.FillDeferred), Deps{})
	rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))

	r1, ok := c.ApplyFill(context.Background(), broker.Fill{IdempotencyKey: rec.IdempotencyKey, FillID: "f1", Quantity: 4, Price: 100})
	require.True(t, ok)
	assert.Equal(t, StatusAcked, r1.Status)

	r2, ok := c.ApplyFill(context.Background(), broker.Fill{IdempotencyKey: rec.IdempotencyKey, FillID: "f2", Quantity: 6, Price: 110})
	require.True(t, ok)
	assert.Equal(t, StatusFilled, r2.Status)
	assert.InDelta(t, 106, r2.FillPrice, 1e-9)
	assert.Equal(t, []string{"f1", "f2"}, r2.FillIDs)
}

func TestRestore_FromJournal(t *testing.T) {
	journal, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"), 0)
	require.NoError(t, err)

	c, _ := newClient(newSim(broker.FillImmediate), Deps{Journal: journal})
	rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))

	sim := newSim(broker.FillImmediate)
	restarted, _ := newClient(sim, Deps{Journal: journal})
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := restarted.Get(context.Background(), rec.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFilled, got.Status)

	again := restarted.Submit(context.Background(), "acct-1", buyOrder("c-1"))
	assert.Equal(t, rec.BrokerOrderID, again.BrokerOrderID)
	assert.Equal(t, 0, sim.Calls(), "a journaled intent is not resent")
}

func TestSubmit_JournalDedupesWithoutRestore(t *testing.T) {
	journal, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"), time.Hour)
	require.NoError(t, err)

	c, _ := newClient(newSim(broker.FillImmediate), Deps{Journal: journal})
	rec := c.Submit(context.Background(), "acct-1", buyOrder("c-1"))
	require.Equal(t, StatusFilled, rec.Status)

	sim := newSim(broker.FillImmediate)
	fresh, _ := newClient(sim, Deps{Journal: journal})

	got, ok, err := fresh.Get(context.Background(), rec.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok, "a store miss falls back to the journal")
	assert.Equal(t, StatusFilled, got.Status)

	again := fresh.Submit(context.Background(), "acct-1", buyOrder("c-1"))
	assert.Equal(t, rec.BrokerOrderID, again.BrokerOrderID)
	assert.Equal(t, 0, sim.Calls())

	other := fresh.Submit(context.Background(), "acct-2", buyOrder("c-1"))
	assert.NotEqual(t, rec.IdempotencyKey, other.IdempotencyKey)
	assert.Equal(t, StatusFilled, other.Status)
	assert.Equal(t, 1, sim.Calls(), "another account is a new intent")
}
