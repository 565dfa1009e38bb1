package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/broker"
	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/outbox"
)

var (
	ErrAlreadyAcknowledged = errors.New("order already acknowledged")
	ErrAlreadyTerminal     = errors.New("order already in a terminal state")
	ErrUnknownOrder        = errors.New("unknown order")
)

// Clock supplies time and interruptible sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Archiver receives records once they reach a terminal state.
type Archiver interface {
	Archive(ctx context.Context, rec OrderRecord) error
}

// Config tunes retry behaviour.
type Config struct {
	Mode           string
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	OrderType      string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Second
	}
	if c.OrderType == "" {
		c.OrderType = broker.OrderTypeLimit
	}
	return c
}

// Backoff is the wait before attempt n+1: base × 2^(n-1), capped.
func (c Config) Backoff(n int) time.Duration {
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Deps are the collaborators of a Client. Journal and Archiver may be nil.
type Deps struct {
	Broker   broker.Broker
	Store    Store
	Journal  *outbox.Outbox
	Archiver Archiver
	Clock    Clock
	Logger   *zap.Logger
}

// Client submits orders to one broker with idempotency and bounded retries.
type Client struct {
	cfg      Config
	broker   broker.Broker
	store    Store
	journal  *outbox.Outbox
	archiver Archiver
	clock    Clock
	logger   *zap.Logger

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	cancelled map[string]bool
}

func New(cfg Config, deps Deps) *Client {
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		broker:    deps.Broker,
		store:     deps.Store,
		journal:   deps.Journal,
		archiver:  deps.Archiver,
		clock:     deps.Clock,
		logger:    observ.OrNop(deps.Logger).Named("gateway").With(zap.String("mode", cfg.Mode), zap.String("broker", deps.Broker.Name())),
		inflight:  map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
	}
}

func (c *Client) Mode() string { return c.cfg.Mode }

// Submit sends order to the broker and returns its disposition. The
// idempotency key is derived before the first attempt and reused for every
// retry; submitting the same intent again returns the stored record.
func (c *Client) Submit(ctx context.Context, account string, order decision.ProposedOrder) OrderRecord {
	key := outbox.GenerateIdempotencyKey(account, order.CycleID, order.Symbol, string(order.Side))
	now := c.clock.Now()
	rec := OrderRecord{
		IdempotencyKey: key,
		Account:        account,
		Order:          order,
		Status:         StatusPending,
		Mode:           c.cfg.Mode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	existing, created, err := c.store.Claim(ctx, rec)
	if err != nil {
		rec.Status, rec.Reason = StatusFailed, fmt.Sprintf("%s: %v", ReasonStoreError, err)
		c.logger.Error("idempotency store unavailable", zap.String("idempotency_key", key), zap.Error(err))
		c.finish(ctx, rec)
		return rec
	}
	if created {
		// the store may have been reset since the journal last saw this key
		if prior, ok := c.journaled(key, now); ok {
			if err := c.store.Put(ctx, prior); err != nil {
				c.logger.Warn("failed to restore journaled record", zap.String("idempotency_key", key), zap.Error(err))
			}
			existing, created = prior, false
		}
	}
	if !created {
		if existing.Status != StatusPending || c.isInflight(key) {
			observ.IncCounter("gateway_duplicate_submissions_total", map[string]string{"mode": c.cfg.Mode})
			return existing
		}
		// a PENDING record nobody is working on: resume under the same key
		rec = existing
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[key] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.inflight, key)
		delete(c.cancelled, key)
		c.mu.Unlock()
	}()

	rec = c.attempt(attemptCtx, rec)
	c.finish(ctx, rec)
	return rec
}

func (c *Client) attempt(ctx context.Context, rec OrderRecord) OrderRecord {
	req := broker.OrderRequest{
		IdempotencyKey: rec.IdempotencyKey,
		Account:        rec.Account,
		Symbol:         rec.Order.Symbol,
		Side:           rec.Order.Side,
		Quantity:       rec.Order.Quantity,
		Price:          rec.Order.PriceHint,
		OrderType:      c.cfg.OrderType,
	}

	for rec.Attempts < c.cfg.MaxAttempts {
		if reason, stop := c.interrupted(ctx, rec.IdempotencyKey); stop {
			rec.Status, rec.Reason = StatusFailed, reason
			return rec
		}

		rec.Attempts++
		rec.UpdatedAt = c.clock.Now()
		if err := c.store.Put(ctx, rec); err != nil {
			c.logger.Warn("failed to record attempt", zap.Error(err))
		}
		observ.IncCounter("gateway_attempts_total", map[string]string{"mode": c.cfg.Mode})

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		start := time.Now()
		ack, err := c.broker.PlaceOrder(callCtx, req)
		cancel()
		observ.RecordDuration("gateway_attempt_duration_seconds", time.Since(start), map[string]string{"mode": c.cfg.Mode})

		if err == nil {
			rec.BrokerOrderID = ack.BrokerOrderID
			rec.Status = StatusAcked
			if ack.FilledQty > 0 {
				rec = applyExecution(rec, ack.FillID, ack.FilledQty, ack.FillPrice)
			}
			rec.Reason = ""
			if ack.Duplicate {
				rec.Reason = "duplicate_ack"
			}
			return rec
		}

		if reason, stop := c.interrupted(ctx, rec.IdempotencyKey); stop {
			rec.Status, rec.Reason = StatusFailed, reason
			return rec
		}
		if rej, ok := broker.AsReject(err); ok {
			rec.Status = StatusRejected
			rec.Reason = rej.Code
			if rec.Reason == "" {
				rec.Reason = rej.Message
			}
			return rec
		}
		if !broker.IsTransient(err) {
			rec.Status, rec.Reason = StatusFailed, fmt.Sprintf("%s: %v", ReasonBrokerError, err)
			return rec
		}

		c.logger.Warn("transient broker failure",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("symbol", rec.Order.Symbol),
			zap.Int("attempt", rec.Attempts),
			zap.Error(err))
		rec.Reason = err.Error()

		if rec.Attempts >= c.cfg.MaxAttempts {
			break
		}
		if err := c.clock.Sleep(ctx, c.cfg.Backoff(rec.Attempts)); err != nil {
			reason, _ := c.interrupted(ctx, rec.IdempotencyKey)
			if reason == "" {
				reason = ReasonContextDone
			}
			rec.Status, rec.Reason = StatusFailed, reason
			return rec
		}
	}

	rec.Status = StatusFailed
	rec.Reason = fmt.Sprintf("%s after %d attempts: %s", ReasonRetriesExhausted, rec.Attempts, rec.Reason)
	return rec
}

func (c *Client) interrupted(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	cancelled := c.cancelled[key]
	c.mu.Unlock()
	if cancelled {
		return ReasonCancelledBeforeAck, true
	}
	if ctx.Err() != nil {
		return ReasonContextDone, true
	}
	return "", false
}

func (c *Client) isInflight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// finish persists a disposition. The parent context may already be done, so
// writes use a detached one.
func (c *Client) finish(_ context.Context, rec OrderRecord) {
	rec.UpdatedAt = c.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.store.Put(ctx, rec); err != nil {
		c.logger.Error("failed to store order record", zap.String("idempotency_key", rec.IdempotencyKey), zap.Error(err))
	}
	if c.journal != nil {
		if err := c.journal.WriteOrder(rec.IdempotencyKey, rec, rec.UpdatedAt); err != nil {
			c.logger.Error("failed to journal order record", zap.Error(err))
		}
	}
	if rec.Status.Terminal() && c.archiver != nil {
		if err := c.archiver.Archive(ctx, rec); err != nil {
			c.logger.Warn("failed to archive order record", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("account", rec.Account),
		zap.String("symbol", rec.Order.Symbol),
		zap.String("side", string(rec.Order.Side)),
		zap.Int64("qty", rec.Order.Quantity),
		zap.String("status", string(rec.Status)),
		zap.Int("attempts", rec.Attempts),
	}
	if rec.Reason != "" {
		fields = append(fields, zap.String("reason", rec.Reason))
	}
	switch rec.Status {
	case StatusFailed, StatusRejected:
		c.logger.Warn("order not placed", fields...)
	default:
		c.logger.Info("order disposition", fields...)
	}
	observ.IncCounter("gateway_outcomes_total", map[string]string{"mode": c.cfg.Mode, "status": string(rec.Status)})
}

// Cancel aborts a submission that has not been acknowledged yet.
func (c *Client) Cancel(ctx context.Context, key string) error {
	rec, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel %s: %w", key, ErrUnknownOrder)
	}
	switch rec.Status {
	case StatusAcked, StatusFilled:
		return fmt.Errorf("cancel %s: %w", key, ErrAlreadyAcknowledged)
	case StatusRejected, StatusFailed:
		return fmt.Errorf("cancel %s: %w", key, ErrAlreadyTerminal)
	}

	c.mu.Lock()
	cancel, running := c.inflight[key]
	if running {
		c.cancelled[key] = true
		cancel()
	}
	c.mu.Unlock()

	if !running {
		rec.Status, rec.Reason = StatusFailed, ReasonCancelledBeforeAck
		c.finish(ctx, rec)
	}
	// the broker may have accepted the in-flight attempt before it was torn down
	if err := c.broker.CancelOrder(ctx, key); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
		c.logger.Warn("broker cancel failed", zap.String("idempotency_key", key), zap.Error(err))
	}
	return nil
}

// ApplyFill folds an execution into its record. The bool is false for
// unknown keys and repeated fill ids.
func (c *Client) ApplyFill(ctx context.Context, f broker.Fill) (OrderRecord, bool) {
	rec, ok, err := c.store.Get(ctx, f.IdempotencyKey)
	if err != nil || !ok {
		return OrderRecord{}, false
	}
	fillID := f.FillID
	if fillID == "" {
		fillID = f.IdempotencyKey
	}
	if rec.hasFill(fillID) {
		return rec, false
	}
	if rec.Status == StatusFailed {
		c.logger.Warn("fill received for failed order",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("reason", rec.Reason))
	}
	if rec.BrokerOrderID == "" {
		rec.BrokerOrderID = f.BrokerOrderID
	}
	rec = applyExecution(rec, fillID, f.Quantity, f.Price)
	if c.journal != nil {
		if err := c.journal.WriteFill(rec.IdempotencyKey, f, f.At); err != nil {
			c.logger.Error("failed to journal fill", zap.Error(err))
		}
	}
	c.finish(ctx, rec)
	return rec, true
}

func applyExecution(rec OrderRecord, fillID string, qty int64, price float64) OrderRecord {
	if qty <= 0 {
		return rec
	}
	total := rec.FilledQty + qty
	rec.FillPrice = (rec.FillPrice*float64(rec.FilledQty) + price*float64(qty)) / float64(total)
	rec.FilledQty = total
	if fillID != "" {
		rec.FillIDs = append(rec.FillIDs, fillID)
	}
	if rec.FilledQty >= rec.Order.Quantity {
		rec.Status = StatusFilled
		rec.Reason = ""
	} else if rec.Status == StatusPending || rec.Status == StatusFailed {
		rec.Status = StatusAcked
	}
	return rec
}

// Get returns the record for key, falling back to the journal when the store
// no longer holds it.
func (c *Client) Get(ctx context.Context, key string) (OrderRecord, bool, error) {
	rec, ok, err := c.store.Get(ctx, key)
	if err != nil || ok {
		return rec, ok, err
	}
	rec, ok = c.journaled(key, c.clock.Now())
	return rec, ok, nil
}

// journaled returns the latest journaled record for key within the dedupe
// window. Records written by the other trading mode are ignored.
func (c *Client) journaled(key string, now time.Time) (OrderRecord, bool) {
	if c.journal == nil {
		return OrderRecord{}, false
	}
	raw, ok, err := c.journal.Lookup(key, now)
	if err != nil {
		c.logger.Warn("journal lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		return OrderRecord{}, false
	}
	if !ok {
		return OrderRecord{}, false
	}
	var rec OrderRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Mode != c.cfg.Mode {
		return OrderRecord{}, false
	}
	return rec, true
}

func (c *Client) Recent(ctx context.Context, n int) ([]OrderRecord, error) {
	return c.store.Recent(ctx, n)
}

// Restore reloads the latest journaled record of every key into the store.
func (c *Client) Restore(ctx context.Context) (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	latest := map[string]OrderRecord{}
	var order []string
	err := c.journal.Replay(func(e outbox.Entry) error {
		if e.Type != outbox.EntryOrder {
			return nil
		}
		var rec OrderRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return nil
		}
		if rec.Mode != c.cfg.Mode {
			return nil
		}
		if _, seen := latest[e.Key]; !seen {
			order = append(order, e.Key)
		}
		latest[e.Key] = rec
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("restore order records: %w", err)
	}
	for _, k := range order {
		if err := c.store.Put(ctx, latest[k]); err != nil {
			return 0, err
		}
	}
	c.logger.Info("order records restored", zap.Int("count", len(order)))
	return len(order), nil
}
