package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

type Kind string

const (
	KindOrderFailed      Kind = "order_failed"
	KindOrderRejected    Kind = "order_rejected"
	KindOrderDiscarded   Kind = "order_discarded"
	KindModeChanged      Kind = "mode_changed"
	KindAccountSuspended Kind = "account_suspended"
	KindDrawdownBreach   Kind = "drawdown_breach"
)

// Critical kinds need an operator's attention.
func (k Kind) Critical() bool {
	return k == KindAccountSuspended || k == KindDrawdownBreach
}

// Event is a terminal or safety-relevant occurrence surfaced to operators.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Account string    `json:"account"`
	Symbol  string    `json:"symbol,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

func NewEvent(kind Kind, account, symbol, reason, detail string, at time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Account: account,
		Symbol:  symbol,
		Reason:  reason,
		Detail:  detail,
		At:      at.UTC(),
	}
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Stream fans events out to subscribers. Publishing never blocks; a full
// subscriber loses the event.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewStream(logger *zap.Logger) *Stream {
	return &Stream{subs: map[int]chan Event{}, logger: observ.OrNop(logger).Named("notify")}
}

func (s *Stream) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	observ.IncCounter("notify_events_total", map[string]string{"kind": string(e.Kind)})
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			observ.IncCounter("notify_dropped_total", map[string]string{"kind": string(e.Kind)})
			s.logger.Warn("subscriber full, event dropped", zap.String("kind", string(e.Kind)), zap.String("account", e.Account))
		}
	}
}

// Subscribe returns a buffered channel of future events and a function that
// ends the subscription.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.next
	s.next++
	if s.closed {
		close(ch)
	} else {
		s.subs[id] = ch
	}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Attach delivers events to sink on its own goroutine until ctx is done or
// the stream closes.
func (s *Stream) Attach(ctx context.Context, sink Sink, buffer int) {
	ch, cancel := s.Subscribe(buffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := sink.Deliver(ctx, e); err != nil {
					observ.IncCounter("notify_sink_errors_total", map[string]string{"sink": sink.Name()})
					s.logger.Warn("notification delivery failed", zap.String("sink", sink.Name()), zap.String("event_id", e.ID), zap.Error(err))
				}
			}
		}
	}()
}

// Close ends all subscriptions and waits for attached sinks to drain.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: observ.OrNop(logger).Named("events")}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("account", e.Account),
		zap.Time("at", e.At),
	}
	if e.Symbol != "" {
		fields = append(fields, zap.String("symbol", e.Symbol))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Kind.Critical() {
		l.logger.Error("operator event", fields...)
	} else {
		l.logger.Warn("operator event", fields...)
	}
	return nil
}
