package stubs

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

// page is the cursor page the signal services return.
type page[T any] struct {
	Events []T    `json:"events"`
	Cursor string `json:"cursor"`
}

// SignalServer stands in for the ranking, policy and quote services during
// local runs. Each cursor step serves the next recorded batch. The cursor is
// the index of the next batch.
type SignalServer struct {
	batches []transport.Batch
	restamp bool
	now     func() time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	served int // highest batch index handed out, plus one
}

// NewSignalServer serves batches in order. With restamp set every signal and
// quote is stamped with the serving time so staleness checks pass.
func NewSignalServer(batches []transport.Batch, restamp bool, logger *zap.Logger) *SignalServer {
	return &SignalServer{
		batches: batches,
		restamp: restamp,
		now:     time.Now,
		logger:  observ.OrNop(logger).Named("stub"),
	}
}

func (s *SignalServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/rankings", s.rankings)
	mux.HandleFunc("/v1/actions", s.actions)
	mux.HandleFunc("/v1/quotes", s.quotes)
	return mux
}

// batchAt resolves the cursor query parameter.
func (s *SignalServer) batchAt(r *http.Request) (transport.Batch, string, bool) {
	idx := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return transport.Batch{}, "", false
		}
		idx = n
	}
	if idx >= len(s.batches) {
		return transport.Batch{}, strconv.Itoa(idx), true
	}
	s.mu.Lock()
	if idx+1 > s.served {
		s.served = idx + 1
	}
	s.mu.Unlock()
	return s.batches[idx], strconv.Itoa(idx + 1), true
}

func (s *SignalServer) rankings(w http.ResponseWriter, r *http.Request) {
	b, next, ok := s.batchAt(r)
	if !ok {
		http.Error(w, "bad cursor", http.StatusBadRequest)
		return
	}
	events := append([]decision.RankingSignal(nil), b.Rankings...)
	if s.restamp {
		now := s.now().UTC()
		for i := range events {
			events[i].GeneratedAt = now
		}
	}
	s.write(w, page[decision.RankingSignal]{Events: events, Cursor: next})
}

func (s *SignalServer) actions(w http.ResponseWriter, r *http.Request) {
	b, next, ok := s.batchAt(r)
	if !ok {
		http.Error(w, "bad cursor", http.StatusBadRequest)
		return
	}
	events := append([]decision.PolicyAction(nil), b.Actions...)
	if s.restamp {
		now := s.now().UTC()
		for i := range events {
			events[i].GeneratedAt = now
		}
	}
	s.write(w, page[decision.PolicyAction]{Events: events, Cursor: next})
}

// quotes returns the quotes of the latest batch served.
func (s *SignalServer) quotes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := s.served - 1
	s.mu.Unlock()
	var qs []market.Quote
	if idx >= 0 && idx < len(s.batches) {
		qs = append(qs, s.batches[idx].Quotes...)
	}
	if s.restamp {
		now := s.now().UTC()
		for i := range qs {
			qs[i].Timestamp = now
		}
	}
	s.write(w, struct {
		Quotes []market.Quote `json:"quotes"`
	}{qs})
}

func (s *SignalServer) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
