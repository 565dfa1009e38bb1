package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/observ"
)

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// pollResponse is the cursor page returned by the signal services.
type pollResponse[T any] struct {
	Events []T    `json:"events"`
	Cursor string `json:"cursor"`
}

// HTTPSource polls the ranking and policy services with cursor-based
// pagination. Cursors advance only after a whole batch was fetched, so a
// failed poll is retried from the same position.
type HTTPSource struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	rankingCursor string
	policyCursor  string
	state         int32
	polls         int64
}

func NewHTTPSource(cfg Config, logger *zap.Logger) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.RankingPath == "" {
		cfg.RankingPath = "/v1/rankings"
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = "/v1/actions"
	}
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: observ.OrNop(logger).Named("signals"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *HTTPSource) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&s.state))
}

// Cursors returns the last committed ranking and policy cursors.
func (s *HTTPSource) Cursors() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankingCursor, s.policyCursor
}

// Next fetches everything published since the last committed cursors. An
// empty batch means nothing new.
func (s *HTTPSource) Next(ctx context.Context) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.polls, 1)

	var (
		batch    Batch
		lastErr  error
		backoff  = s.cfg.BackoffBase
		attempts = s.cfg.MaxRetries + 1
	)
	for i := 0; i < attempts; i++ {
		atomic.StoreInt32(&s.state, int32(StateConnecting))
		batch, lastErr = s.pollOnce(ctx)
		if lastErr == nil {
			atomic.StoreInt32(&s.state, int32(StateConnected))
			observ.IncCounter("signal_polls_total", map[string]string{"result": "ok"})
			return batch, nil
		}
		atomic.StoreInt32(&s.state, int32(StateDisconnected))
		observ.IncCounter("signal_polls_total", map[string]string{"result": "error"})
		if !retryable(lastErr) || ctx.Err() != nil || i == attempts-1 {
			break
		}
		s.logger.Warn("signal poll failed, retrying", zap.Error(lastErr), zap.Duration("backoff", backoff))
		if err := s.sleep(ctx, backoff); err != nil {
			return Batch{}, err
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
	return Batch{}, fmt.Errorf("poll signals: %w", lastErr)
}

func (s *HTTPSource) pollOnce(ctx context.Context) (Batch, error) {
	var rankings pollResponse[decision.RankingSignal]
	if err := s.get(ctx, s.cfg.RankingPath, s.rankingCursor, &rankings); err != nil {
		return Batch{}, fmt.Errorf("rankings: %w", err)
	}
	var actions pollResponse[decision.PolicyAction]
	if err := s.get(ctx, s.cfg.PolicyPath, s.policyCursor, &actions); err != nil {
		return Batch{}, fmt.Errorf("actions: %w", err)
	}
	var quotes struct {
		Quotes []market.Quote `json:"quotes"`
	}
	if s.cfg.QuotesPath != "" && (len(rankings.Events) > 0 || len(actions.Events) > 0) {
		if err := s.get(ctx, s.cfg.QuotesPath, "", &quotes); err != nil {
			return Batch{}, fmt.Errorf("quotes: %w", err)
		}
	}

	if rankings.Cursor != "" {
		s.rankingCursor = rankings.Cursor
	}
	if actions.Cursor != "" {
		s.policyCursor = actions.Cursor
	}
	return Batch{
		Rankings: rankings.Events,
		Actions:  actions.Events,
		Quotes:   quotes.Quotes,
		At:       time.Now().UTC(),
	}, nil
}

func (s *HTTPSource) get(ctx context.Context, path, cursor string, out any) error {
	u, err := url.Parse(s.cfg.BaseURL + path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &statusError{status: resp.StatusCode, body: snippet}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
