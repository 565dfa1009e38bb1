package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackConfig struct {
	WebhookURL      string
	Channel         string
	DedupeWindow    time.Duration
	RateLimitPerMin int
	MaxAttempts     int
	RetryBackoff    time.Duration
}

// SlackSink posts events to an incoming webhook. Identical events inside
// the dedupe window are sent once; critical events bypass the rate limit.
type SlackSink struct {
	cfg        SlackConfig
	httpClient *http.Client

	mu     sync.Mutex
	sent   map[string]time.Time
	recent []time.Time
	now    func() time.Time
}

func NewSlackSink(cfg SlackConfig) *SlackSink {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &SlackSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sent:       map[string]time.Time{},
		now:        time.Now,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Deliver(ctx context.Context, e Event) error {
	if !s.admit(e) {
		return nil
	}
	payload, err := json.Marshal(s.format(e))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	var lastErr error
	backoff := s.cfg.RetryBackoff
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if lastErr = s.post(ctx, payload); lastErr == nil {
			return nil
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (s *SlackSink) admit(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	hash := dedupeHash(e)
	if last, ok := s.sent[hash]; ok && now.Sub(last) < s.cfg.DedupeWindow {
		return false
	}
	for h, at := range s.sent {
		if now.Sub(at) >= s.cfg.DedupeWindow {
			delete(s.sent, h)
		}
	}

	cutoff := now.Add(-time.Minute)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = kept
	if len(s.recent) >= s.cfg.RateLimitPerMin && !e.Kind.Critical() {
		return false
	}

	s.sent[hash] = now
	s.recent = append(s.recent, now)
	return true
}

func dedupeHash(e Event) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", e.Kind, e.Account, e.Symbol, e.Reason)))
	return fmt.Sprintf("%x", sum[:8])
}

func (s *SlackSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook: status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSink) format(e Event) SlackMessage {
	color := "warning"
	if e.Kind.Critical() || e.Kind == KindOrderFailed {
		color = "danger"
	}
	if e.Kind == KindModeChanged {
		color = "good"
	}

	text := fmt.Sprintf("%s: account %s", e.Kind, e.Account)
	if e.Symbol != "" {
		text += " " + e.Symbol
	}

	fields := []SlackField{
		{Title: "Account", Value: e.Account, Short: true},
		{Title: "Time", Value: e.At.Format("15:04:05 MST"), Short: true},
	}
	if e.Reason != "" {
		fields = append(fields, SlackField{Title: "Reason", Value: e.Reason, Short: true})
	}
	if e.Detail != "" {
		detail := e.Detail
		if len(detail) > 500 {
			detail = detail[:497] + "..."
		}
		fields = append(fields, SlackField{Title: "Detail", Value: detail})
	}

	return SlackMessage{
		Channel:     s.cfg.Channel,
		Text:        text,
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}
