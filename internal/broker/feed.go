package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// FeedConfig configures a FeedClient.
type FeedConfig struct {
	URL            string
	Headers        http.Header
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Buffer         int
}

// FeedMessage is one websocket frame from the execution feed.
type FeedMessage struct {
	Type string `json:"type"` // "fill" or "heartbeat"
	Fill *Fill  `json:"fill,omitempty"`
}

// FeedClient subscribes to a websocket execution feed and reconnects with
// capped exponential backoff.
type FeedClient struct {
	cfg       FeedConfig
	out       chan Fill
	logger    *zap.Logger
	connected int32
}

func NewFeedClient(cfg FeedConfig, logger *zap.Logger) *FeedClient {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &FeedClient{
		cfg:    cfg,
		out:    make(chan Fill, cfg.Buffer),
		logger: observ.OrNop(logger).Named("feed"),
	}
}

func (c *FeedClient) Fills() <-chan Fill { return c.out }

func (c *FeedClient) Connected() bool { return atomic.LoadInt32(&c.connected) == 1 }

// Run consumes the feed until ctx is done.
func (c *FeedClient) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	for {
		delivered, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			backoff = c.cfg.InitialBackoff
		}
		c.logger.Warn("execution feed disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		observ.IncCounter("feed_reconnects_total", nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *FeedClient) session(ctx context.Context) (int, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	atomic.StoreInt32(&c.connected, 1)
	defer atomic.StoreInt32(&c.connected, 0)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	delivered := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		var msg FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observ.IncCounter("feed_parse_errors_total", nil)
			continue
		}
		if msg.Type != "fill" || msg.Fill == nil {
			continue
		}
		select {
		case c.out <- *msg.Fill:
			delivered++
			observ.IncCounter("feed_fills_total", nil)
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}
