package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// Endpoints are paths relative to the broker base URL.
type Endpoints struct {
	Token  string `yaml:"token"`
	Order  string `yaml:"order"`
	Cancel string `yaml:"cancel"`
	Quote  string `yaml:"quote"`
}

// RESTConfig configures a RESTBroker.
type RESTConfig struct {
	Name               string
	BaseURL            string
	AppKey             string
	AppSecret          string
	AccountNo          string
	Timeout            time.Duration
	RateLimitPerSecond float64
	Burst              int
	Endpoints          Endpoints
	Headers            map[string]string
}

// RESTBroker talks to a Kiwoom-style REST order API. It does not retry; the
// gateway owns retry policy.
type RESTBroker struct {
	cfg         RESTConfig
	cano        string
	productCode string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time

	ordersMu sync.Mutex
	orders   map[string]string // idempotency key → broker order id
}

// NewRESTBroker validates cfg and builds a broker. The account number needs
// at least 10 digits: an 8-digit account and a 2-digit product code.
func NewRESTBroker(cfg RESTConfig, logger *zap.Logger) (*RESTBroker, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("broker base_url is required")
	}
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, errors.New("broker app key and secret are required")
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, cfg.AccountNo)
	if len(digits) < 10 {
		return nil, errors.New("account number must include at least 10 digits (e.g. 12345678-01)")
	}
	if cfg.Name == "" {
		cfg.Name = "kiwoom"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Endpoints.Token == "" {
		cfg.Endpoints.Token = "/oauth2/token"
	}
	if cfg.Endpoints.Order == "" {
		cfg.Endpoints.Order = "/api/dostk/ordr"
	}
	if cfg.Endpoints.Cancel == "" {
		cfg.Endpoints.Cancel = "/api/dostk/ordr/cancel"
	}
	if cfg.Endpoints.Quote == "" {
		cfg.Endpoints.Quote = "/api/dostk/mrkcond"
	}

	return &RESTBroker{
		cfg:         cfg,
		cano:        digits[:8],
		productCode: digits[8:10],
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.Burst),
		logger:      observ.OrNop(logger).Named("broker").With(zap.String("broker", cfg.Name)),
		now:         time.Now,
		orders:      map[string]string{},
	}, nil
}

func (b *RESTBroker) Name() string { return b.cfg.Name }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// authenticate returns a cached token until 60s before it expires.
func (b *RESTBroker) authenticate(ctx context.Context, force bool) (string, error) {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()

	if !force && b.token != "" && b.tokenExpiry.After(b.now().Add(60*time.Second)) {
		return b.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     b.cfg.AppKey,
		"appsecret":  b.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url(b.cfg.Endpoints.Token), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &TransientError{Op: "authenticate", Status: resp.StatusCode, Err: errors.New(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RejectError{Status: resp.StatusCode, Code: "AUTH", Message: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", &RejectError{Status: resp.StatusCode, Code: "AUTH", Message: "invalid authentication response"}
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3600
	}
	b.token = tr.AccessToken
	b.tokenExpiry = b.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	b.logger.Info("authenticated with broker REST API")
	return b.token, nil
}

func (b *RESTBroker) invalidateToken() {
	b.tokenMu.Lock()
	b.token = ""
	b.tokenMu.Unlock()
}

func (b *RESTBroker) url(path string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// envelope is the common response shape: rt_cd "0" means success.
type envelope struct {
	ReturnCode string          `json:"rt_cd"`
	MsgCode    string          `json:"msg_cd"`
	Message    string          `json:"msg1"`
	Output     json.RawMessage `json:"output"`
}

func (b *RESTBroker) do(ctx context.Context, op, method, path string, query url.Values, payload any, headers map[string]string) (*http.Response, envelope, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, envelope{}, &TransientError{Op: op, Err: err}
	}
	token, err := b.authenticate(ctx, false)
	if err != nil {
		return nil, envelope{}, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, envelope{}, fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	target := b.url(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, envelope{}, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	observ.RecordDuration("broker_request_duration_seconds", time.Since(start), map[string]string{"broker": b.cfg.Name, "op": op})
	if err != nil {
		return nil, envelope{}, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		b.invalidateToken()
		return resp, envelope{}, &TransientError{Op: op, Status: resp.StatusCode, Err: errors.New("token rejected")}
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp, envelope{}, &TransientError{Op: op, Status: resp.StatusCode, Err: errors.New("rate limit reached")}
	case resp.StatusCode >= 500:
		return resp, envelope{}, &TransientError{Op: op, Status: resp.StatusCode, Err: errors.New(string(raw))}
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
				return resp, env, &RejectError{Status: resp.StatusCode, Code: "HTTP", Message: string(raw)}
			}
			return resp, env, &TransientError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
		}
	}
	return resp, env, nil
}

type orderOutput struct {
	OrderNo   string `json:"ODNO"`
	OrderTime string `json:"ORD_TMD"`
}

// PlaceOrder submits one order. A 409 for a key the broker already holds is
// the acknowledgement of the original request; without an order number it
// is transient.
func (b *RESTBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	orderType := req.OrderType
	if orderType == "" {
		orderType = OrderTypeLimit
	}
	price := strconv.FormatFloat(req.Price, 'f', -1, 64)
	if orderType == OrderTypeMarket {
		price = "0"
	}
	payload := map[string]string{
		"CANO":         b.cano,
		"ACNT_PRDT_CD": b.productCode,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     orderType,
		"ORD_QTY":      strconv.FormatInt(req.Quantity, 10),
		"ORD_UNPR":     price,
		"ORD_DVSN_CD":  strings.ToUpper(string(req.Side)),
	}

	resp, env, err := b.do(ctx, "place_order", http.MethodPost, b.cfg.Endpoints.Order, nil, payload,
		map[string]string{"Idempotency-Key": req.IdempotencyKey})
	if err != nil {
		observ.IncCounter("broker_orders_total", map[string]string{"broker": b.cfg.Name, "result": "error"})
		return Ack{}, err
	}

	var out orderOutput
	if len(env.Output) > 0 {
		_ = json.Unmarshal(env.Output, &out)
	}

	if resp.StatusCode == http.StatusConflict && out.OrderNo != "" {
		b.remember(req.IdempotencyKey, out.OrderNo)
		observ.IncCounter("broker_orders_total", map[string]string{"broker": b.cfg.Name, "result": "duplicate"})
		return Ack{IdempotencyKey: req.IdempotencyKey, BrokerOrderID: out.OrderNo, Duplicate: true, At: b.now()}, nil
	}
	if resp.StatusCode == http.StatusConflict {
		// the key is known but not yet numbered; a retry under it resolves to the order
		observ.IncCounter("broker_orders_total", map[string]string{"broker": b.cfg.Name, "result": "duplicate_pending"})
		return Ack{}, &TransientError{Op: "place_order", Status: resp.StatusCode, Err: errors.New("duplicate key without order number")}
	}
	if resp.StatusCode >= 400 || (env.ReturnCode != "" && env.ReturnCode != "0") {
		observ.IncCounter("broker_orders_total", map[string]string{"broker": b.cfg.Name, "result": "rejected"})
		return Ack{}, &RejectError{Status: resp.StatusCode, Code: env.MsgCode, Message: env.Message}
	}
	if out.OrderNo == "" {
		return Ack{}, &TransientError{Op: "place_order", Status: resp.StatusCode, Err: errors.New("acknowledgement without order number")}
	}

	b.remember(req.IdempotencyKey, out.OrderNo)
	b.logger.Info("order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Quantity),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("broker_order_id", out.OrderNo))
	observ.IncCounter("broker_orders_total", map[string]string{"broker": b.cfg.Name, "result": "acked"})
	return Ack{IdempotencyKey: req.IdempotencyKey, BrokerOrderID: out.OrderNo, At: b.now()}, nil
}

func (b *RESTBroker) remember(key, orderNo string) {
	b.ordersMu.Lock()
	b.orders[key] = orderNo
	b.ordersMu.Unlock()
}

// CancelOrder cancels the order previously placed under key.
func (b *RESTBroker) CancelOrder(ctx context.Context, key string) error {
	b.ordersMu.Lock()
	orderNo, ok := b.orders[key]
	b.ordersMu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", key, ErrUnknownOrder)
	}

	payload := map[string]string{
		"CANO":              b.cano,
		"ACNT_PRDT_CD":      b.productCode,
		"ORGN_ODNO":         orderNo,
		"RVSE_CNCL_DVSN_CD": "02",
		"QTY_ALL_ORD_YN":    "Y",
	}
	resp, env, err := b.do(ctx, "cancel_order", http.MethodPost, b.cfg.Endpoints.Cancel, nil, payload,
		map[string]string{"Idempotency-Key": key + ":cancel"})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 || (env.ReturnCode != "" && env.ReturnCode != "0") {
		return &RejectError{Status: resp.StatusCode, Code: env.MsgCode, Message: env.Message}
	}
	return nil
}

type quoteOutput struct {
	Last string `json:"stck_prpr"`
	Bid  string `json:"bidp1"`
	Ask  string `json:"askp1"`
}

// GetQuote fetches the current price for symbol.
func (b *RESTBroker) GetQuote(ctx context.Context, symbol string) (market.Quote, error) {
	query := url.Values{
		"fid_cond_mrkt_div_code": {"J"},
		"fid_input_iscd":         {symbol},
	}
	resp, env, err := b.do(ctx, "get_quote", http.MethodGet, b.cfg.Endpoints.Quote, query, nil, nil)
	if err != nil {
		return market.Quote{}, err
	}
	if resp.StatusCode >= 400 || (env.ReturnCode != "" && env.ReturnCode != "0") {
		return market.Quote{}, &RejectError{Status: resp.StatusCode, Code: env.MsgCode, Message: env.Message}
	}
	var out quoteOutput
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return market.Quote{}, fmt.Errorf("get_quote %s: %w", symbol, err)
	}
	q := market.Quote{
		Symbol:    market.NormalizeSymbol(symbol),
		Last:      parsePrice(out.Last),
		Bid:       parsePrice(out.Bid),
		Ask:       parsePrice(out.Ask),
		Timestamp: b.now(),
		Source:    b.cfg.Name,
	}
	if err := market.ValidateQuote(q, q.Timestamp); err != nil {
		return market.Quote{}, fmt.Errorf("get_quote %s: %w: %v", symbol, ErrNoQuote, err)
	}
	return q, nil
}

// Kiwoom prefixes signed prices with +/-.
func parsePrice(s string) float64 {
	s = strings.TrimLeft(strings.TrimSpace(s), "+-")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
