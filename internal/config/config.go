package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
)

var validate = validator.New()

type Account struct {
	ID     string  `yaml:"id" validate:"required"`
	Equity float64 `yaml:"equity" validate:"gt=0"`
}

type Decision struct {
	BuyThreshold   float64          `yaml:"buy_threshold" validate:"gte=0,lte=1"`
	MaxQuoteAgeMs  int              `yaml:"max_quote_age_ms" validate:"gt=0"`
	DefaultLotSize int64            `yaml:"default_lot_size" validate:"gte=1"`
	LotSizes       map[string]int64 `yaml:"lot_sizes"`
}

// Risk is the YAML form of risk.Limits.
type Risk struct {
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	MaxSymbolWeight    float64 `yaml:"max_symbol_weight"`
	MinCooldownSecs    int     `yaml:"min_cooldown_seconds"`
	MaxOrdersPerWindow int     `yaml:"max_orders_per_window"`
	OrderWindowSecs    int     `yaml:"order_window_seconds"`
	MaxSlippageBps     float64 `yaml:"max_slippage_bps"`
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	MaxOpenPositions   int     `yaml:"max_open_positions"`
	IntradayDrawdown   float64 `yaml:"intraday_drawdown_pct"`
}

func (r Risk) Limits() risk.Limits {
	return risk.Limits{
		MaxDailyLoss:        r.MaxDailyLoss,
		MaxSymbolWeight:     r.MaxSymbolWeight,
		MinCooldown:         time.Duration(r.MinCooldownSecs) * time.Second,
		MaxOrdersPerWindow:  r.MaxOrdersPerWindow,
		OrderWindow:         time.Duration(r.OrderWindowSecs) * time.Second,
		MaxSlippageBps:      r.MaxSlippageBps,
		StopLossPct:         r.StopLossPct,
		MaxOpenPositions:    r.MaxOpenPositions,
		IntradayDrawdownPct: r.IntradayDrawdown,
	}
}

type Safety struct {
	MaxLiveAttempts  int    `yaml:"max_live_attempts" validate:"gte=1"`
	LiveCooldownSecs int    `yaml:"live_cooldown_seconds" validate:"gte=0"`
	LockoutSecs      int    `yaml:"lockout_seconds" validate:"gte=0"`
	EventLogPath     string `yaml:"event_log_path" validate:"required"`
}

func (s Safety) Machine() safety.Config {
	return safety.Config{
		MaxLiveAttempts: s.MaxLiveAttempts,
		LiveCooldown:    time.Duration(s.LiveCooldownSecs) * time.Second,
		Lockout:         time.Duration(s.LockoutSecs) * time.Second,
	}
}

type Gateway struct {
	MaxAttempts      int    `yaml:"max_attempts" validate:"gte=1"`
	BackoffBaseMs    int    `yaml:"backoff_base_ms" validate:"gt=0"`
	BackoffMaxMs     int    `yaml:"backoff_max_ms" validate:"gtefield=BackoffBaseMs"`
	AttemptTimeoutMs int    `yaml:"attempt_timeout_ms" validate:"gt=0"`
	OrderType        string `yaml:"order_type" validate:"oneof=00 01"`
	OutboxPath       string `yaml:"outbox_path" validate:"required"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds" validate:"gte=0"`
}

type Endpoints struct {
	Token  string `yaml:"token"`
	Order  string `yaml:"order"`
	Cancel string `yaml:"cancel"`
	Quote  string `yaml:"quote"`
}

// Broker selects the venue for each mode. PAPER may run against the sim
// broker or the broker's paper environment; LIVE always uses REST.
type Broker struct {
	PaperKind          string            `yaml:"paper_kind" validate:"oneof=sim rest"`
	PaperBaseURL       string            `yaml:"paper_base_url"`
	LiveBaseURL        string            `yaml:"live_base_url"`
	FeedURL            string            `yaml:"feed_url"`
	TimeoutMs          int               `yaml:"timeout_ms" validate:"gt=0"`
	RateLimitPerSecond float64           `yaml:"rate_limit_per_second" validate:"gt=0"`
	Burst              int               `yaml:"burst" validate:"gte=1"`
	Endpoints          Endpoints         `yaml:"endpoints"`
	Headers            map[string]string `yaml:"headers"`

	// Symbols polled through the broker's quote endpoint when PAPER runs
	// against REST.
	Watchlist []string `yaml:"watchlist"`
}

type Sim struct {
	FillMode       string             `yaml:"fill_mode" validate:"oneof=immediate deferred"`
	SlippageBpsMin int                `yaml:"slippage_bps_min" validate:"gte=0"`
	SlippageBpsMax int                `yaml:"slippage_bps_max" validate:"gtefield=SlippageBpsMin"`
	Seed           int64              `yaml:"seed"`
	Prices         map[string]float64 `yaml:"prices"`
}

type Store struct {
	Kind      string `yaml:"kind" validate:"oneof=memory redis"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Kind redis"`
	RedisDB   int    `yaml:"redis_db"`
	Prefix    string `yaml:"prefix"`
	TTLHours  int    `yaml:"ttl_hours" validate:"gte=0"`
}

type Archive struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
}

type Notify struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required_with=KafkaBrokers"`
	SlackChannel string   `yaml:"slack_channel"`
	Buffer       int      `yaml:"buffer" validate:"gte=1"`
}

type Signals struct {
	Kind          string `yaml:"kind" validate:"oneof=http file"`
	BaseURL       string `yaml:"base_url" validate:"required_if=Kind http"`
	RankingPath   string `yaml:"ranking_path"`
	PolicyPath    string `yaml:"policy_path"`
	QuotesPath    string `yaml:"quotes_path"`
	FilePath      string `yaml:"file_path" validate:"required_if=Kind file"`
	TimeoutMs     int    `yaml:"timeout_ms" validate:"gt=0"`
	MaxRetries    int    `yaml:"max_retries" validate:"gte=0"`
	BackoffBaseMs int    `yaml:"backoff_base_ms" validate:"gt=0"`
	BackoffMaxMs  int    `yaml:"backoff_max_ms" validate:"gtefield=BackoffBaseMs"`
}

type Orchestrator struct {
	TickIntervalMs int    `yaml:"tick_interval_ms" validate:"gt=0"`
	MaxInFlight    int    `yaml:"max_in_flight" validate:"gte=1"`
	LedgerPath     string `yaml:"ledger_path" validate:"required"`
	Timezone       string `yaml:"timezone"`

	// FAILED submissions in a row that suspend an account
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" validate:"gte=1"`
}

type Dashboard struct {
	Addr             string `yaml:"addr" validate:"required"`
	AuditPath        string `yaml:"audit_path" validate:"required"`
	ReplayWindowSecs int    `yaml:"replay_window_seconds" validate:"gt=0"`

	// Slack user id -> operator name, for slash commands.
	SlackUsers map[string]string `yaml:"slack_users"`
}

// Operator is a human allowed to issue commands. Credentials come from the
// environment, never from the YAML file.
type Operator struct {
	Name        string   `yaml:"name" validate:"required,alphanum"`
	Permissions []string `yaml:"permissions" validate:"dive,oneof=view mode_change kill_switch clear_suspension set_limits trade"`
}

type Root struct {
	LogLevel     string       `yaml:"log_level" validate:"oneof=debug info warn error"`
	Accounts     []Account    `yaml:"accounts" validate:"required,min=1,dive"`
	Decision     Decision     `yaml:"decision"`
	Risk         Risk         `yaml:"risk"`
	Safety       Safety       `yaml:"safety"`
	Gateway      Gateway      `yaml:"gateway"`
	Broker       Broker       `yaml:"broker"`
	Sim          Sim          `yaml:"sim"`
	Store        Store        `yaml:"store"`
	Archive      Archive      `yaml:"archive"`
	Notify       Notify       `yaml:"notify"`
	Signals      Signals      `yaml:"signals"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Dashboard    Dashboard    `yaml:"dashboard"`
	Operators    []Operator   `yaml:"operators" validate:"dive"`

	Secrets Secrets `yaml:"-"`
}

// Secrets are read from the environment after Load.
type Secrets struct {
	BrokerAppKey    string
	BrokerAppSecret string
	BrokerAccountNo string
	SlackWebhookURL string
	SlackSigningKey string

	// per operator
	TOTPSecrets      map[string]string
	PrivilegedHashes map[string]string
	APISecrets       map[string]string
}

const envPrefix = "MLSTOCK_"

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Decision.BuyThreshold == 0 {
		c.Decision.BuyThreshold = 0.6
	}
	if c.Decision.MaxQuoteAgeMs == 0 {
		c.Decision.MaxQuoteAgeMs = 5000
	}
	if c.Decision.DefaultLotSize == 0 {
		c.Decision.DefaultLotSize = 1
	}

	// Conservative risk defaults; review before trading real money.
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 1000
	}
	if c.Risk.MaxSymbolWeight == 0 {
		c.Risk.MaxSymbolWeight = 0.10
	}
	if c.Risk.MinCooldownSecs == 0 {
		c.Risk.MinCooldownSecs = 60
	}
	if c.Risk.MaxOrdersPerWindow == 0 {
		c.Risk.MaxOrdersPerWindow = 20
	}
	if c.Risk.OrderWindowSecs == 0 {
		c.Risk.OrderWindowSecs = 60
	}
	if c.Risk.MaxSlippageBps == 0 {
		c.Risk.MaxSlippageBps = 30
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 0.05
	}

	if c.Safety.MaxLiveAttempts == 0 {
		c.Safety.MaxLiveAttempts = 3
	}
	if c.Safety.LiveCooldownSecs == 0 {
		c.Safety.LiveCooldownSecs = 60
	}
	if c.Safety.LockoutSecs == 0 {
		c.Safety.LockoutSecs = 1800
	}
	if c.Safety.EventLogPath == "" {
		c.Safety.EventLogPath = "data/safety_events.jsonl"
	}

	if c.Gateway.MaxAttempts == 0 {
		c.Gateway.MaxAttempts = 4
	}
	if c.Gateway.BackoffBaseMs == 0 {
		c.Gateway.BackoffBaseMs = 250
	}
	if c.Gateway.BackoffMaxMs == 0 {
		c.Gateway.BackoffMaxMs = 5000
	}
	if c.Gateway.AttemptTimeoutMs == 0 {
		c.Gateway.AttemptTimeoutMs = 3000
	}
	if c.Gateway.OrderType == "" {
		c.Gateway.OrderType = "00"
	}
	if c.Gateway.OutboxPath == "" {
		c.Gateway.OutboxPath = "data/outbox.jsonl"
	}
	if c.Gateway.DedupeWindowSecs == 0 {
		c.Gateway.DedupeWindowSecs = 90
	}

	if c.Broker.PaperKind == "" {
		c.Broker.PaperKind = "sim"
	}
	if c.Broker.PaperBaseURL == "" {
		c.Broker.PaperBaseURL = "https://mockapi.kiwoom.com"
	}
	if c.Broker.LiveBaseURL == "" {
		c.Broker.LiveBaseURL = "https://api.kiwoom.com"
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 3000
	}
	if c.Broker.RateLimitPerSecond == 0 {
		c.Broker.RateLimitPerSecond = 5
	}
	if c.Broker.Burst == 0 {
		c.Broker.Burst = 1
	}

	if c.Sim.FillMode == "" {
		c.Sim.FillMode = "immediate"
	}
	if c.Sim.SlippageBpsMin == 0 {
		c.Sim.SlippageBpsMin = 1
	}
	if c.Sim.SlippageBpsMax == 0 {
		c.Sim.SlippageBpsMax = 5
	}
	if c.Sim.Seed == 0 {
		c.Sim.Seed = 42
	}

	if c.Store.Kind == "" {
		c.Store.Kind = "memory"
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = "mlstock"
	}
	if c.Store.TTLHours == 0 {
		c.Store.TTLHours = 72
	}

	if c.Notify.Buffer == 0 {
		c.Notify.Buffer = 256
	}

	if c.Signals.Kind == "" {
		c.Signals.Kind = "http"
	}
	if c.Signals.BaseURL == "" && c.Signals.Kind == "http" {
		c.Signals.BaseURL = "http://localhost:8091"
	}
	if c.Signals.RankingPath == "" {
		c.Signals.RankingPath = "/v1/rankings"
	}
	if c.Signals.PolicyPath == "" {
		c.Signals.PolicyPath = "/v1/actions"
	}
	if c.Signals.QuotesPath == "" {
		c.Signals.QuotesPath = "/v1/quotes"
	}
	if c.Signals.TimeoutMs == 0 {
		c.Signals.TimeoutMs = 5000
	}
	if c.Signals.MaxRetries == 0 {
		c.Signals.MaxRetries = 3
	}
	if c.Signals.BackoffBaseMs == 0 {
		c.Signals.BackoffBaseMs = 100
	}
	if c.Signals.BackoffMaxMs == 0 {
		c.Signals.BackoffMaxMs = 5000
	}

	if c.Orchestrator.TickIntervalMs == 0 {
		c.Orchestrator.TickIntervalMs = 1000
	}
	if c.Orchestrator.MaxInFlight == 0 {
		c.Orchestrator.MaxInFlight = 8
	}
	if c.Orchestrator.LedgerPath == "" {
		c.Orchestrator.LedgerPath = "data/ledger.json"
	}
	if c.Orchestrator.MaxConsecutiveFailures == 0 {
		c.Orchestrator.MaxConsecutiveFailures = 5
	}

	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8090"
	}
	if c.Dashboard.AuditPath == "" {
		c.Dashboard.AuditPath = "data/audit.jsonl"
	}
	if c.Dashboard.ReplayWindowSecs == 0 {
		c.Dashboard.ReplayWindowSecs = 300
	}
}

// LoadEnv loads .env files, if present, and reads secrets from the
// environment. Variables already set win over file values.
func (c *Root) LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", filepath.Base(f), err)
		}
	}
	c.Secrets = Secrets{
		BrokerAppKey:     os.Getenv(envPrefix + "BROKER_APP_KEY"),
		BrokerAppSecret:  os.Getenv(envPrefix + "BROKER_APP_SECRET"),
		BrokerAccountNo:  os.Getenv(envPrefix + "BROKER_ACCOUNT_NO"),
		SlackWebhookURL:  os.Getenv(envPrefix + "SLACK_WEBHOOK_URL"),
		SlackSigningKey:  os.Getenv(envPrefix + "SLACK_SIGNING_SECRET"),
		TOTPSecrets:      map[string]string{},
		PrivilegedHashes: map[string]string{},
		APISecrets:       map[string]string{},
	}
	for _, op := range c.Operators {
		name := strings.ToUpper(op.Name)
		if v := os.Getenv(envPrefix + "OPERATOR_" + name + "_TOTP"); v != "" {
			c.Secrets.TOTPSecrets[op.Name] = v
		}
		if v := os.Getenv(envPrefix + "OPERATOR_" + name + "_PRIVILEGED_HASH"); v != "" {
			c.Secrets.PrivilegedHashes[op.Name] = v
		}
		if v := os.Getenv(envPrefix + "OPERATOR_" + name + "_API_SECRET"); v != "" {
			c.Secrets.APISecrets[op.Name] = v
		}
	}
	return nil
}

// Validate checks struct constraints, risk limits and operator credentials.
func (c Root) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Risk.Limits().Validate(); err != nil {
		return err
	}
	operators := map[string]bool{}
	for _, op := range c.Operators {
		operators[op.Name] = true
	}
	for id, name := range c.Dashboard.SlackUsers {
		if !operators[name] {
			return fmt.Errorf("invalid config: slack user %s maps to unknown operator %q", id, name)
		}
	}
	seen := map[string]bool{}
	for _, a := range c.Accounts {
		if seen[a.ID] {
			return fmt.Errorf("invalid config: duplicate account %q", a.ID)
		}
		seen[a.ID] = true
	}
	for _, op := range c.Operators {
		totpSecret, hash := c.Secrets.TOTPSecrets[op.Name], c.Secrets.PrivilegedHashes[op.Name]
		if totpSecret == "" || hash == "" {
			continue
		}
		if err := safety.CheckDistinctFactors(totpSecret, hash); err != nil {
			return fmt.Errorf("operator %s: %w", op.Name, err)
		}
	}
	return nil
}

// HasBrokerCredentials reports whether the REST broker can authenticate.
func (c Root) HasBrokerCredentials() bool {
	return c.Secrets.BrokerAppKey != "" && c.Secrets.BrokerAccountNo != ""
}

func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
