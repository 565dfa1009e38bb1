package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/archive"
	"github.com/Rajchodisetti/mlstock/internal/broker"
	"github.com/Rajchodisetti/mlstock/internal/config"
	"github.com/Rajchodisetti/mlstock/internal/dashboard"
	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/notify"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/orchestrator"
	"github.com/Rajchodisetti/mlstock/internal/outbox"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "engine configuration")
	envFile := flag.String("env", ".env", "dotenv file with secrets")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := observ.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	observ.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("engine stopped")
}

func run(ctx context.Context, cfg config.Root, logger *zap.Logger) error {
	loc := time.UTC
	if cfg.Orchestrator.Timezone != "" {
		l, err := time.LoadLocation(cfg.Orchestrator.Timezone)
		if err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}

	journal, err := outbox.New(cfg.Gateway.OutboxPath, time.Duration(cfg.Gateway.DedupeWindowSecs)*time.Second)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}

	var archiver gateway.Archiver
	if cfg.Archive.Driver != "" {
		store, err := archive.Open(cfg.Archive.Driver, cfg.Archive.DSN, logger)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer store.Close()
		archiver = store
	}

	stream := notify.NewStream(logger)
	defer stream.Close()
	attachSinks(ctx, cfg, stream, logger)

	paperStore, liveStore, closeStores, err := orderStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	var wg sync.WaitGroup
	var forwards []<-chan broker.Fill

	var (
		paperBroker broker.Broker
		simFeed     *market.SimFeed
		simBroker   *broker.SimBroker
	)
	switch cfg.Broker.PaperKind {
	case "sim":
		simFeed = market.NewSimFeed(cfg.Sim.Seed, cfg.Sim.Prices)
		simBroker = broker.NewSimBroker(broker.SimConfig{
			Name:           "sim",
			FillMode:       broker.FillMode(cfg.Sim.FillMode),
			SlippageBpsMin: cfg.Sim.SlippageBpsMin,
			SlippageBpsMax: cfg.Sim.SlippageBpsMax,
			Seed:           cfg.Sim.Seed,
		}, simFeed)
		paperBroker = simBroker
		forwards = append(forwards, simBroker.Fills())
	default:
		rb, err := restBroker(cfg, "paper", cfg.Broker.PaperBaseURL, logger)
		if err != nil {
			return fmt.Errorf("paper broker: %w", err)
		}
		paperBroker = rb
	}

	var liveBroker broker.Broker
	if cfg.HasBrokerCredentials() {
		rb, err := restBroker(cfg, "live", cfg.Broker.LiveBaseURL, logger)
		if err != nil {
			return fmt.Errorf("live broker: %w", err)
		}
		liveBroker = rb
	} else {
		logger.Warn("no broker credentials, LIVE mode unavailable")
	}

	gwCfg := func(mode safety.Mode) gateway.Config {
		return gateway.Config{
			Mode:           string(mode),
			MaxAttempts:    cfg.Gateway.MaxAttempts,
			BaseBackoff:    config.Ms(cfg.Gateway.BackoffBaseMs),
			MaxBackoff:     config.Ms(cfg.Gateway.BackoffMaxMs),
			AttemptTimeout: config.Ms(cfg.Gateway.AttemptTimeoutMs),
			OrderType:      cfg.Gateway.OrderType,
		}
	}
	paper := gateway.New(gwCfg(safety.ModePaper), gateway.Deps{
		Broker: paperBroker, Store: paperStore, Journal: journal, Archiver: archiver, Logger: logger,
	})
	if n, err := paper.Restore(ctx); err != nil {
		return fmt.Errorf("restore paper orders: %w", err)
	} else if n > 0 {
		logger.Info("restored paper orders", zap.Int("count", n))
	}

	var live *gateway.Client
	if liveBroker != nil {
		live = gateway.New(gwCfg(safety.ModeLive), gateway.Deps{
			Broker: liveBroker, Store: liveStore, Journal: journal, Archiver: archiver, Logger: logger,
		})
		if n, err := live.Restore(ctx); err != nil {
			return fmt.Errorf("restore live orders: %w", err)
		} else if n > 0 {
			logger.Info("restored live orders", zap.Int("count", n))
		}
	}

	if cfg.Broker.FeedURL != "" {
		hdr := http.Header{}
		for k, v := range cfg.Broker.Headers {
			hdr.Set(k, v)
		}
		feed := broker.NewFeedClient(broker.FeedConfig{URL: cfg.Broker.FeedURL, Headers: hdr}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("execution feed stopped", zap.Error(err))
			}
		}()
		forwards = append(forwards, feed.Fills())
	}

	events := safety.NewEventLog(cfg.Safety.EventLogPath)
	oneTime := safety.NewTOTPVerifier(cfg.Secrets.TOTPSecrets)
	privileged := safety.NewBcryptVerifier(cfg.Secrets.PrivilegedHashes)
	machines := map[string]*safety.Machine{}
	for _, a := range cfg.Accounts {
		m, err := safety.NewMachine(a.ID, cfg.Safety.Machine(), oneTime, privileged, events, logger)
		if err != nil {
			return fmt.Errorf("safety machine %s: %w", a.ID, err)
		}
		machines[a.ID] = m
	}

	ledger := risk.NewLedger(cfg.Orchestrator.LedgerPath, logger)
	if err := ledger.Load(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	// applied keys must outlive the journal's dedupe window
	ledger.SetRetention(max(24*time.Hour, time.Duration(cfg.Gateway.DedupeWindowSecs)*time.Second))
	defer func() {
		if err := ledger.Flush(); err != nil {
			logger.Error("ledger flush failed", zap.Error(err))
		}
	}()

	source, err := signalSource(cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}

	limits := cfg.Risk.Limits()
	accounts := make([]orchestrator.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, orchestrator.Account{ID: a.ID, Equity: a.Equity, Limits: limits})
	}
	deps := orchestrator.Deps{
		Source:   source,
		Ledger:   ledger,
		Machines: machines,
		Paper:    paper,
		Live:     live,
		Stream:   stream,
		Logger:   logger,
	}
	switch {
	case simFeed != nil:
		deps.Quotes = simFeed
	case len(cfg.Broker.Watchlist) > 0:
		quotes := broker.NewQuoteCache(paperBroker, cfg.Broker.Watchlist,
			config.Ms(cfg.Orchestrator.TickIntervalMs), config.Ms(cfg.Decision.MaxQuoteAgeMs), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = quotes.Run(ctx)
		}()
		deps.Quotes = quotes
	}
	engine, err := orchestrator.New(orchestrator.Config{
		Accounts:               accounts,
		TickInterval:           config.Ms(cfg.Orchestrator.TickIntervalMs),
		MaxInFlight:            cfg.Orchestrator.MaxInFlight,
		BuyThreshold:           cfg.Decision.BuyThreshold,
		MaxQuoteAge:            config.Ms(cfg.Decision.MaxQuoteAgeMs),
		LotSizes:               cfg.Decision.LotSizes,
		DefaultLot:             cfg.Decision.DefaultLotSize,
		MaxConsecutiveFailures: cfg.Orchestrator.MaxConsecutiveFailures,
		Location:               loc,
	}, deps)
	if err != nil {
		return err
	}

	for _, ch := range forwards {
		wg.Add(1)
		go func(ch <-chan broker.Fill) {
			defer wg.Done()
			forwardFills(ctx, ch, engine.Fills())
		}(ch)
	}
	if simBroker != nil && cfg.Sim.FillMode == string(broker.FillDeferred) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			settleLoop(ctx, simBroker, config.Ms(cfg.Orchestrator.TickIntervalMs))
		}()
	}

	audit := dashboard.NewAuditLog(cfg.Dashboard.AuditPath)
	operators := map[string]dashboard.Operator{}
	for _, op := range cfg.Operators {
		secret := cfg.Secrets.APISecrets[op.Name]
		if secret == "" {
			logger.Warn("operator has no API secret, dashboard access disabled", zap.String("operator", op.Name))
			continue
		}
		operators[op.Name] = dashboard.Operator{Secret: secret, Permissions: op.Permissions}
	}
	auth := dashboard.NewAuthorizer(operators, time.Duration(cfg.Dashboard.ReplayWindowSecs)*time.Second, audit)
	srv := dashboard.New(dashboard.Config{
		Addr:               cfg.Dashboard.Addr,
		SlackSigningSecret: cfg.Secrets.SlackSigningKey,
		SlackUsers:         cfg.Dashboard.SlackUsers,
		SlackWindow:        time.Duration(cfg.Dashboard.ReplayWindowSecs) * time.Second,
	}, engine, auth, audit, stream, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			logger.Error("dashboard stopped", zap.Error(err))
		}
	}()

	logger.Info("engine started",
		zap.Int("accounts", len(accounts)),
		zap.String("paper_broker", paperBroker.Name()),
		zap.Bool("live_available", live != nil),
		zap.String("signals", cfg.Signals.Kind))

	err = engine.Run(ctx)
	wg.Wait()
	if saveErr := ledger.Save(); saveErr != nil {
		logger.Error("ledger save failed", zap.Error(saveErr))
	}
	return err
}

func restBroker(cfg config.Root, name, baseURL string, logger *zap.Logger) (*broker.RESTBroker, error) {
	return broker.NewRESTBroker(broker.RESTConfig{
		Name:               name,
		BaseURL:            baseURL,
		AppKey:             cfg.Secrets.BrokerAppKey,
		AppSecret:          cfg.Secrets.BrokerAppSecret,
		AccountNo:          cfg.Secrets.BrokerAccountNo,
		Timeout:            config.Ms(cfg.Broker.TimeoutMs),
		RateLimitPerSecond: cfg.Broker.RateLimitPerSecond,
		Burst:              cfg.Broker.Burst,
		Endpoints:          broker.Endpoints(cfg.Broker.Endpoints),
		Headers:            cfg.Broker.Headers,
	}, logger)
}

// orderStores returns one store per mode so that PAPER and LIVE records
// never share keys.
func orderStores(ctx context.Context, cfg config.Root) (paper, live gateway.Store, closeFn func(), err error) {
	if cfg.Store.Kind != "redis" {
		return gateway.NewMemoryStore(), gateway.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, DB: cfg.Store.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
	}
	ttl := time.Duration(cfg.Store.TTLHours) * time.Hour
	return gateway.NewRedisStore(client, cfg.Store.Prefix+":paper", ttl),
		gateway.NewRedisStore(client, cfg.Store.Prefix+":live", ttl),
		func() { client.Close() },
		nil
}

func signalSource(cfg config.Root, logger *zap.Logger) (transport.Source, error) {
	if cfg.Signals.Kind == "file" {
		src, err := transport.OpenFile(cfg.Signals.FilePath, logger)
		if err != nil {
			return nil, fmt.Errorf("signals: %w", err)
		}
		return src, nil
	}
	return transport.NewHTTPSource(transport.Config{
		BaseURL:     cfg.Signals.BaseURL,
		RankingPath: cfg.Signals.RankingPath,
		PolicyPath:  cfg.Signals.PolicyPath,
		QuotesPath:  cfg.Signals.QuotesPath,
		Timeout:     config.Ms(cfg.Signals.TimeoutMs),
		MaxRetries:  cfg.Signals.MaxRetries,
		BackoffBase: config.Ms(cfg.Signals.BackoffBaseMs),
		BackoffMax:  config.Ms(cfg.Signals.BackoffMaxMs),
	}, logger), nil
}

func attachSinks(ctx context.Context, cfg config.Root, stream *notify.Stream, logger *zap.Logger) {
	stream.Attach(ctx, notify.NewLogSink(logger), cfg.Notify.Buffer)
	if len(cfg.Notify.KafkaBrokers) > 0 {
		k := notify.NewKafkaSink(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		stream.Attach(ctx, k, cfg.Notify.Buffer)
		go func() {
			<-ctx.Done()
			k.Close()
		}()
	}
	if cfg.Secrets.SlackWebhookURL != "" {
		stream.Attach(ctx, notify.NewSlackSink(notify.SlackConfig{
			WebhookURL: cfg.Secrets.SlackWebhookURL,
			Channel:    cfg.Notify.SlackChannel,
		}), cfg.Notify.Buffer)
	}
}

func forwardFills(ctx context.Context, in <-chan broker.Fill, out chan<- broker.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// settleLoop executes deferred sim orders once per tick.
func settleLoop(ctx context.Context, sim *broker.SimBroker, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sim.Settle()
		}
	}
}
