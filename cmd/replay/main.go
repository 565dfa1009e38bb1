// Command replay runs a recorded signal file through the full pipeline
// against the sim broker and prints one JSON disposition per line. Runs are
// reproducible: time comes from the batches and fills from a seeded sim.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/broker"
	"github.com/Rajchodisetti/mlstock/internal/config"
	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/orchestrator"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "engine configuration")
	signals := flag.String("signals", "fixtures/replay.jsonl", "JSONL file of signal batches")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}
	observ.SetLogger(logger)

	if err := replay(context.Background(), cfg, *signals, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func replay(ctx context.Context, cfg config.Root, path string, out io.Writer, logger *zap.Logger) error {
	src, err := transport.OpenFile(path, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	loc := time.UTC
	if cfg.Orchestrator.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Orchestrator.Timezone); err == nil {
			loc = l
		}
	}

	clock := orchestrator.NewSimClock(time.Time{})
	feed := market.NewSimFeed(cfg.Sim.Seed, cfg.Sim.Prices)
	sim := broker.NewSimBroker(broker.SimConfig{
		Name:           "replay",
		FillMode:       broker.FillMode(cfg.Sim.FillMode),
		SlippageBpsMin: cfg.Sim.SlippageBpsMin,
		SlippageBpsMax: cfg.Sim.SlippageBpsMax,
		Seed:           cfg.Sim.Seed,
		Now:            clock.Now,
	}, feed)
	paper := gateway.New(gateway.Config{
		Mode:        string(safety.ModePaper),
		MaxAttempts: cfg.Gateway.MaxAttempts,
		BaseBackoff: config.Ms(cfg.Gateway.BackoffBaseMs),
		MaxBackoff:  config.Ms(cfg.Gateway.BackoffMaxMs),
		OrderType:   cfg.Gateway.OrderType,
	}, gateway.Deps{Broker: sim, Clock: clock, Logger: logger})

	limits := cfg.Risk.Limits()
	machines := map[string]*safety.Machine{}
	accounts := make([]orchestrator.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		m, err := safety.NewMachine(a.ID, cfg.Safety.Machine(), safety.NewTOTPVerifier(nil), safety.NewBcryptVerifier(nil), nil, logger)
		if err != nil {
			return err
		}
		machines[a.ID] = m
		accounts = append(accounts, orchestrator.Account{ID: a.ID, Equity: a.Equity, Limits: limits})
	}

	engine, err := orchestrator.New(orchestrator.Config{
		Accounts:               accounts,
		MaxInFlight:            cfg.Orchestrator.MaxInFlight,
		BuyThreshold:           cfg.Decision.BuyThreshold,
		MaxQuoteAge:            config.Ms(cfg.Decision.MaxQuoteAgeMs),
		LotSizes:               cfg.Decision.LotSizes,
		DefaultLot:             cfg.Decision.DefaultLotSize,
		MaxConsecutiveFailures: cfg.Orchestrator.MaxConsecutiveFailures,
		Location:               loc,
		Synchronous:            true,
	}, orchestrator.Deps{
		Ledger:   risk.NewLedger("", logger),
		Machines: machines,
		Paper:    paper,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for n := 1; ; n++ {
		batch, err := src.Next(ctx)
		if errors.Is(err, transport.ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		if !batch.At.IsZero() {
			clock.Set(batch.At)
		}
		for _, q := range batch.Quotes {
			feed.SetPrice(q.Symbol, q.Last)
		}
		cycleID := batch.CycleID
		if cycleID == "" {
			cycleID = fmt.Sprintf("replay-%04d", n)
		}

		report := engine.RunCycle(ctx, batch, cycleID)
		for _, f := range sim.Settle() {
			engine.HandleFill(ctx, f)
		}
		for _, d := range report.Dispositions {
			if err := enc.Encode(d); err != nil {
				return err
			}
		}
	}
}
