package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/outbox"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoPosition     = errors.New("no open position")
)

// Command is an out-of-band operator request.
type Command interface {
	commandName() string
}

// RequestModeChange moves an account to Target. LIVE needs a one-time code;
// PAPER and SUSPENDED are applied immediately.
type RequestModeChange struct {
	Account  string      `json:"account"`
	Target   safety.Mode `json:"target"`
	Operator string      `json:"operator"`
	Code     string      `json:"code,omitempty"`
}

type SetRiskLimits struct {
	Account  string      `json:"account"`
	Limits   risk.Limits `json:"limits"`
	Operator string      `json:"operator"`
}

// KillSwitch suspends one account, or all accounts when Account is empty.
type KillSwitch struct {
	Account  string `json:"account,omitempty"`
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

type ClearSuspension struct {
	Account    string `json:"account"`
	Operator   string `json:"operator"`
	Credential string `json:"credential"`
}

// SubmitActions runs manual policy actions through the full pipeline under a
// synthetic cycle id. BUY actions need a ranking and are skipped.
type SubmitActions struct {
	Account  string                  `json:"account,omitempty"`
	Actions  []decision.PolicyAction `json:"actions"`
	Ref      string                  `json:"ref"`
	Operator string                  `json:"operator"`
}

// Flatten sells the open position in Symbol, or every position when Symbol
// is empty.
type Flatten struct {
	Account  string `json:"account"`
	Symbol   string `json:"symbol,omitempty"`
	Ref      string `json:"ref"`
	Operator string `json:"operator"`
}

func (RequestModeChange) commandName() string { return "mode_change" }
func (SetRiskLimits) commandName() string     { return "set_limits" }
func (KillSwitch) commandName() string        { return "kill_switch" }
func (ClearSuspension) commandName() string   { return "clear_suspension" }
func (SubmitActions) commandName() string     { return "submit_actions" }
func (Flatten) commandName() string           { return "flatten" }

// CommandName is the label a command is logged and authorized under.
func CommandName(c Command) string { return c.commandName() }

// Result is the reply to a Command.
type Result struct {
	Transitions []safety.Transition `json:"transitions,omitempty"`
	Report      *CycleReport        `json:"report,omitempty"`
	Err         error               `json:"-"`
}

// Request pairs a command with the channel its Result is sent on.
type Request struct {
	Cmd   Command
	Reply chan Result
}

// Do sends cmd to a running event loop and waits for the reply.
func (o *Orchestrator) Do(ctx context.Context, cmd Command) Result {
	req := Request{Cmd: cmd, Reply: make(chan Result, 1)}
	select {
	case o.commands <- req:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case res := <-req.Reply:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Handle executes cmd on the caller's goroutine.
func (o *Orchestrator) Handle(ctx context.Context, cmd Command) Result {
	var res Result
	switch c := cmd.(type) {
	case RequestModeChange:
		res = o.changeMode(c)
	case SetRiskLimits:
		res = o.setLimits(c)
	case KillSwitch:
		res = o.killSwitch(c)
	case ClearSuspension:
		res = o.clearSuspension(c)
	case SubmitActions:
		res = o.submitActions(ctx, c)
	case Flatten:
		res = o.flatten(ctx, c)
	default:
		res = Result{Err: fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)}
	}

	name := "unknown"
	if cmd != nil {
		name = cmd.commandName()
	}
	result := "ok"
	if res.Err != nil {
		result = "error"
		o.logger.Warn("command failed", zap.String("command", name), zap.Error(res.Err))
	} else {
		o.logger.Info("command applied", zap.String("command", name), zap.Int("transitions", len(res.Transitions)))
	}
	observ.IncCounter("orchestrator_commands_total", map[string]string{"command": name, "result": result})
	return res
}

func (o *Orchestrator) account(id string) (*accountRuntime, error) {
	a, ok := o.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return a, nil
}

func (o *Orchestrator) changeMode(c RequestModeChange) Result {
	a, err := o.account(c.Account)
	if err != nil {
		return Result{Err: err}
	}
	now := o.clock.Now()
	var tr safety.Transition
	switch c.Target {
	case safety.ModeLive:
		if o.live == nil {
			return Result{Err: errors.New(ReasonNoLiveGateway)}
		}
		tr, err = a.machine.RequestLive(c.Operator, c.Code, now)
	case safety.ModePaper:
		tr, err = a.machine.Downgrade(c.Operator, now)
	case safety.ModeSuspended:
		tr = a.machine.Suspend("operator_request", c.Operator, now)
	default:
		err = fmt.Errorf("%w: target %q", safety.ErrInvalidTransition, c.Target)
	}
	if err != nil {
		return Result{Err: err}
	}
	return Result{Transitions: []safety.Transition{tr}}
}

func (o *Orchestrator) setLimits(c SetRiskLimits) Result {
	a, err := o.account(c.Account)
	if err != nil {
		return Result{Err: err}
	}
	if err := c.Limits.Validate(); err != nil {
		return Result{Err: err}
	}
	now := o.clock.Now()
	a.mu.Lock()
	a.limits = c.Limits
	a.mu.Unlock()
	o.ledger.SetMaxDailyLoss(a.id, c.Limits.MaxDailyLoss, now)
	o.logger.Info("risk limits updated",
		zap.String("account", a.id),
		zap.String("operator", c.Operator),
		zap.Float64("max_daily_loss", c.Limits.MaxDailyLoss),
		zap.Float64("max_symbol_weight", c.Limits.MaxSymbolWeight))
	// a tighter limit can put the account in breach immediately
	o.checkDrawdown(a, now)
	return Result{}
}

func (o *Orchestrator) killSwitch(c KillSwitch) Result {
	ids := o.order
	if c.Account != "" {
		if _, err := o.account(c.Account); err != nil {
			return Result{Err: err}
		}
		ids = []string{c.Account}
	}
	reason := c.Reason
	if reason == "" {
		reason = "kill_switch"
	}
	now := o.clock.Now()
	var res Result
	for _, id := range ids {
		tr := o.accounts[id].machine.Suspend(reason, c.Operator, now)
		res.Transitions = append(res.Transitions, tr)
	}
	o.logger.Warn("kill switch engaged", zap.String("operator", c.Operator), zap.Strings("accounts", ids))
	return res
}

func (o *Orchestrator) clearSuspension(c ClearSuspension) Result {
	a, err := o.account(c.Account)
	if err != nil {
		return Result{Err: err}
	}
	now := o.clock.Now()
	tr, err := a.machine.ClearSuspension(c.Operator, c.Credential, now, func() error {
		return o.ledger.ClearDrawdown(a.id, now)
	})
	if err != nil {
		return Result{Err: err}
	}
	a.mu.Lock()
	a.failures = 0
	a.mu.Unlock()
	return Result{Transitions: []safety.Transition{tr}}
}

func (o *Orchestrator) submitActions(ctx context.Context, c SubmitActions) Result {
	ids := o.order
	if c.Account != "" {
		if _, err := o.account(c.Account); err != nil {
			return Result{Err: err}
		}
		ids = []string{c.Account}
	}
	if len(c.Actions) == 0 {
		return Result{Err: errors.New("no actions")}
	}
	cycleID := outbox.SyntheticCycleID("manual", c.Ref)
	report := o.runCycle(ctx, transport.Batch{Actions: c.Actions, CycleID: cycleID}, cycleID, ids)
	return Result{Report: &report}
}

// flatten builds sell orders straight from ledger positions; they still pass
// the mode gate and the guardrails.
func (o *Orchestrator) flatten(ctx context.Context, c Flatten) Result {
	a, err := o.account(c.Account)
	if err != nil {
		return Result{Err: err}
	}
	now := o.clock.Now()
	snap := o.ledger.Snapshot(a.id, now, 0)
	var symbols []string
	if c.Symbol != "" {
		symbols = []string{market.NormalizeSymbol(c.Symbol)}
	} else {
		for sym, qty := range snap.PositionBySymbol {
			if qty > 0 {
				symbols = append(symbols, sym)
			}
		}
		sort.Strings(symbols)
	}

	cycleID := outbox.SyntheticCycleID("flatten", c.Ref)
	report := CycleReport{CycleID: cycleID, At: now}
	book := o.currentBook()
	for _, sym := range symbols {
		qty := snap.Position(sym)
		if qty <= 0 {
			if c.Symbol != "" {
				return Result{Err: fmt.Errorf("%w: %s", ErrNoPosition, sym)}
			}
			continue
		}
		var price float64
		if q, ok := book.Get(sym); ok {
			price = q.Last
			if price <= 0 {
				price = q.Mid()
			}
		}
		order := decision.ProposedOrder{
			Symbol:    sym,
			Side:      decision.SideSell,
			Quantity:  qty,
			PriceHint: price,
			Rationale: decision.Rationale{PolicyAction: decision.ActionSell},
			CycleID:   cycleID,
		}
		report.Dispositions = append(report.Dispositions, o.process(ctx, a, order, book))
	}
	return Result{Report: &report}
}
