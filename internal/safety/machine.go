package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// Mode is the operating mode of an account.
type Mode string

const (
	ModePaper     Mode = "PAPER"
	ModeLive      Mode = "LIVE"
	ModeSuspended Mode = "SUSPENDED"
)

// Tradable reports whether new orders may be submitted in this mode.
func (m Mode) Tradable() bool {
	return m == ModePaper || m == ModeLive
}

var (
	ErrInvalidTransition = errors.New("invalid mode transition")
	ErrCooldownActive    = errors.New("live request cooldown active")
	ErrLockedOut         = errors.New("too many failed live requests")
	ErrPersist           = errors.New("failed to persist transition")
)

// Config bounds PAPER→LIVE attempts.
type Config struct {
	MaxLiveAttempts int
	LiveCooldown    time.Duration // after any failed attempt
	Lockout         time.Duration // after MaxLiveAttempts failures
}

func (c Config) withDefaults() Config {
	if c.MaxLiveAttempts <= 0 {
		c.MaxLiveAttempts = 3
	}
	if c.LiveCooldown <= 0 {
		c.LiveCooldown = time.Minute
	}
	if c.Lockout <= 0 {
		c.Lockout = 30 * time.Minute
	}
	return c
}

// Transition describes a committed mode change.
type Transition struct {
	Account    string    `json:"account"`
	From       Mode      `json:"from"`
	To         Mode      `json:"to"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

// Changed is false for idempotent requests that left the mode alone.
func (t Transition) Changed() bool { return t.From != t.To }

// Status is a read-only view for dashboards.
type Status struct {
	Account        string    `json:"account"`
	Mode           Mode      `json:"mode"`
	Generation     uint64    `json:"generation"`
	EnteredAt      time.Time `json:"entered_at"`
	SuspendReason  string    `json:"suspend_reason,omitempty"`
	FailedAttempts int       `json:"failed_attempts"`
	LastFailureAt  time.Time `json:"last_failure_at,omitempty"`
}

// Admission is a read hold on the machine. While it is held no transition can
// commit, so an evaluation sees one consistent mode. Release it before any
// blocking I/O.
type Admission struct {
	Mode       Mode
	Generation uint64
	once       sync.Once
	release    func()
}

// Release drops the hold. Safe to call more than once.
func (a *Admission) Release() {
	a.once.Do(a.release)
}

// Machine is the single writer of an account's Mode.
type Machine struct {
	gate sync.RWMutex

	account        string
	mode           Mode
	generation     uint64
	enteredAt      time.Time
	suspendReason  string
	failedAttempts int
	lastFailure    time.Time

	cfg        Config
	oneTime    Verifier
	privileged Verifier
	events     *EventLog
	logger     *zap.Logger

	listeners []func(Transition)
}

// NewMachine builds a machine and replays the account's history from the
// event log. A persisted LIVE restores as PAPER; SUSPENDED stays SUSPENDED.
func NewMachine(account string, cfg Config, oneTime, privileged Verifier, events *EventLog, logger *zap.Logger) (*Machine, error) {
	m := &Machine{
		account:    account,
		mode:       ModePaper,
		cfg:        cfg.withDefaults(),
		oneTime:    oneTime,
		privileged: privileged,
		events:     events,
		logger:     observ.OrNop(logger).Named("safety").With(zap.String("account", account)),
	}

	history, err := events.Load(account)
	if err != nil {
		return nil, err
	}
	m.replay(history)
	observ.SetGauge("account_mode", modeGauge(m.mode), map[string]string{"account": account})
	return m, nil
}

func (m *Machine) replay(history []Event) {
	for _, e := range history {
		switch e.Type {
		case EventTransition:
			m.mode = e.To
			m.generation = e.Generation
			m.enteredAt = e.Timestamp
			if e.To == ModeSuspended {
				m.suspendReason = e.Reason
			} else {
				m.suspendReason = ""
			}
			if e.To == ModeLive {
				m.failedAttempts = 0
			}
		case EventLiveRequestFailed:
			m.failedAttempts++
			m.lastFailure = e.Timestamp
		}
	}
	if m.mode == ModeLive {
		m.logger.Warn("restored LIVE account as PAPER")
		m.mode = ModePaper
		m.generation++
	}
}

// OnTransition registers a callback invoked after each committed transition.
// Callbacks run with the write gate held and must not call back into m.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Admit takes a read hold on the current mode.
func (m *Machine) Admit() *Admission {
	m.gate.RLock()
	return &Admission{Mode: m.mode, Generation: m.generation, release: m.gate.RUnlock}
}

// Current returns the mode and generation without holding the gate.
func (m *Machine) Current() (Mode, uint64) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	return m.mode, m.generation
}

func (m *Machine) Status() Status {
	m.gate.RLock()
	defer m.gate.RUnlock()
	return Status{
		Account:        m.account,
		Mode:           m.mode,
		Generation:     m.generation,
		EnteredAt:      m.enteredAt,
		SuspendReason:  m.suspendReason,
		FailedAttempts: m.failedAttempts,
		LastFailureAt:  m.lastFailure,
	}
}

// RequestLive moves PAPER→LIVE after verifying the operator's one-time code.
func (m *Machine) RequestLive(operator, code string, at time.Time) (Transition, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	if m.mode != ModePaper {
		return Transition{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.mode, ModeLive)
	}
	if m.failedAttempts >= m.cfg.MaxLiveAttempts {
		if at.Sub(m.lastFailure) < m.cfg.Lockout {
			observ.IncCounter("live_requests_total", map[string]string{"result": "locked_out"})
			return Transition{}, ErrLockedOut
		}
		m.failedAttempts = 0
	}
	if m.failedAttempts > 0 && at.Sub(m.lastFailure) < m.cfg.LiveCooldown {
		observ.IncCounter("live_requests_total", map[string]string{"result": "cooldown"})
		return Transition{}, ErrCooldownActive
	}

	if operator == "" || m.oneTime == nil {
		return Transition{}, m.failLiveLocked(operator, at, ErrAuthFailed)
	}
	if err := m.oneTime.Verify(operator, code, at); err != nil {
		return Transition{}, m.failLiveLocked(operator, at, err)
	}

	t, err := m.commitLocked(ModeLive, operator, "operator_request", at, true)
	if err != nil {
		return Transition{}, err
	}
	m.failedAttempts = 0
	observ.IncCounter("live_requests_total", map[string]string{"result": "granted"})
	return t, nil
}

func (m *Machine) failLiveLocked(operator string, at time.Time, cause error) error {
	m.failedAttempts++
	m.lastFailure = at
	if err := m.events.Append(Event{
		Timestamp: at, Type: EventLiveRequestFailed, Account: m.account,
		Actor: operator, Reason: cause.Error(), Generation: m.generation,
	}); err != nil {
		m.logger.Error("failed to persist failed live request", zap.Error(err))
	}
	m.logger.Warn("live request refused",
		zap.String("operator", operator),
		zap.Int("failed_attempts", m.failedAttempts),
		zap.Error(cause))
	observ.IncCounter("live_requests_total", map[string]string{"result": "auth_failed"})
	return fmt.Errorf("live request by %q: %w", operator, cause)
}

// Suspend moves any mode to SUSPENDED. Suspending an already suspended
// account is a no-op.
func (m *Machine) Suspend(reason, actor string, at time.Time) Transition {
	m.gate.Lock()
	defer m.gate.Unlock()

	if m.mode == ModeSuspended {
		return Transition{Account: m.account, From: m.mode, To: m.mode, Actor: actor, Reason: reason, Generation: m.generation, At: at}
	}
	t, _ := m.commitLocked(ModeSuspended, actor, reason, at, false)
	return t
}

// ClearSuspension moves SUSPENDED→PAPER. The credential must verify against
// the privileged factor, and precheck (if set) must pass while the gate is
// held.
func (m *Machine) ClearSuspension(operator, credential string, at time.Time, precheck func() error) (Transition, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	if m.mode != ModeSuspended {
		return Transition{}, fmt.Errorf("%w: %s → %s via clear", ErrInvalidTransition, m.mode, ModePaper)
	}
	if operator == "" || m.privileged == nil {
		return Transition{}, m.failClearLocked(operator, at, ErrAuthFailed)
	}
	if err := m.privileged.Verify(operator, credential, at); err != nil {
		return Transition{}, m.failClearLocked(operator, at, err)
	}
	if precheck != nil {
		if err := precheck(); err != nil {
			return Transition{}, m.failClearLocked(operator, at, err)
		}
	}
	return m.commitLocked(ModePaper, operator, "suspension_cleared", at, true)
}

func (m *Machine) failClearLocked(operator string, at time.Time, cause error) error {
	if err := m.events.Append(Event{
		Timestamp: at, Type: EventClearFailed, Account: m.account,
		Actor: operator, Reason: cause.Error(), Generation: m.generation,
	}); err != nil {
		m.logger.Error("failed to persist failed clear", zap.Error(err))
	}
	m.logger.Warn("clear suspension refused", zap.String("operator", operator), zap.Error(cause))
	return fmt.Errorf("clear suspension by %q: %w", operator, cause)
}

// Downgrade moves LIVE→PAPER immediately. It is a no-op in PAPER and refused
// in SUSPENDED, which only ClearSuspension can leave.
func (m *Machine) Downgrade(actor string, at time.Time) (Transition, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	switch m.mode {
	case ModePaper:
		return Transition{Account: m.account, From: ModePaper, To: ModePaper, Actor: actor, Generation: m.generation, At: at}, nil
	case ModeSuspended:
		return Transition{}, fmt.Errorf("%w: %s → %s via downgrade", ErrInvalidTransition, m.mode, ModePaper)
	}
	t, _ := m.commitLocked(ModePaper, actor, "downgrade", at, false)
	return t, nil
}

// commitLocked persists and applies a transition. When strict, a persist
// failure aborts the transition; risk-reducing transitions apply regardless.
func (m *Machine) commitLocked(to Mode, actor, reason string, at time.Time, strict bool) (Transition, error) {
	t := Transition{
		Account:    m.account,
		From:       m.mode,
		To:         to,
		Actor:      actor,
		Reason:     reason,
		Generation: m.generation + 1,
		At:         at,
	}
	err := m.events.Append(Event{
		Timestamp: at, Type: EventTransition, Account: m.account,
		From: t.From, To: t.To, Actor: actor, Reason: reason, Generation: t.Generation,
	})
	if err != nil {
		m.logger.Error("failed to persist transition", zap.Error(err), zap.String("to", string(to)))
		if strict {
			return Transition{}, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}

	m.mode = to
	m.generation = t.Generation
	m.enteredAt = at
	if to == ModeSuspended {
		m.suspendReason = reason
	} else {
		m.suspendReason = ""
	}

	m.logger.Info("mode transition",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Uint64("generation", t.Generation))
	observ.IncCounter("mode_transitions_total", map[string]string{
		"from": string(t.From),
		"to":   string(t.To),
	})
	observ.SetGauge("account_mode", modeGauge(to), map[string]string{"account": m.account})

	for _, fn := range m.listeners {
		fn(t)
	}
	return t, nil
}

func modeGauge(m Mode) float64 {
	switch m {
	case ModePaper:
		return 0
	case ModeLive:
		return 1
	default:
		return 2
	}
}
