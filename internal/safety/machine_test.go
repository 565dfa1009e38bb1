package safety

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret   = "JBSWY3DPEHPK3PXP"
	testPassword = "break-glass-7731"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func code(t *testing.T, at time.Time) string {
	c, err := totp.GenerateCode(testSecret, at)
	require.NoError(t, err)
	return c
}

func newTestMachine(t *testing.T, log *EventLog) *Machine {
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	m, err := NewMachine("acct-1",
		Config{MaxLiveAttempts: 3, LiveCooldown: time.Minute, Lockout: 30 * time.Minute},
		NewTOTPVerifier(map[string]string{"alice": testSecret}),
		NewBcryptVerifier(map[string]string{"bob": string(hash), "alice": string(hash)}),
		log, nil)
	require.NoError(t, err)
	return m
}

func TestMachine_PaperToLive(t *testing.T) {
	m := newTestMachine(t, nil)
	mode, gen := m.Current()
	assert.Equal(t, ModePaper, mode)

	tr, err := m.RequestLive("alice", code(t, t0), t0)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, tr.To)
	assert.Equal(t, gen+1, tr.Generation)

	_, err = m.RequestLive("alice", code(t, t0), t0)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "already LIVE")

	tr, err = m.Downgrade("ops", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ModePaper, tr.To)

	_, err = m.RequestLive("alice", code(t, t0), t0.Add(2*time.Second))
	assert.True(t, errors.Is(err, ErrCodeReused))
}

func TestMachine_SuspendedNeverGoesLive(t *testing.T) {
	m := newTestMachine(t, nil)
	m.Suspend("kill_switch", "ops", t0)

	for i := 0; i < 10; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		_, err := m.RequestLive("alice", code(t, at), at)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		mode, _ := m.Current()
		assert.Equal(t, ModeSuspended, mode)
	}

	_, err := m.Downgrade("ops", t0)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	again := m.Suspend("drawdown", "ledger", t0)
	assert.False(t, again.Changed())
}

func TestMachine_AttemptCooldownAndLockout(t *testing.T) {
	m := newTestMachine(t, nil)

	_, err := m.RequestLive("alice", "000000", t0)
	assert.True(t, errors.Is(err, ErrAuthFailed))

	_, err = m.RequestLive("alice", code(t, t0.Add(10*time.Second)), t0.Add(10*time.Second))
	assert.True(t, errors.Is(err, ErrCooldownActive))

	_, err = m.RequestLive("alice", "000000", t0.Add(61*time.Second))
	assert.True(t, errors.Is(err, ErrAuthFailed))
	_, err = m.RequestLive("alice", "000000", t0.Add(122*time.Second))
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.Equal(t, 3, m.Status().FailedAttempts)

	at := t0.Add(183 * time.Second)
	_, err = m.RequestLive("alice", code(t, at), at)
	assert.True(t, errors.Is(err, ErrLockedOut))

	at = t0.Add(33 * time.Minute)
	tr, err := m.RequestLive("alice", code(t, at), at)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, tr.To)
	assert.Equal(t, 0, m.Status().FailedAttempts)
}

func TestMachine_UnknownOperator(t *testing.T) {
	m := newTestMachine(t, nil)
	_, err := m.RequestLive("mallory", code(t, t0), t0)
	assert.True(t, errors.Is(err, ErrUnknownOperator))
	mode, _ := m.Current()
	assert.Equal(t, ModePaper, mode)
}

func TestMachine_ClearSuspensionNeedsPrivilegedFactor(t *testing.T) {
	m := newTestMachine(t, nil)
	m.Suspend("drawdown", "ledger", t0)

	_, err := m.ClearSuspension("alice", code(t, t0), t0, nil)
	assert.True(t, errors.Is(err, ErrAuthFailed), "one-time code is not the privileged credential")

	blocked := errors.New("loss limit still breached")
	_, err = m.ClearSuspension("bob", testPassword, t0, func() error { return blocked })
	assert.True(t, errors.Is(err, blocked))
	mode, _ := m.Current()
	assert.Equal(t, ModeSuspended, mode)

	tr, err := m.ClearSuspension("bob", testPassword, t0, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, ModePaper, tr.To, "clearing lands in PAPER, never LIVE")
}

func TestCheckDistinctFactors(t *testing.T) {
	shared, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)
	assert.ErrorIs(t, CheckDistinctFactors(testSecret, string(shared)), ErrSharedFactor)

	distinct, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, CheckDistinctFactors(testSecret, string(distinct)))
}

func TestMachine_TransitionWaitsForAdmission(t *testing.T) {
	m := newTestMachine(t, nil)
	adm := m.Admit()
	assert.Equal(t, ModePaper, adm.Mode)

	done := make(chan Transition)
	go func() { done <- m.Suspend("kill_switch", "ops", t0) }()

	select {
	case <-done:
		t.Fatal("suspend committed while an evaluation held the mode")
	case <-time.After(50 * time.Millisecond):
	}

	adm.Release()
	adm.Release()
	tr := <-done
	assert.Equal(t, ModeSuspended, tr.To)
	assert.Greater(t, tr.Generation, adm.Generation)
}

func TestMachine_OnTransition(t *testing.T) {
	m := newTestMachine(t, nil)
	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	m.Suspend("kill_switch", "ops", t0)
	m.Suspend("kill_switch", "ops", t0)
	require.Len(t, seen, 1)
	assert.Equal(t, "kill_switch", seen[0].Reason)
}

func TestMachine_RestoreFromEventLog(t *testing.T) {
	log := NewEventLog(filepath.Join(t.TempDir(), "safety.jsonl"))

	m := newTestMachine(t, log)
	_, err := m.RequestLive("alice", code(t, t0), t0)
	require.NoError(t, err)

	restored := newTestMachine(t, log)
	mode, gen := restored.Current()
	assert.Equal(t, ModePaper, mode, "LIVE is never resumed after restart")
	assert.Greater(t, gen, uint64(1))

	restored.Suspend("kill_switch", "ops", t0.Add(time.Minute))
	again := newTestMachine(t, log)
	st := again.Status()
	assert.Equal(t, ModeSuspended, st.Mode)
	assert.Equal(t, "kill_switch", st.SuspendReason)
}

func TestMachine_FailedAttemptsSurviveRestart(t *testing.T) {
	log := NewEventLog(filepath.Join(t.TempDir(), "safety.jsonl"))
	m := newTestMachine(t, log)
	_, err := m.RequestLive("alice", "000000", t0)
	require.Error(t, err)

	restored := newTestMachine(t, log)
	at := t0.Add(5 * time.Second)
	_, err = restored.RequestLive("alice", code(t, at), at)
	assert.True(t, errors.Is(err, ErrCooldownActive))
}
