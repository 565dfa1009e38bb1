package dashboard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// Permissions an operator can hold.
const (
	PermissionView            = "view"
	PermissionModeChange      = "mode_change"
	PermissionKillSwitch      = "kill_switch"
	PermissionClearSuspension = "clear_suspension"
	PermissionSetLimits       = "set_limits"
	PermissionTrade           = "trade"
)

// Request headers carrying the operator's signature.
const (
	HeaderOperator  = "X-Mlstock-Operator"
	HeaderTimestamp = "X-Mlstock-Timestamp"
	HeaderSignature = "X-Mlstock-Signature"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Operator is one API principal.
type Operator struct {
	Secret      string
	Permissions []string
}

// Authorizer verifies signed requests and operator permissions.
type Authorizer struct {
	operators map[string]Operator
	window    time.Duration
	audit     *AuditLog
	nonces    *nonceCache
	now       func() time.Time
}

func NewAuthorizer(operators map[string]Operator, window time.Duration, audit *AuditLog) *Authorizer {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Authorizer{operators: operators, window: window, audit: audit, nonces: newNonceCache(window), now: time.Now}
}

// Sign computes the signature header value for a request. Clients and tests
// use it to build requests.
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s:%s:", timestamp, method, path)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// Authenticate checks the timestamp window and the HMAC signature, and
// returns the operator name. A signed command (anything but GET and HEAD) is
// accepted once; its replay is refused.
func (a *Authorizer) Authenticate(operator, timestamp, signature, method, path string, body []byte) (string, error) {
	op, ok := a.operators[operator]
	if !ok || op.Secret == "" {
		a.securityEvent("unknown_operator", operator, nil)
		return "", fmt.Errorf("%w: unknown operator %q", ErrUnauthenticated, operator)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid timestamp: %v", ErrUnauthenticated, err)
	}
	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.window {
		a.securityEvent("stale_timestamp", operator, map[string]any{"skew_seconds": int(skew.Seconds())})
		return "", fmt.Errorf("%w: request timestamp outside window", ErrUnauthenticated)
	}
	expected := Sign(op.Secret, timestamp, method, path, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		a.securityEvent("invalid_signature", operator, map[string]any{"path": path})
		return "", fmt.Errorf("%w: invalid signature", ErrUnauthenticated)
	}
	if method != http.MethodGet && method != http.MethodHead {
		if !a.nonces.first(operator+"|"+timestamp+"|"+signature, a.now()) {
			a.securityEvent("replayed_request", operator, map[string]any{"path": path})
			return "", fmt.Errorf("%w: replayed request", ErrUnauthenticated)
		}
	}
	return operator, nil
}

// Authorize checks that operator holds permission.
func (a *Authorizer) Authorize(operator, permission, correlationID string) error {
	op := a.operators[operator]
	for _, p := range op.Permissions {
		if p == permission || p == "*" {
			observ.IncCounter("rbac_authorizations_total", map[string]string{"action": permission, "outcome": OutcomeSuccess})
			return nil
		}
	}
	observ.IncCounter("rbac_authorizations_total", map[string]string{"action": permission, "outcome": OutcomeDenied})
	a.record(AuditEntry{
		Operator:      operator,
		Action:        permission,
		Outcome:       OutcomeDenied,
		Details:       map[string]any{"reason": "insufficient_permissions", "permissions": op.Permissions},
		CorrelationID: correlationID,
	})
	return fmt.Errorf("%w: %s lacks permission %s", ErrForbidden, operator, permission)
}

func (a *Authorizer) securityEvent(kind, operator string, details map[string]any) {
	observ.IncCounter("security_events_total", map[string]string{"event_type": kind})
	a.record(AuditEntry{Operator: operator, Action: "security_event", Outcome: kind, Details: details})
}

func (a *Authorizer) record(e AuditEntry) {
	if a.audit == nil {
		return
	}
	e.Timestamp = a.now().UTC()
	_ = a.audit.Append(e)
}
