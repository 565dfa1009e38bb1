package dashboard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/orchestrator"
	"github.com/Rajchodisetti/mlstock/internal/safety"
)

// SlashCommand is the form Slack posts for a slash command.
type SlashCommand struct {
	UserID   string
	UserName string
	Command  string
	Text     string
}

type SlashResponse struct {
	ResponseType string `json:"response_type"` // ephemeral or in_channel
	Text         string `json:"text"`
}

// slackVerifier checks Slack request signatures and remembers seen
// signatures for the replay window.
type slackVerifier struct {
	secret string
	window time.Duration
	now    func() time.Time
	nonces *nonceCache
}

func newSlackVerifier(secret string, window time.Duration) *slackVerifier {
	return &slackVerifier{secret: secret, window: window, now: time.Now, nonces: newNonceCache(window)}
}

// SlackSignature computes the X-Slack-Signature value for body.
func SlackSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func (v *slackVerifier) verify(body []byte, signature, timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrUnauthenticated)
	}
	now := v.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return fmt.Errorf("%w: request timestamp outside window", ErrUnauthenticated)
	}
	if !hmac.Equal([]byte(SlackSignature(v.secret, timestamp, body)), []byte(signature)) {
		return fmt.Errorf("%w: invalid signature", ErrUnauthenticated)
	}
	if !v.nonces.first(signature+timestamp, now) {
		return fmt.Errorf("%w: replayed request", ErrUnauthenticated)
	}
	return nil
}

const slackUsage = "usage: status <account> | kill [account] [reason] | paper <account> | live <account> <code> | flatten <account> [symbol]"

// handleSlack serves Slack slash commands. Slack users map to configured
// operators and are held to the same permissions as API callers.
func (s *Server) handleSlack(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if err := s.slack.verify(body, c.GetHeader("X-Slack-Signature"), c.GetHeader("X-Slack-Request-Timestamp")); err != nil {
		observ.IncCounter("slack_commands_total", map[string]string{"command": "unknown", "result": "unauthenticated"})
		s.logger.Warn("slack request rejected", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	cmd := SlashCommand{
		UserID:   form.Get("user_id"),
		UserName: form.Get("user_name"),
		Command:  form.Get("command"),
		Text:     strings.TrimSpace(form.Get("text")),
	}

	correlationID := uuid.NewString()
	c.Header("X-Correlation-ID", correlationID)
	resp := s.runSlash(c, cmd, correlationID)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) runSlash(c *gin.Context, cmd SlashCommand, correlationID string) SlashResponse {
	args := strings.Fields(cmd.Text)
	if len(args) == 0 {
		return ephemeral(slackUsage)
	}
	verb := strings.ToLower(args[0])
	args = args[1:]

	operator, ok := s.cfg.SlackUsers[cmd.UserID]
	if !ok {
		observ.IncCounter("slack_commands_total", map[string]string{"command": verb, "result": "unknown_user"})
		_ = s.audit.Append(AuditEntry{
			Operator:      cmd.UserName,
			Action:        "slack_" + verb,
			Outcome:       OutcomeDenied,
			Details:       map[string]any{"reason": "unmapped_slack_user", "user_id": cmd.UserID},
			RemoteAddr:    c.ClientIP(),
			CorrelationID: correlationID,
		})
		return ephemeral("You are not authorized to operate the engine.")
	}

	var (
		perm    string
		command orchestrator.Command
	)
	switch verb {
	case "status":
		if len(args) < 1 {
			return ephemeral(slackUsage)
		}
		if err := s.auth.Authorize(operator, PermissionView, correlationID); err != nil {
			return ephemeral(err.Error())
		}
		v, err := s.engine.Snapshot(c.Request.Context(), args[0])
		if err != nil {
			return ephemeral(err.Error())
		}
		observ.IncCounter("slack_commands_total", map[string]string{"command": verb, "result": OutcomeSuccess})
		return ephemeral(formatStatus(v))
	case "kill":
		perm = PermissionKillSwitch
		k := orchestrator.KillSwitch{Operator: operator, Reason: "slack_kill_switch"}
		if len(args) > 0 && args[0] != "all" {
			k.Account = args[0]
		}
		if len(args) > 1 {
			k.Reason = strings.Join(args[1:], " ")
		}
		command = k
	case "paper":
		if len(args) < 1 {
			return ephemeral(slackUsage)
		}
		perm = PermissionModeChange
		command = orchestrator.RequestModeChange{Account: args[0], Target: safety.ModePaper, Operator: operator}
	case "live":
		if len(args) < 2 {
			return ephemeral(slackUsage)
		}
		perm = PermissionModeChange
		command = orchestrator.RequestModeChange{Account: args[0], Target: safety.ModeLive, Operator: operator, Code: args[1]}
	case "flatten":
		if len(args) < 1 {
			return ephemeral(slackUsage)
		}
		perm = PermissionTrade
		f := orchestrator.Flatten{Account: args[0], Operator: operator, Ref: correlationID[:8]}
		if len(args) > 1 {
			f.Symbol = args[1]
		}
		command = f
	case "clear":
		return ephemeral("Clearing a suspension needs the privileged credential; use the operator API.")
	default:
		return ephemeral(slackUsage)
	}

	if err := s.auth.Authorize(operator, perm, correlationID); err != nil {
		observ.IncCounter("slack_commands_total", map[string]string{"command": verb, "result": OutcomeDenied})
		return ephemeral(err.Error())
	}
	res := s.engine.Do(c.Request.Context(), command)

	entry := AuditEntry{
		Operator:      operator,
		Action:        orchestrator.CommandName(command),
		Outcome:       OutcomeSuccess,
		Details:       map[string]any{"via": "slack", "slack_user": cmd.UserID},
		RemoteAddr:    c.ClientIP(),
		CorrelationID: correlationID,
	}
	if len(args) > 0 {
		entry.Account = args[0]
	}
	if res.Err != nil {
		entry.Outcome = OutcomeError
		entry.Details["error"] = res.Err.Error()
	}
	if err := s.audit.Append(entry); err != nil {
		s.logger.Error("audit write failed", zap.Error(err))
	}
	observ.IncCounter("slack_commands_total", map[string]string{"command": verb, "result": entry.Outcome})

	if res.Err != nil {
		return ephemeral(fmt.Sprintf("%s failed: %v", verb, res.Err))
	}
	return SlashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("%s by %s: ok", verb, operator)}
}

func ephemeral(text string) SlashResponse {
	return SlashResponse{ResponseType: "ephemeral", Text: text}
}

func formatStatus(v orchestrator.AccountView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* mode=%s", v.Account, v.Safety.Mode)
	if v.Safety.SuspendReason != "" {
		fmt.Fprintf(&b, " (%s)", v.Safety.SuspendReason)
	}
	fmt.Fprintf(&b, "\npnl=%.0f limit=%.0f exposure=%.0f inflight=%d",
		v.Risk.DailyPnL(), v.Risk.MaxDailyLoss, v.Risk.TotalExposure(), v.Inflight)
	syms := make([]string, 0, len(v.Risk.PositionBySymbol))
	for sym := range v.Risk.PositionBySymbol {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		fmt.Fprintf(&b, "\n%s %d", sym, v.Risk.PositionBySymbol[sym])
	}
	return b.String()
}
