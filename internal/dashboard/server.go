package dashboard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/notify"
	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/orchestrator"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
)

const (
	ctxOperator    = "operator"
	ctxCorrelation = "correlation_id"
	maxBodyBytes   = 1 << 20
)

// Engine is the part of the orchestrator the dashboard drives.
type Engine interface {
	Accounts() []string
	Snapshot(ctx context.Context, account string) (orchestrator.AccountView, error)
	Do(ctx context.Context, cmd orchestrator.Command) orchestrator.Result
}

type Config struct {
	Addr           string
	CommandTimeout time.Duration

	// Slash commands are served only with a signing secret. SlackUsers maps
	// Slack user ids to operator names.
	SlackSigningSecret string
	SlackUsers         map[string]string
	SlackWindow        time.Duration
}

// Server is the operator HTTP API.
type Server struct {
	cfg    Config
	engine Engine
	auth   *Authorizer
	audit  *AuditLog
	events *notify.Stream
	logger *zap.Logger
	slack  *slackVerifier
	router *gin.Engine
	http   *http.Server
}

func New(cfg Config, engine Engine, auth *Authorizer, audit *AuditLog, events *notify.Stream, logger *zap.Logger) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		auth:   auth,
		audit:  audit,
		events: events,
		logger: observ.OrNop(logger).Named("dashboard"),
	}
	if cfg.SlackSigningSecret != "" {
		window := cfg.SlackWindow
		if window <= 0 {
			window = 5 * time.Minute
		}
		s.slack = newSlackVerifier(cfg.SlackSigningSecret, window)
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	router.GET("/metrics", gin.WrapH(observ.Handler()))
	if s.slack != nil {
		router.POST("/slack/commands", s.handleSlack)
	}

	v1 := router.Group("/api/v1", s.authMiddleware())
	{
		v1.GET("/accounts", s.require(PermissionView), s.handleAccounts)
		v1.GET("/accounts/:id", s.require(PermissionView), s.handleAccount)
		v1.GET("/audit", s.require(PermissionView), s.handleAudit)
		v1.GET("/events", s.require(PermissionView), s.handleEvents)
		v1.POST("/kill", s.require(PermissionKillSwitch), s.handleKillAll)

		acct := v1.Group("/accounts/:id")
		acct.POST("/mode", s.require(PermissionModeChange), s.handleMode)
		acct.POST("/kill", s.require(PermissionKillSwitch), s.handleKill)
		acct.POST("/clear", s.require(PermissionClearSuspension), s.handleClear)
		acct.PUT("/limits", s.require(PermissionSetLimits), s.handleLimits)
		acct.POST("/actions", s.require(PermissionTrade), s.handleActions)
		acct.POST("/flatten", s.require(PermissionTrade), s.handleFlatten)
	}
	return router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authMiddleware verifies the request signature over the raw body and
// restores the body for the handler.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := uuid.NewString()
		c.Set(ctxCorrelation, correlationID)
		c.Header("X-Correlation-ID", correlationID)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		op, err := s.auth.Authenticate(
			c.GetHeader(HeaderOperator),
			c.GetHeader(HeaderTimestamp),
			c.GetHeader(HeaderSignature),
			c.Request.Method,
			c.Request.URL.Path,
			body)
		if err != nil {
			s.logger.Warn("request rejected", zap.String("path", c.Request.URL.Path), zap.String("remote", c.ClientIP()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxOperator, op)
		c.Next()
	}
}

func (s *Server) require(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.auth.Authorize(c.GetString(ctxOperator), permission, c.GetString(ctxCorrelation)); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) handleAccounts(c *gin.Context) {
	var views []orchestrator.AccountView
	for _, id := range s.engine.Accounts() {
		v, err := s.engine.Snapshot(c.Request.Context(), id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (s *Server) handleAccount(c *gin.Context) {
	v, err := s.engine.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.audit.Recent(limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type modeRequest struct {
	Target safety.Mode `json:"target" binding:"required,oneof=PAPER LIVE SUSPENDED"`
	Code   string      `json:"code"`
}

func (s *Server) handleMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, orchestrator.RequestModeChange{
		Account:  c.Param("id"),
		Target:   req.Target,
		Operator: c.GetString(ctxOperator),
		Code:     req.Code,
	}, map[string]any{"target": req.Target})
}

type killRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKill(c *gin.Context) {
	var req killRequest
	_ = c.ShouldBindJSON(&req)
	s.dispatch(c, orchestrator.KillSwitch{Account: c.Param("id"), Operator: c.GetString(ctxOperator), Reason: req.Reason},
		map[string]any{"reason": req.Reason})
}

func (s *Server) handleKillAll(c *gin.Context) {
	var req killRequest
	_ = c.ShouldBindJSON(&req)
	s.dispatch(c, orchestrator.KillSwitch{Operator: c.GetString(ctxOperator), Reason: req.Reason},
		map[string]any{"reason": req.Reason, "scope": "all"})
}

type clearRequest struct {
	Credential string `json:"credential" binding:"required"`
}

func (s *Server) handleClear(c *gin.Context) {
	var req clearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, orchestrator.ClearSuspension{Account: c.Param("id"), Operator: c.GetString(ctxOperator), Credential: req.Credential}, nil)
}

type limitsRequest struct {
	MaxDailyLoss       float64 `json:"max_daily_loss" binding:"gt=0"`
	MaxSymbolWeight    float64 `json:"max_symbol_weight" binding:"gt=0,lte=1"`
	MinCooldownMs      int64   `json:"min_cooldown_ms" binding:"gte=0"`
	MaxOrdersPerWindow int     `json:"max_orders_per_window" binding:"gte=1"`
	OrderWindowMs      int64   `json:"order_window_ms" binding:"gt=0"`
	MaxSlippageBps     float64 `json:"max_slippage_bps" binding:"gt=0"`
	StopLossPct        float64 `json:"stop_loss_pct" binding:"gte=0,lte=1"`
	MaxOpenPositions   int     `json:"max_open_positions" binding:"gte=0"`
	IntradayDrawdown   float64 `json:"intraday_drawdown_pct" binding:"gte=0,lte=1"`
}

func (r limitsRequest) limits() risk.Limits {
	return risk.Limits{
		MaxDailyLoss:        r.MaxDailyLoss,
		MaxSymbolWeight:     r.MaxSymbolWeight,
		MinCooldown:         time.Duration(r.MinCooldownMs) * time.Millisecond,
		MaxOrdersPerWindow:  r.MaxOrdersPerWindow,
		OrderWindow:         time.Duration(r.OrderWindowMs) * time.Millisecond,
		MaxSlippageBps:      r.MaxSlippageBps,
		StopLossPct:         r.StopLossPct,
		MaxOpenPositions:    r.MaxOpenPositions,
		IntradayDrawdownPct: r.IntradayDrawdown,
	}
}

func (s *Server) handleLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, orchestrator.SetRiskLimits{Account: c.Param("id"), Limits: req.limits(), Operator: c.GetString(ctxOperator)},
		map[string]any{"max_daily_loss": req.MaxDailyLoss, "max_symbol_weight": req.MaxSymbolWeight})
}

type actionsRequest struct {
	Ref     string                  `json:"ref" binding:"required"`
	Actions []decision.PolicyAction `json:"actions" binding:"required,min=1"`
}

func (s *Server) handleActions(c *gin.Context) {
	var req actionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, orchestrator.SubmitActions{Account: c.Param("id"), Actions: req.Actions, Ref: req.Ref, Operator: c.GetString(ctxOperator)},
		map[string]any{"ref": req.Ref, "actions": len(req.Actions)})
}

type flattenRequest struct {
	Symbol string `json:"symbol"`
	Ref    string `json:"ref" binding:"required"`
}

func (s *Server) handleFlatten(c *gin.Context) {
	var req flattenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, orchestrator.Flatten{Account: c.Param("id"), Symbol: req.Symbol, Ref: req.Ref, Operator: c.GetString(ctxOperator)},
		map[string]any{"symbol": req.Symbol, "ref": req.Ref})
}

// dispatch runs cmd on the engine, audits the outcome and writes the reply.
func (s *Server) dispatch(c *gin.Context, cmd orchestrator.Command, details map[string]any) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CommandTimeout)
	defer cancel()
	res := s.engine.Do(ctx, cmd)

	entry := AuditEntry{
		Operator:      c.GetString(ctxOperator),
		Action:        orchestrator.CommandName(cmd),
		Account:       c.Param("id"),
		Outcome:       OutcomeSuccess,
		Details:       details,
		RemoteAddr:    c.ClientIP(),
		CorrelationID: c.GetString(ctxCorrelation),
	}
	if res.Err != nil {
		entry.Outcome = OutcomeError
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["error"] = res.Err.Error()
	}
	if err := s.audit.Append(entry); err != nil {
		s.logger.Error("audit write failed", zap.Error(err))
	}

	if res.Err != nil {
		s.writeError(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, res)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams notification events over a websocket until the
// client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.events.Subscribe(256)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, safety.ErrAuthFailed), errors.Is(err, safety.ErrUnknownOperator), errors.Is(err, safety.ErrCodeReused):
		return http.StatusForbidden
	case errors.Is(err, safety.ErrLockedOut), errors.Is(err, safety.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, safety.ErrInvalidTransition), errors.Is(err, risk.ErrLossLimitBreached), errors.Is(err, orchestrator.ErrNoPosition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadRequest
}
