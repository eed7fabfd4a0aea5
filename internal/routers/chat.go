package routers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatstream-api/internal/ctx"
	"chatstream-api/internal/inflight"
	"chatstream-api/internal/ledger"
	"chatstream-api/internal/orchestrator"
	"chatstream-api/internal/records"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/sse"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type ChatRouter struct {
	orch         *orchestrator.Orchestrator
	records      *records.Store
	ledger       *ledger.Ledger
	inflight     *inflight.Tracker
	writeTimeout time.Duration
	log          *zap.SugaredLogger
}

type ChatRouterConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Records      *records.Store
	Ledger       *ledger.Ledger
	Inflight     *inflight.Tracker
	// WriteTimeout bounds each event write to a client
	WriteTimeout time.Duration
}

// UserGuard is the pair of middleware that resolves and requires a user
type UserGuard interface {
	ExtractUser(next echo.HandlerFunc) echo.HandlerFunc
	RequireUser(next echo.HandlerFunc) echo.HandlerFunc
}

func RegisterChatRoutes(e *echo.Group, cfg ChatRouterConfig, guard UserGuard, log *zap.SugaredLogger) *ChatRouter {
	cr := &ChatRouter{
		orch:         cfg.Orchestrator,
		records:      cfg.Records,
		ledger:       cfg.Ledger,
		inflight:     cfg.Inflight,
		writeTimeout: cfg.WriteTimeout,
		log:          log,
	}

	v1 := e.Group("/v1", guard.ExtractUser, guard.RequireUser)
	v1.POST("/chat/sessions", cr.CreateSession)
	v1.GET("/chat/sessions", cr.ListSessions)
	v1.GET("/chat/sessions/:session_id/exchanges", cr.ListExchanges)
	v1.POST("/chat/sessions/:session_id/stream", cr.Stream)
	v1.DELETE("/chat/exchanges/:exchange_id", cr.DeleteExchange)
	v1.GET("/balance", cr.Balance)
	v1.GET("/usage", cr.Usage)
	return cr
}

func (cr *ChatRouter) CreateSession(cc echo.Context) error {
	c := cc.(*ctx.Context)
	session, err := cr.records.CreateSession(c.Request().Context(), c.User.UserID)
	if err != nil {
		return writeError(c, err)
	}
	c.LogValues.SessionID = session.ID
	return c.JSON(http.StatusCreated, session)
}

func (cr *ChatRouter) ListSessions(cc echo.Context) error {
	c := cc.(*ctx.Context)
	sessions, err := cr.records.ListSessions(c.Request().Context(), c.User.UserID, queryLimit(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": sessions})
}

func (cr *ChatRouter) ListExchanges(cc echo.Context) error {
	c := cc.(*ctx.Context)
	sessionID := c.Param("session_id")
	c.LogValues.SessionID = sessionID

	// ownership check, so another user's session reads as missing
	if _, err := cr.records.GetSession(c.Request().Context(), c.User.UserID, sessionID); err != nil {
		return writeError(c, err)
	}
	exchanges, err := cr.records.ListExchanges(c.Request().Context(), c.User.UserID, sessionID, queryLimit(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": exchanges})
}

func (cr *ChatRouter) DeleteExchange(cc echo.Context) error {
	c := cc.(*ctx.Context)
	exchangeID := c.Param("exchange_id")
	c.LogValues.ExchangeID = exchangeID
	if err := cr.records.DeleteExchange(c.Request().Context(), c.User.UserID, exchangeID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (cr *ChatRouter) Balance(cc echo.Context) error {
	c := cc.(*ctx.Context)
	balance, err := cr.ledger.Balance(c.Request().Context(), c.User.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"user_id": c.User.UserID, "balance": balance})
}

func (cr *ChatRouter) Usage(cc echo.Context) error {
	c := cc.(*ctx.Context)
	usage, err := cr.ledger.UsageHistory(c.Request().Context(), c.User.UserID, queryLimit(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": usage})
}

// Stream answers with JSON when the request is rejected up front, and with
// an event stream otherwise
func (cr *ChatRouter) Stream(cc echo.Context) error {
	c := cc.(*ctx.Context)
	sessionID := c.Param("session_id")
	c.LogValues.SessionID = sessionID

	body, err := readRequestBody(c)
	if err != nil {
		return writeError(c, shared.ErrInvalidRequest)
	}
	var req orchestrator.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return writeError(c, errors.Join(shared.ErrInvalidRequest, err))
	}
	req.UserID = c.User.UserID
	req.SessionID = sessionID
	req.RequestID = c.Reqid
	c.LogValues.Model = req.Model

	if !cr.inflight.Add(req.UserID) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "server is shutting down"})
	}
	defer cr.inflight.Done(req.UserID)

	sink := sse.NewStream(c.Response(), cr.writeTimeout)
	res, err := cr.orch.Run(c.Request().Context(), &req, sink)
	if err != nil {
		return writeError(c, err)
	}

	c.LogValues.ExchangeID = res.ExchangeID
	c.LogValues.Status = string(res.Status)
	c.LogValues.TokensUsed = res.TokensUsed
	c.LogValues.Chunks = res.Chunks
	c.LogValues.AddError(res.Err)
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, shared.ErrClientDisconnected):
		c.LogValues.LogLevel = "WARN"
	default:
		c.LogValues.LogLevel = "ERROR"
	}
	return nil
}
