// Package middleware holds the echo middleware shared by every route
package middleware

import (
	"fmt"
	"time"

	"chatstream-api/internal/ctx"
	"chatstream-api/internal/metrics"
	"chatstream-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewTrackMiddleware wraps every request in a ctx.Context and emits one
// end_of_request line when it finishes
func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate(shared.IDAlphabet, 28)
			reqID = "req_" + reqID
			externalID := c.Request().Header.Get("X-Request-Id")
			logger := log.With("request_id", reqID)
			if externalID != "" {
				logger = logger.With("external_id", externalID)
			}

			start := time.Now()
			cc := &ctx.Context{
				Context: c,
				Log:     logger,
				Reqid:   reqID,
				LogValues: &ctx.ContextLogValues{
					RequestID:  reqID,
					ExternalID: externalID,
					StartTime:  start,
					Path:       c.Path(),
				},
			}
			err := next(cc)
			if err != nil {
				cc.LogValues.AddError(err)
				c.Error(err)
			}
			cc.LogValues.RequestDuration = time.Since(start)
			cc.LogValues.StatusCode = cc.Response().Status
			log.Desugar().Log(cc.LogValues.Level(), "end_of_request", zap.Object("request", cc.LogValues))
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return nil
		}
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.String(500, shared.ErrInternalServerError.Err.Error())
		},
	})
}
