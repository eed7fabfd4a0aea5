// Package ctx
package ctx

import (
	"fmt"
	"time"

	"chatstream-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	ExternalID      string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in user middleware
	UserID uint64

	// Added by the chat routes
	SessionID  string
	ExchangeID string
	Model      string
	Status     string
	TokensUsed int64
	Chunks     int

	// Override log Log Level
	// useful for streaming where status code is sent before errors from
	// mid-stream or settlement occur
	LogLevel string

	// Added dynamically
	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the request
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UserID != 0 {
		enc.AddUint64("user_id", c.UserID)
	}
	if c.SessionID != "" {
		enc.AddString("session_id", c.SessionID)
	}
	if c.ExchangeID != "" {
		enc.AddString("exchange_id", c.ExchangeID)
		enc.AddString("model", c.Model)
		enc.AddString("exchange_status", c.Status)
		enc.AddInt64("tokens_used", c.TokensUsed)
		enc.AddInt("chunks", c.Chunks)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddString("external_id", c.ExternalID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	return nil
}

// Level picks the end_of_request log level from the override or the status
// code
func (c *ContextLogValues) Level() zapcore.Level {
	if c.LogLevel != "" {
		if lvl, err := zapcore.ParseLevel(c.LogLevel); err == nil {
			return lvl
		}
	}
	switch {
	case c.StatusCode >= 500:
		return zapcore.ErrorLevel
	case c.StatusCode >= 400 || c.Error != nil:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	User      *shared.UserMetadata
	LogValues *ContextLogValues
}
