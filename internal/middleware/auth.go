package middleware

import (
	"database/sql"
	"errors"

	"chatstream-api/internal/ctx"
	"chatstream-api/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UserMiddleware resolves the API key on a request to a user. The lookup is
// cached in redis when a client is configured.
type UserMiddleware struct {
	redis *redis.Client
	rdb   *sql.DB
	log   *zap.SugaredLogger
}

func NewUserMiddleware(redisClient *redis.Client, rdb *sql.DB, log *zap.SugaredLogger) *UserMiddleware {
	return &UserMiddleware{redis: redisClient, rdb: rdb, log: log}
}

func (u *UserMiddleware) ExtractUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.User = nil

		apiKey, err := shared.ExtractAPIKey(c)
		if err != nil {
			c.LogValues.AddError(err)
			return next(c)
		}
		user, err := u.getUserMetadataFromKey(c.Request().Context(), apiKey)
		if err != nil {
			c.LogValues.AddError(err)
			return next(c)
		}
		c.User = user
		c.Log = c.Log.With("user_id", c.User.UserID)
		c.LogValues.UserID = c.User.UserID
		return next(c)
	}
}

func (u *UserMiddleware) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			var rerr *shared.RequestError
			if errors.As(c.LogValues.Error, &rerr) && rerr.StatusCode == 401 {
				return c.JSON(401, map[string]string{"error": rerr.Err.Error()})
			}
			return c.JSON(401, map[string]string{"error": shared.ErrUnauthorized.Err.Error()})
		}
		return next(c)
	}
}
