// Package routers binds the chat services to echo routes
package routers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"chatstream-api/internal/ctx"
	"chatstream-api/internal/shared"
)

func readRequestBody(c *ctx.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("Failed to read request body", "error", err.Error())
		return nil, err
	}
	return body, nil
}

// writeError answers with the RequestError in err, or a generic 500
func writeError(c *ctx.Context, err error) error {
	c.LogValues.AddError(err)
	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode, map[string]string{"error": rerr.Err.Error()})
	}
	c.LogValues.LogLevel = "ERROR"
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": shared.ErrInternalServerError.Err.Error()})
}

// queryLimit reads ?limit=, leaving range checks to the store
func queryLimit(c *ctx.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil {
		return 0
	}
	return n
}
