package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatstream-api/internal/ctx"
	"chatstream-api/internal/testutil/dbtest"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var validKey = strings.Repeat("k", 32)

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.SeedUser(t, db, 9, 100)
	dbtest.ExecAll(t, db, []dbtest.ParameterizedSQL{{
		SQL:    "INSERT INTO api_key (id, user_id) VALUES (?, ?)",
		Params: []any{validKey, 9},
	}})

	log := zap.NewNop().Sugar()
	umw := NewUserMiddleware(nil, db, log)

	e := echo.New()
	e.Use(NewRecoverMiddleware(log))
	e.Use(NewTrackMiddleware(log))
	e.GET("/me", func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		assert.NotEmpty(t, c.Reqid)
		assert.Equal(t, uint64(9), c.LogValues.UserID)
		return c.JSON(200, c.User)
	}, umw.ExtractUser, umw.RequireUser)
	e.GET("/panic", func(echo.Context) error {
		panic("boom")
	})
	return e
}

func TestRequireUser(t *testing.T) {
	e := newServer(t)
	tests := []struct {
		name   string
		header string
		code   int
		body   string
	}{
		{"valid key", "Bearer " + validKey, 200, `"email":"user@example.com"`},
		{"missing header", "", 401, "missing authorization header"},
		{"wrong scheme", "Basic " + validKey, 401, "invalid authentication format"},
		{"short key", "Bearer abc", 401, "invalid API key length"},
		{"unknown key", "Bearer " + strings.Repeat("x", 32), 401, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	e := newServer(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, 500, rec.Code)
	assert.Equal(t, "internal server error", rec.Body.String())
}
