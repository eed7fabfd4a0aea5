// Package shared
package shared

import (
	"fmt"
	"os"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
)

func SafeEnv(env string) (string, error) {
	// Lookup env variable, and panic if not present
	res, present := os.LookupEnv(env)
	if !present {
		return "", fmt.Errorf("missing environment variable %s", env)
	}
	return res, nil
}

func ExtractAPIKey(c echo.Context) (string, error) {
	// Check Authorization header
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	// Validate bearer format
	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrInvalidFormat
	}

	apiKey := parts[1]

	// Validate key length
	if len(apiKey) != APIKeyLength {
		return "", ErrInvalidKeyLen
	}

	return apiKey, nil
}

// NewID returns a prefixed nanoid, e.g. "exc_k3j2..."
func NewID(prefix string) (string, error) {
	id, err := nanoid.Generate(IDAlphabet, 22)
	if err != nil {
		return "", fmt.Errorf("failed generating id: %w", err)
	}
	return prefix + "_" + id, nil
}

// TruncateRunes cuts s to at most n runes
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
