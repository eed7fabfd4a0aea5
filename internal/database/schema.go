package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var Schema string

// Statements splits a sql script on semicolons, dropping comment lines
func Statements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		lines := strings.Split(stmt, "\n")
		var cleanLines []string
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "--") && trimmed != "" {
				cleanLines = append(cleanLines, line)
			}
		}
		stmt = strings.TrimSpace(strings.Join(cleanLines, "\n"))
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// EnsureTables creates every table of the embedded schema that does not exist yet
func EnsureTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Statements(Schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed executing schema statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
