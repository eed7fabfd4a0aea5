package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"chatstream-api/internal/database"
	"chatstream-api/internal/shared"

	_ "github.com/go-sql-driver/mysql"
)

func main() {
	// Get DSN from environment
	DSN, err := shared.SafeEnv("DSN")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: DSN environment variable is required: %v\n", err)
		os.Exit(1)
	}

	// Embedded schema unless a migration file is given
	script := database.Schema
	if len(os.Args) > 1 {
		raw, err := os.ReadFile(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading migration file %s: %v\n", os.Args[1], err)
			os.Exit(1)
		}
		script = string(raw)
	}

	db, err := sql.Open("mysql", DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultHTTPTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging database: %v\n", err)
		os.Exit(1)
	}

	for _, stmt := range database.Statements(script) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			fmt.Fprintf(os.Stderr, "Error executing statement: %v\n", err)
			fmt.Fprintf(os.Stderr, "Statement: %s\n", stmt)
			os.Exit(1)
		}
	}

	fmt.Println("Migration completed successfully!")
}
