// Package database defines the insertions and transactions to the database
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatstream-api/internal/shared"
)

// ErrNoTransition is returned when a conditional status update matched no row,
// meaning another path already moved the exchange on.
var ErrNoTransition = errors.New("exchange not in expected status")

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Execute all functions in the transaction
	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	// Commit the transaction if all functions succeeded
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ChargeUser decrements the user's balance by tokens and returns the balance
// before and after as seen inside tx. The decrement is a single atomic UPDATE,
// so it takes the row lock before the balance is read back and concurrent
// charges for the same user serialize. The balance may go negative.
func ChargeUser(ctx context.Context, tx *sql.Tx, userID uint64, tokens int64) (before int64, after int64, err error) {
	if tokens != 0 {
		_, err = tx.ExecContext(ctx, "UPDATE user SET token_balance = token_balance - ? WHERE id = ?", tokens, userID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to update user balance: %w", err)
		}
	}
	err = tx.QueryRowContext(ctx, "SELECT token_balance FROM user WHERE id = ?", userID).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, shared.ErrUserNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read user balance: %w", err)
	}
	return after + tokens, after, nil
}

// InsertUsageRecord appends a ledger entry. exchange_id is unique, so a second
// settlement for the same exchange fails here even if the status gate was skipped.
func InsertUsageRecord(ctx context.Context, tx *sql.Tx, rec *shared.UsageRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_record (
			id, user_id, exchange_id, tokens, input_tokens, output_tokens,
			balance_before, balance_after, data_source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ExchangeID, rec.Tokens, rec.InputTokens, rec.OutputTokens,
		rec.BalanceBefore, rec.BalanceAfter, string(rec.DataSource), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

type FinalizeExchange struct {
	ExchangeID      string
	Status          shared.ExchangeStatus
	AIResponse      string
	PartialResponse string
	TokensUsed      int64
	InputTokens     int64
	OutputTokens    int64
	UpdatedAt       int64
}

// FinalizeExchangeTx moves a streaming exchange to its terminal status and
// writes its token fields. Returns ErrNoTransition if the exchange is no
// longer streaming.
func FinalizeExchangeTx(ctx context.Context, tx *sql.Tx, f *FinalizeExchange) error {
	if !f.Status.Terminal() {
		return fmt.Errorf("status %q is not terminal", f.Status)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE chat_exchange SET
			status = ?, ai_response = ?, partial_response = ?,
			tokens_used = ?, input_tokens = ?, output_tokens = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(f.Status), f.AIResponse, f.PartialResponse,
		f.TokensUsed, f.InputTokens, f.OutputTokens, f.UpdatedAt,
		f.ExchangeID, string(shared.StatusStreaming),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize exchange: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNoTransition
	}
	return nil
}
