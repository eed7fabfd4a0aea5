// Package records persists chat sessions and the exchanges inside them
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatstream-api/internal/database"
	"chatstream-api/internal/shared"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when an exchange is not in the status a
// transition expects. Status only ever moves forward.
var ErrInvalidTransition = errors.New("invalid exchange status transition")

var ErrStaleAgeTooShort = errors.New("stale exchange age too short")

type Store struct {
	wdb *sql.DB
	rdb *sql.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func New(wdb, rdb *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{wdb: wdb, rdb: rdb, log: log, now: time.Now}
}

func (s *Store) CreateSession(ctx context.Context, userID uint64) (*shared.Session, error) {
	id, err := shared.NewID("ses")
	if err != nil {
		return nil, err
	}
	session := &shared.Session{ID: id, UserID: userID, CreatedAt: s.now().UnixMilli()}
	_, err = s.wdb.ExecContext(ctx, `
		INSERT INTO chat_session (id, user_id, title, title_set, message_count, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, "", false, 0, 0, session.CreatedAt,
	)
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed inserting session: %w", err))
	}
	return session, nil
}

const sessionColumns = "id, user_id, title, title_set, message_count, last_message_at, created_at"

func scanSession(row interface{ Scan(...any) error }) (*shared.Session, error) {
	var ses shared.Session
	err := row.Scan(&ses.ID, &ses.UserID, &ses.Title, &ses.TitleSet, &ses.MessageCount, &ses.LastMessageAt, &ses.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ses, nil
}

// GetSession loads a session owned by userID. Sessions of other users are
// reported as not found.
func (s *Store) GetSession(ctx context.Context, userID uint64, sessionID string) (*shared.Session, error) {
	row := s.rdb.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM chat_session WHERE id = ? AND user_id = ?", sessionID, userID)
	ses, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed reading session: %w", err))
	}
	return ses, nil
}

func (s *Store) ListSessions(ctx context.Context, userID uint64, limit int) ([]shared.Session, error) {
	rows, err := s.rdb.QueryContext(ctx, "SELECT "+sessionColumns+`
		FROM chat_session
		WHERE user_id = ?
		ORDER BY last_message_at DESC, created_at DESC
		LIMIT ?`, userID, clampLimit(limit))
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed querying sessions: %w", err))
	}
	defer rows.Close()

	sessions := []shared.Session{}
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, utils.Wrap("failed scanning session", err)
		}
		sessions = append(sessions, *ses)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("failed iterating sessions", err)
	}
	return sessions, nil
}

type NewExchange struct {
	UserID         uint64
	SessionID      string
	Model          string
	UserMessage    string
	BalanceAtStart int64
}

// CreatePending inserts a pending exchange and bumps the session counters
// in the same transaction.
func (s *Store) CreatePending(ctx context.Context, in *NewExchange) (*shared.ChatExchange, error) {
	id, err := shared.NewID("exc")
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	exc := &shared.ChatExchange{
		ID:             id,
		UserID:         in.UserID,
		SessionID:      in.SessionID,
		Model:          in.Model,
		UserMessage:    in.UserMessage,
		BalanceAtStart: in.BalanceAtStart,
		Status:         shared.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = database.ExecuteTransaction(ctx, s.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE chat_session
				SET message_count = message_count + 1, last_message_at = ?
				WHERE id = ? AND user_id = ?`,
				now, in.SessionID, in.UserID,
			)
			if err != nil {
				return fmt.Errorf("failed bumping session counters: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				return shared.ErrSessionNotFound
			}
			return nil
		},
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chat_exchange (
					id, user_id, session_id, model, user_message,
					balance_at_start, status, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				exc.ID, exc.UserID, exc.SessionID, exc.Model, exc.UserMessage,
				exc.BalanceAtStart, string(exc.Status), exc.CreatedAt, exc.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed inserting exchange: %w", err)
			}
			return nil
		},
	})
	if errors.Is(err, shared.ErrSessionNotFound) {
		return nil, shared.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, err)
	}
	return exc, nil
}

// Fields are optional columns written alongside a status transition
type Fields struct {
	AIResponse      *string
	PartialResponse *string
}

// TransitionTo moves an exchange from one status to the next. The update is
// conditional on the current status, so racing callers cannot both win and
// no exchange ever moves backwards.
func (s *Store) TransitionTo(ctx context.Context, exchangeID string, from, to shared.ExchangeStatus, fields *Fields) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), s.now().UnixMilli()}
	if fields != nil {
		if fields.AIResponse != nil {
			sets = append(sets, "ai_response = ?")
			args = append(args, *fields.AIResponse)
		}
		if fields.PartialResponse != nil {
			sets = append(sets, "partial_response = ?")
			args = append(args, *fields.PartialResponse)
		}
	}
	args = append(args, exchangeID, string(from))

	res, err := s.wdb.ExecContext(ctx,
		"UPDATE chat_exchange SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?",
		args...,
	)
	if err != nil {
		return errors.Join(shared.ErrPersistence, fmt.Errorf("failed updating exchange status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Join(shared.ErrPersistence, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, exchangeID, from)
	}
	return nil
}

const exchangeColumns = `id, user_id, session_id, model, user_message, ai_response, partial_response,
	tokens_used, input_tokens, output_tokens, balance_at_start, status, created_at, updated_at`

func scanExchange(row interface{ Scan(...any) error }) (*shared.ChatExchange, error) {
	var exc shared.ChatExchange
	var ai, partial sql.NullString
	var status string
	err := row.Scan(&exc.ID, &exc.UserID, &exc.SessionID, &exc.Model, &exc.UserMessage, &ai, &partial,
		&exc.TokensUsed, &exc.InputTokens, &exc.OutputTokens, &exc.BalanceAtStart, &status,
		&exc.CreatedAt, &exc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exc.AIResponse = ai.String
	exc.PartialResponse = partial.String
	exc.Status = shared.ExchangeStatus(status)
	return &exc, nil
}

func (s *Store) GetExchange(ctx context.Context, userID uint64, exchangeID string) (*shared.ChatExchange, error) {
	row := s.rdb.QueryRowContext(ctx, "SELECT "+exchangeColumns+" FROM chat_exchange WHERE id = ? AND user_id = ?", exchangeID, userID)
	exc, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrExchangeNotFound
	}
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed reading exchange: %w", err))
	}
	return exc, nil
}

// ListExchanges returns a session's exchanges oldest first
func (s *Store) ListExchanges(ctx context.Context, userID uint64, sessionID string, limit int) ([]shared.ChatExchange, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.rdb.QueryContext(ctx, "SELECT "+exchangeColumns+`
		FROM chat_exchange
		WHERE session_id = ? AND user_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, sessionID, userID, clampLimit(limit))
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed querying exchanges: %w", err))
	}
	defer rows.Close()

	exchanges := []shared.ChatExchange{}
	for rows.Next() {
		exc, err := scanExchange(rows)
		if err != nil {
			return nil, utils.Wrap("failed scanning exchange", err)
		}
		exchanges = append(exchanges, *exc)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("failed iterating exchanges", err)
	}
	return exchanges, nil
}

// RecentCompleted returns up to n completed exchanges of a session in
// chronological order, for use as conversation context.
func (s *Store) RecentCompleted(ctx context.Context, sessionID string, n int) ([]shared.ChatExchange, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.rdb.QueryContext(ctx, "SELECT "+exchangeColumns+`
		FROM chat_exchange
		WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, string(shared.StatusCompleted), n)
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed querying history: %w", err))
	}
	defer rows.Close()

	var history []shared.ChatExchange
	for rows.Next() {
		exc, err := scanExchange(rows)
		if err != nil {
			return nil, utils.Wrap("failed scanning history", err)
		}
		history = append(history, *exc)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Wrap("failed iterating history", err)
	}
	slices.Reverse(history)
	return history, nil
}

// DeleteExchange removes a finished exchange and decrements its session
// counter in one transaction. Live exchanges cannot be deleted.
func (s *Store) DeleteExchange(ctx context.Context, userID uint64, exchangeID string) error {
	err := database.ExecuteTransaction(ctx, s.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			var sessionID, status string
			err := tx.QueryRowContext(ctx,
				"SELECT session_id, status FROM chat_exchange WHERE id = ? AND user_id = ?",
				exchangeID, userID,
			).Scan(&sessionID, &status)
			if errors.Is(err, sql.ErrNoRows) {
				return shared.ErrExchangeNotFound
			}
			if err != nil {
				return fmt.Errorf("failed reading exchange: %w", err)
			}
			if !shared.ExchangeStatus(status).Terminal() {
				return shared.ErrExchangeBusy
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM chat_exchange WHERE id = ?", exchangeID); err != nil {
				return fmt.Errorf("failed deleting exchange: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE chat_session SET message_count = message_count - 1
				WHERE id = ? AND message_count > 0`, sessionID)
			if err != nil {
				return fmt.Errorf("failed decrementing session counter: %w", err)
			}
			return nil
		},
	})
	switch {
	case errors.Is(err, shared.ErrExchangeNotFound):
		return shared.ErrExchangeNotFound
	case errors.Is(err, shared.ErrExchangeBusy):
		return shared.ErrExchangeBusy
	case err != nil:
		return errors.Join(shared.ErrPersistence, err)
	}
	return nil
}

// SetTitle stores a title only if the session has never had one. It reports
// whether this call set it.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string) (bool, error) {
	res, err := s.wdb.ExecContext(ctx,
		"UPDATE chat_session SET title = ?, title_set = ? WHERE id = ? AND title_set = ?",
		title, true, sessionID, false,
	)
	if err != nil {
		return false, errors.Join(shared.ErrPersistence, fmt.Errorf("failed setting title: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Join(shared.ErrPersistence, err)
	}
	return n == 1, nil
}

// Touch renews the lease of a streaming exchange. Live streams touch well
// inside shared.ExchangeLeaseInterval, so FailStale never sees them.
func (s *Store) Touch(ctx context.Context, exchangeID string) error {
	_, err := s.wdb.ExecContext(ctx,
		"UPDATE chat_exchange SET updated_at = ? WHERE id = ? AND status = ?",
		s.now().UnixMilli(), exchangeID, string(shared.StatusStreaming),
	)
	if err != nil {
		return errors.Join(shared.ErrPersistence, fmt.Errorf("failed renewing exchange lease: %w", err))
	}
	return nil
}

// FailStale moves exchanges abandoned in pending or streaming, for example
// by a crashed process, to error. They are not billed. olderThan must cover
// a few lease renewals or live streams on other processes would be swept.
func (s *Store) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < shared.MinStaleExchangeAge {
		return 0, fmt.Errorf("%w: %s is below %s", ErrStaleAgeTooShort, olderThan, shared.MinStaleExchangeAge)
	}
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.wdb.ExecContext(ctx, `
		UPDATE chat_exchange SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(shared.StatusError), s.now().UnixMilli(),
		string(shared.StatusPending), string(shared.StatusStreaming), cutoff,
	)
	if err != nil {
		return 0, errors.Join(shared.ErrPersistence, fmt.Errorf("failed failing stale exchanges: %w", err))
	}
	return res.RowsAffected()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > shared.MaxListResults {
		return shared.MaxListResults
	}
	return limit
}
