// Package ledger owns every read and write of a user's token balance
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"chatstream-api/internal/database"
	"chatstream-api/internal/shared"

	"go.uber.org/zap"
)

// ErrAlreadySettled is returned when the exchange left the streaming status
// before this settlement could claim it.
var ErrAlreadySettled = errors.New("exchange already settled")

type Config struct {
	TextTokenRatio     float64
	PartialFloorTokens int64
}

func DefaultConfig() Config {
	return Config{
		TextTokenRatio:     shared.DefaultTextTokenRatio,
		PartialFloorTokens: shared.DefaultPartialFloorTokens,
	}
}

type Ledger struct {
	wdb *sql.DB
	rdb *sql.DB
	log *zap.SugaredLogger
	cfg Config
	now func() time.Time
}

// New builds a ledger. rdb may equal wdb when there is no read replica.
func New(wdb, rdb *sql.DB, log *zap.SugaredLogger, cfg Config) *Ledger {
	if cfg.TextTokenRatio <= 0 {
		cfg.TextTokenRatio = shared.DefaultTextTokenRatio
	}
	if cfg.PartialFloorTokens < 0 {
		cfg.PartialFloorTokens = 0
	}
	return &Ledger{wdb: wdb, rdb: rdb, log: log, cfg: cfg, now: time.Now}
}

// Estimate is ceil(runes * ratio). Empty text costs nothing.
func (l *Ledger) Estimate(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64(math.Ceil(float64(n) * l.cfg.TextTokenRatio))
}

// EstimateImage prices an image by 768px tiles. Anything fitting in 384x384
// is one flat tile.
func EstimateImage(width, height int) int64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	if width <= shared.ImageFlatEdge && height <= shared.ImageFlatEdge {
		return shared.ImageTileTokens
	}
	tilesW := (width + shared.ImageTileEdge - 1) / shared.ImageTileEdge
	tilesH := (height + shared.ImageTileEdge - 1) / shared.ImageTileEdge
	return int64(tilesW*tilesH) * shared.ImageTileTokens
}

type ImageSize struct {
	Width  int
	Height int
}

// EstimateRequest is the conservative pre-flight cost of a message and its images
func (l *Ledger) EstimateRequest(message string, images []ImageSize) int64 {
	total := l.Estimate(message)
	for _, img := range images {
		total += EstimateImage(img.Width, img.Height)
	}
	return total
}

type BalanceCheck struct {
	Sufficient bool  `json:"sufficient"`
	Balance    int64 `json:"balance"`
}

// Balance reads the current balance from the read database
func (l *Ledger) Balance(ctx context.Context, userID uint64) (int64, error) {
	var balance int64
	err := l.rdb.QueryRowContext(ctx, "SELECT token_balance FROM user WHERE id = ?", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, shared.ErrUserNotFound
	}
	if err != nil {
		return 0, errors.Join(shared.ErrPersistence, fmt.Errorf("failed reading balance: %w", err))
	}
	return balance, nil
}

// CheckBalance never writes. It only answers whether estimated fits in the
// balance right now.
func (l *Ledger) CheckBalance(ctx context.Context, userID uint64, estimated int64) (*BalanceCheck, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceCheck{Sufficient: balance >= estimated, Balance: balance}, nil
}

// Settlement is the resolved amount to charge for one exchange
type Settlement struct {
	Tokens       int64
	InputTokens  int64
	OutputTokens int64
	DataSource   shared.DataSource
}

// Resolve picks the amount to charge. Successful streams prefer upstream
// usage and fall back to an estimate of the full text. Failed streams are
// charged the estimate of the partial text, never less than the floor when
// any text was produced.
func (l *Ledger) Resolve(success bool, usage *shared.Usage, text string) Settlement {
	if success && usage != nil {
		in, out := int64(usage.PromptTokens), int64(usage.CompletionTokens)
		total := in + out
		if total == 0 {
			total = int64(usage.TotalTokens)
		}
		if total > 0 {
			return Settlement{Tokens: total, InputTokens: in, OutputTokens: out, DataSource: shared.DataSourceReal}
		}
	}
	est := l.Estimate(text)
	if !success && est > 0 && est < l.cfg.PartialFloorTokens {
		est = l.cfg.PartialFloorTokens
	}
	return Settlement{Tokens: est, OutputTokens: est, DataSource: shared.DataSourceEstimated}
}

type SettleRequest struct {
	UserID          uint64
	ExchangeID      string
	Status          shared.ExchangeStatus
	AIResponse      string
	PartialResponse string
	Settlement      Settlement
}

type SettleResult struct {
	RecordID      string
	Tokens        int64
	BalanceBefore int64
	BalanceAfter  int64
}

// Settle moves the exchange out of streaming, charges the user and appends
// the usage record in one transaction. It succeeds at most once per exchange;
// later calls return ErrAlreadySettled and change nothing.
func (l *Ledger) Settle(ctx context.Context, req *SettleRequest) (*SettleResult, error) {
	if req.Settlement.Tokens < 0 {
		return nil, fmt.Errorf("negative settlement %d", req.Settlement.Tokens)
	}
	recordID, err := shared.NewID("use")
	if err != nil {
		return nil, err
	}
	now := l.now().UnixMilli()
	res := &SettleResult{RecordID: recordID, Tokens: req.Settlement.Tokens}

	err = database.ExecuteTransaction(ctx, l.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			return database.FinalizeExchangeTx(ctx, tx, &database.FinalizeExchange{
				ExchangeID:      req.ExchangeID,
				Status:          req.Status,
				AIResponse:      req.AIResponse,
				PartialResponse: req.PartialResponse,
				TokensUsed:      req.Settlement.Tokens,
				InputTokens:     req.Settlement.InputTokens,
				OutputTokens:    req.Settlement.OutputTokens,
				UpdatedAt:       now,
			})
		},
		func(tx *sql.Tx) error {
			before, after, err := database.ChargeUser(ctx, tx, req.UserID, req.Settlement.Tokens)
			if err != nil {
				return err
			}
			res.BalanceBefore, res.BalanceAfter = before, after
			return nil
		},
		func(tx *sql.Tx) error {
			return database.InsertUsageRecord(ctx, tx, &shared.UsageRecord{
				ID:            recordID,
				UserID:        req.UserID,
				ExchangeID:    req.ExchangeID,
				Tokens:        req.Settlement.Tokens,
				InputTokens:   req.Settlement.InputTokens,
				OutputTokens:  req.Settlement.OutputTokens,
				BalanceBefore: res.BalanceBefore,
				BalanceAfter:  res.BalanceAfter,
				DataSource:    req.Settlement.DataSource,
				CreatedAt:     now,
			})
		},
	})
	if errors.Is(err, database.ErrNoTransition) {
		return nil, ErrAlreadySettled
	}
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, err)
	}

	l.log.Infow("settled exchange",
		"exchange_id", req.ExchangeID,
		"status", req.Status,
		"tokens", req.Settlement.Tokens,
		"data_source", req.Settlement.DataSource,
		"balance_before", res.BalanceBefore,
		"balance_after", res.BalanceAfter,
	)
	return res, nil
}

// UsageHistory returns the latest ledger entries for a user, newest first
func (l *Ledger) UsageHistory(ctx context.Context, userID uint64, limit int) ([]shared.UsageRecord, error) {
	if limit <= 0 || limit > shared.MaxListResults {
		limit = shared.MaxListResults
	}
	rows, err := l.rdb.QueryContext(ctx, `
		SELECT id, user_id, exchange_id, tokens, input_tokens, output_tokens,
			balance_before, balance_after, data_source, created_at
		FROM usage_record
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed querying usage: %w", err))
	}
	defer rows.Close()

	records := []shared.UsageRecord{}
	for rows.Next() {
		var rec shared.UsageRecord
		var source string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ExchangeID, &rec.Tokens, &rec.InputTokens,
			&rec.OutputTokens, &rec.BalanceBefore, &rec.BalanceAfter, &source, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed scanning usage record: %w", err)
		}
		rec.DataSource = shared.DataSource(source)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating usage records: %w", err)
	}
	return records, nil
}
