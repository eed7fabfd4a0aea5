package ledger

import (
	"context"
	"fmt"
	"testing"

	"chatstream-api/internal/shared"
	"chatstream-api/internal/testutil/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newTestLedger(t *testing.T) (*Ledger, func() int64) {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.SeedUser(t, db, 1, 1000)
	dbtest.SeedSession(t, db, "ses_1", 1)
	l := New(db, db, zap.NewNop().Sugar(), DefaultConfig())
	return l, func() int64 { return dbtest.Balance(t, db, 1) }
}

func TestEstimate(t *testing.T) {
	l := New(nil, nil, zap.NewNop().Sugar(), DefaultConfig())

	tests := []struct {
		name string
		text string
		want int64
	}{
		{"empty", "", 0},
		{"hello", "hello", 4},
		{"two words", "Hi there", 6},
		{"short", "Hi", 2},
		{"multibyte counts runes", "你好世界", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Estimate(tt.text))
		})
	}
}

func TestEstimateImage(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		want int64
	}{
		{"flat tile", 384, 384, 258},
		{"tiny", 10, 10, 258},
		{"one tile over flat", 385, 100, 258},
		{"two by one", 1000, 700, 516},
		{"two by two", 1536, 1536, 1032},
		{"three by two", 1537, 800, 1548},
		{"invalid", 0, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateImage(tt.w, tt.h))
		})
	}
}

func TestEstimateRequest(t *testing.T) {
	l := New(nil, nil, zap.NewNop().Sugar(), DefaultConfig())
	got := l.EstimateRequest("hello", []ImageSize{{Width: 100, Height: 100}, {Width: 1000, Height: 700}})
	assert.Equal(t, int64(4+258+516), got)
}

func TestResolve(t *testing.T) {
	l := New(nil, nil, zap.NewNop().Sugar(), DefaultConfig())

	tests := []struct {
		name    string
		success bool
		usage   *shared.Usage
		text    string
		want    Settlement
	}{
		{
			name:    "real usage preferred",
			success: true,
			usage:   &shared.Usage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42},
			text:    "Hi there",
			want:    Settlement{Tokens: 42, InputTokens: 12, OutputTokens: 30, DataSource: shared.DataSourceReal},
		},
		{
			name:    "total only",
			success: true,
			usage:   &shared.Usage{TotalTokens: 9},
			text:    "Hi there",
			want:    Settlement{Tokens: 9, DataSource: shared.DataSourceReal},
		},
		{
			name:    "empty usage falls back to estimate",
			success: true,
			usage:   &shared.Usage{},
			text:    "Hi there",
			want:    Settlement{Tokens: 6, OutputTokens: 6, DataSource: shared.DataSourceEstimated},
		},
		{
			name:    "no usage estimates full text",
			success: true,
			text:    "Hi there",
			want:    Settlement{Tokens: 6, OutputTokens: 6, DataSource: shared.DataSourceEstimated},
		},
		{
			name: "failure applies floor",
			text: "Hi",
			want: Settlement{Tokens: 10, OutputTokens: 10, DataSource: shared.DataSourceEstimated},
		},
		{
			name:  "failure ignores usage",
			usage: &shared.Usage{PromptTokens: 5, CompletionTokens: 5},
			text:  "Hi",
			want:  Settlement{Tokens: 10, OutputTokens: 10, DataSource: shared.DataSourceEstimated},
		},
		{
			name: "failure above floor",
			text: "a reasonably long partial answer",
			want: Settlement{Tokens: 24, OutputTokens: 24, DataSource: shared.DataSourceEstimated},
		},
		{
			name: "failure with no text is free",
			want: Settlement{DataSource: shared.DataSourceEstimated},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Resolve(tt.success, tt.usage, tt.text))
		})
	}
}

func TestCheckBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	check, err := l.CheckBalance(ctx, 1, 4)
	require.NoError(t, err)
	assert.True(t, check.Sufficient)
	assert.Equal(t, int64(1000), check.Balance)

	check, err = l.CheckBalance(ctx, 1, 1001)
	require.NoError(t, err)
	assert.False(t, check.Sufficient)

	_, err = l.CheckBalance(ctx, 99, 1)
	assert.ErrorIs(t, err, shared.ErrUserNotFound)
}

func TestSettleAtMostOnce(t *testing.T) {
	l, balance := newTestLedger(t)
	dbtest.SeedExchange(t, l.wdb, "exc_1", "ses_1", 1, string(shared.StatusStreaming))
	ctx := context.Background()

	req := &SettleRequest{
		UserID:     1,
		ExchangeID: "exc_1",
		Status:     shared.StatusCompleted,
		AIResponse: "Hi there",
		Settlement: l.Resolve(true, nil, "Hi there"),
	}
	res, err := l.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.BalanceBefore)
	assert.Equal(t, int64(994), res.BalanceAfter)
	assert.Equal(t, int64(994), balance())

	req.Status = shared.StatusInterrupted
	_, err = l.Settle(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, int64(994), balance())
	assert.Equal(t, 1, dbtest.UsageRecordCount(t, l.wdb, "exc_1"))

	var status string
	var tokens int64
	require.NoError(t, l.wdb.QueryRow("SELECT status, tokens_used FROM chat_exchange WHERE id = ?", "exc_1").Scan(&status, &tokens))
	assert.Equal(t, string(shared.StatusCompleted), status)
	assert.Equal(t, int64(6), tokens)
}

func TestSettleRejectsPending(t *testing.T) {
	l, balance := newTestLedger(t)
	dbtest.SeedExchange(t, l.wdb, "exc_1", "ses_1", 1, string(shared.StatusPending))

	_, err := l.Settle(context.Background(), &SettleRequest{
		UserID:     1,
		ExchangeID: "exc_1",
		Status:     shared.StatusError,
		Settlement: Settlement{Tokens: 10, DataSource: shared.DataSourceEstimated},
	})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, int64(1000), balance())
	assert.Equal(t, 0, dbtest.UsageRecordCount(t, l.wdb, "exc_1"))
}

func TestSettleAllowsNegativeBalance(t *testing.T) {
	l, balance := newTestLedger(t)
	dbtest.SeedExchange(t, l.wdb, "exc_1", "ses_1", 1, string(shared.StatusStreaming))

	res, err := l.Settle(context.Background(), &SettleRequest{
		UserID:     1,
		ExchangeID: "exc_1",
		Status:     shared.StatusCompleted,
		Settlement: Settlement{Tokens: 1500, DataSource: shared.DataSourceReal},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-500), res.BalanceAfter)
	assert.Equal(t, int64(-500), balance())
}

func TestConcurrentSettlementsSerialize(t *testing.T) {
	l, balance := newTestLedger(t)
	amounts := []int64{37, 120, 5, 64}
	for i := range amounts {
		dbtest.SeedExchange(t, l.wdb, fmt.Sprintf("exc_%d", i), "ses_1", 1, string(shared.StatusStreaming))
	}

	var g errgroup.Group
	results := make([]*SettleResult, len(amounts))
	for i, amount := range amounts {
		g.Go(func() error {
			res, err := l.Settle(context.Background(), &SettleRequest{
				UserID:     1,
				ExchangeID: fmt.Sprintf("exc_%d", i),
				Status:     shared.StatusCompleted,
				Settlement: Settlement{Tokens: amount, DataSource: shared.DataSourceEstimated},
			})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	var total int64
	for _, a := range amounts {
		total += a
	}
	assert.Equal(t, 1000-total, balance())

	// Each record's before/after pair must chain with no lost update.
	for i, res := range results {
		assert.Equal(t, res.BalanceBefore-amounts[i], res.BalanceAfter)
	}
	history, err := l.UsageHistory(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, len(amounts))
	seen := map[int64]bool{}
	for _, rec := range history {
		assert.False(t, seen[rec.BalanceBefore], "two settlements read the same balance")
		seen[rec.BalanceBefore] = true
	}
}
