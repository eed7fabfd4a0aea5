package orchestrator

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatstream-api/internal/ledger"
	"chatstream-api/internal/monitor"
	"chatstream-api/internal/records"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/sse"
	"chatstream-api/internal/storage"
	"chatstream-api/internal/testutil/dbtest"
	"chatstream-api/internal/title"
	"chatstream-api/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

const testModel = "chat-small"

type fakeSink struct {
	mu      sync.Mutex
	opened  bool
	events  []sse.Event
	failAt  int
	openErr error
}

func (s *fakeSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *fakeSink) Write(e sse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 >= s.failAt {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, e)
	return nil
}

// stallingSink holds the nth chunk write for stall, then fails it the way a
// write deadline would
type stallingSink struct {
	fakeSink
	stallAt int32
	stall   time.Duration
	chunks  atomic.Int32
}

func (s *stallingSink) Write(e sse.Event) error {
	if e.EventType() == sse.TypeChunk && s.chunks.Add(1) == s.stallAt {
		time.Sleep(s.stall)
		return errors.New("i/o timeout")
	}
	return s.fakeSink.Write(e)
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		if e.EventType() == sse.TypeHeartbeat {
			continue
		}
		out = append(out, e.EventType())
	}
	return out
}

func (s *fakeSink) last(kind string) sse.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventType() == kind {
			return s.events[i]
		}
	}
	return nil
}

// scriptedSource yields chunks, then either ends, fails with err, or blocks
// until the stream context is done
type scriptedSource struct {
	mu       sync.Mutex
	chunks   []upstream.Chunk
	err      error
	genErr   error
	block    bool
	onBlock  func()
	requests []*upstream.Request
	streams  []*scriptedStream
}

func (s *scriptedSource) Generate(_ context.Context, req *upstream.Request) (upstream.Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.genErr != nil {
		return nil, s.genErr
	}
	stream := &scriptedStream{src: s, chunks: append([]upstream.Chunk(nil), s.chunks...)}
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

// closed reports whether every stream handed out was closed
func (s *scriptedSource) closed(t *testing.T) bool {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.streams)
	for _, st := range s.streams {
		if !st.closed.Load() {
			return false
		}
	}
	return true
}

type scriptedStream struct {
	src    *scriptedSource
	chunks []upstream.Chunk
	closed atomic.Bool
}

func (s *scriptedStream) Next(ctx context.Context) (upstream.Chunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.src.block {
		if s.src.onBlock != nil {
			s.src.onBlock()
		}
		<-ctx.Done()
		return upstream.Chunk{}, context.Cause(ctx)
	}
	if s.src.err != nil {
		return upstream.Chunk{}, s.src.err
	}
	return upstream.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}

func text(parts ...string) []upstream.Chunk {
	out := make([]upstream.Chunk, len(parts))
	for i, p := range parts {
		out[i] = upstream.Chunk{Content: p}
	}
	return out
}

type fakeTitles struct {
	mu    sync.Mutex
	title string
	calls int
}

func (f *fakeTitles) Generate(context.Context, *title.Input) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.title, nil
}

type harness struct {
	db      *sql.DB
	store   *records.Store
	source  *scriptedSource
	titles  *fakeTitles
	orch    *Orchestrator
	session string
}

func newHarness(t *testing.T, balance int64, source *scriptedSource) *harness {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.SeedUser(t, db, 1, balance)
	dbtest.SeedSession(t, db, "ses_a", 1)
	dbtest.SeedModel(t, db, 1, testModel, "http://model.local")

	log := zap.NewNop().Sugar()
	store := records.New(db, db, log)
	titles := &fakeTitles{title: "Greeting"}
	orch := New(
		ledger.New(db, db, log, ledger.DefaultConfig()),
		store,
		upstream.NewRegistry(db, nil, log),
		source,
		storage.InlineUploader{},
		title.NewTrigger(store, titles, log, time.Second),
		log,
		Config{
			Monitor:      monitor.Config{Interval: time.Hour, Timeout: 2 * time.Hour},
			HistoryTurns: shared.DefaultHistoryTurns,
		},
	)
	return &harness{db: db, store: store, source: source, titles: titles, orch: orch, session: "ses_a"}
}

func (h *harness) request(msg string) *Request {
	return &Request{UserID: 1, SessionID: h.session, Model: testModel, Message: msg}
}

func (h *harness) exchange(t *testing.T, id string) *shared.ChatExchange {
	t.Helper()
	exc, err := h.store.GetExchange(context.Background(), 1, id)
	require.NoError(t, err)
	return exc
}

func TestRunCompletesWithEstimatedUsage(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{chunks: text("Hi", " there")})
	sink := &fakeSink{}

	res, err := h.orch.Run(context.Background(), h.request("hello"), sink)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	assert.Equal(t, shared.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, int64(6), res.TokensUsed)
	assert.Equal(t, shared.DataSourceEstimated, res.DataSource)
	assert.Equal(t, int64(994), res.BalanceAfter)
	assert.Equal(t, int64(994), dbtest.Balance(t, h.db, 1))
	assert.Equal(t, "Greeting", res.Title)

	assert.Equal(t, []string{sse.TypeChunk, sse.TypeChunk, sse.TypeTitle, sse.TypeComplete}, sink.types())
	complete := sink.last(sse.TypeComplete).(sse.CompleteEvent)
	assert.Equal(t, int64(6), complete.TokensUsed)
	assert.Equal(t, int64(994), complete.RemainingBalance)

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, shared.StatusCompleted, exc.Status)
	assert.Equal(t, "Hi there", exc.AIResponse)
	assert.Equal(t, int64(6), exc.TokensUsed)
	assert.Equal(t, int64(1000), exc.BalanceAtStart)
	assert.Equal(t, 1, dbtest.UsageRecordCount(t, h.db, res.ExchangeID))
	assert.True(t, h.source.closed(t))
}

func TestRunPrefersReportedUsage(t *testing.T) {
	chunks := append(text("Hi", " there"), upstream.Chunk{Usage: &shared.Usage{PromptTokens: 12, CompletionTokens: 30}})
	h := newHarness(t, 1000, &scriptedSource{chunks: chunks})

	res, err := h.orch.Run(context.Background(), h.request("hello"), &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.TokensUsed)
	assert.Equal(t, shared.DataSourceReal, res.DataSource)
	assert.Equal(t, int64(958), dbtest.Balance(t, h.db, 1))

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, int64(12), exc.InputTokens)
	assert.Equal(t, int64(30), exc.OutputTokens)
}

func TestRunClientWriteFailureInterrupts(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{chunks: text("Hi", " there")})
	sink := &fakeSink{failAt: 2}

	res, err := h.orch.Run(context.Background(), h.request("hello"), sink)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, shared.ErrClientDisconnected)
	assert.Equal(t, shared.StatusInterrupted, res.Status)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, int64(10), res.TokensUsed)
	assert.Equal(t, int64(990), dbtest.Balance(t, h.db, 1))

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, shared.StatusInterrupted, exc.Status)
	assert.Equal(t, "Hi", exc.PartialResponse)
	assert.Contains(t, exc.AIResponse, interruptedMarker)
	assert.Equal(t, []string{sse.TypeChunk}, sink.types())
	assert.Zero(t, h.titles.calls)
	assert.True(t, h.source.closed(t))
}

func TestRunSourceFailureBeforeFirstChunk(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{err: errors.New("model exploded")})
	sink := &fakeSink{}

	res, err := h.orch.Run(context.Background(), h.request("hello"), sink)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, shared.ErrUpstreamGeneration)
	assert.Equal(t, shared.StatusError, res.Status)
	assert.Zero(t, res.TokensUsed)
	assert.Equal(t, int64(1000), dbtest.Balance(t, h.db, 1))

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, shared.StatusError, exc.Status)
	assert.Contains(t, exc.AIResponse, errorMarker)
	assert.Equal(t, 1, dbtest.UsageRecordCount(t, h.db, res.ExchangeID))

	require.Equal(t, []string{sse.TypeError}, sink.types())
	assert.Equal(t, 502, sink.last(sse.TypeError).(sse.ErrorEvent).Code)
	assert.True(t, h.source.closed(t))
}

func TestRunGenerateFailure(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{genErr: shared.ErrColdStart})
	sink := &fakeSink{}

	res, err := h.orch.Run(context.Background(), h.request("hello"), sink)
	require.NoError(t, err)
	assert.Equal(t, shared.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, shared.ErrColdStart)
	assert.Equal(t, 503, sink.last(sse.TypeError).(sse.ErrorEvent).Code)
	assert.Equal(t, int64(1000), dbtest.Balance(t, h.db, 1))
}

func TestRunRequestCancelInterrupts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{chunks: text("Hi"), block: true, onBlock: cancel}
	h := newHarness(t, 1000, src)

	res, err := h.orch.Run(ctx, h.request("hello"), &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, shared.StatusInterrupted, res.Status)
	assert.ErrorIs(t, res.Err, shared.ErrClientDisconnected)
	assert.Equal(t, int64(990), dbtest.Balance(t, h.db, 1))

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, "Hi", exc.PartialResponse)
	assert.True(t, h.source.closed(t))
}

func TestRunLivenessTimeoutInterrupts(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{chunks: text("Hi there, a long answer", " and more")})
	h.orch.cfg.Monitor = monitor.Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	sink := &stallingSink{stallAt: 2, stall: 500 * time.Millisecond}

	res, err := h.orch.Run(context.Background(), h.request("hello"), sink)
	require.NoError(t, err)
	assert.Equal(t, shared.StatusInterrupted, res.Status)
	assert.ErrorIs(t, res.Err, shared.ErrClientDisconnected)
	assert.ErrorContains(t, res.Err, "no successful write")
	assert.Equal(t, 1, res.Chunks)
	// ceil(23 * 0.75)
	assert.Equal(t, int64(18), res.TokensUsed)
	assert.Equal(t, int64(982), dbtest.Balance(t, h.db, 1))

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, shared.StatusInterrupted, exc.Status)
	assert.Equal(t, "Hi there, a long answer", exc.PartialResponse)
	assert.Equal(t, 1, dbtest.UsageRecordCount(t, h.db, res.ExchangeID))
	assert.True(t, h.source.closed(t))
}

func TestRunLeaseSurvivesStaleSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{chunks: text("Hi there, a long answer"), block: true}
	h := newHarness(t, 1000, src)
	h.orch.cfg.LeaseInterval = 10 * time.Millisecond

	streaming := string(shared.StatusStreaming)
	src.onBlock = func() {
		// pretend the stream has been running for a long time
		_, err := h.db.Exec("UPDATE chat_exchange SET updated_at = 0 WHERE status = ?", streaming)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			var at int64
			err := h.db.QueryRow("SELECT updated_at FROM chat_exchange WHERE status = ?", streaming).Scan(&at)
			return err == nil && at > 0
		}, time.Second, 5*time.Millisecond)

		// another process boots and sweeps
		n, err := h.store.FailStale(context.Background(), shared.StaleExchangeAge)
		require.NoError(t, err)
		assert.Zero(t, n)
		_, err = h.store.FailStale(context.Background(), -time.Minute)
		assert.ErrorIs(t, err, records.ErrStaleAgeTooShort)
		cancel()
	}

	res, err := h.orch.Run(ctx, h.request("hello"), &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, shared.StatusInterrupted, res.Status)
	assert.NotErrorIs(t, res.Err, ledger.ErrAlreadySettled)
	assert.Equal(t, int64(18), res.TokensUsed)
	assert.Equal(t, int64(982), dbtest.Balance(t, h.db, 1))

	exc := h.exchange(t, res.ExchangeID)
	assert.Equal(t, shared.StatusInterrupted, exc.Status)
	assert.Equal(t, "Hi there, a long answer", exc.PartialResponse)
	assert.Equal(t, 1, dbtest.UsageRecordCount(t, h.db, res.ExchangeID))
}

func TestRunFinalizedElsewhereReportsStoredStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{chunks: text("Hi"), block: true}
	h := newHarness(t, 1000, src)
	src.onBlock = func() {
		_, err := h.db.Exec("UPDATE chat_exchange SET status = ? WHERE status = ?",
			string(shared.StatusError), string(shared.StatusStreaming))
		require.NoError(t, err)
		cancel()
	}

	res, err := h.orch.Run(ctx, h.request("hello"), &fakeSink{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ledger.ErrAlreadySettled)
	assert.Equal(t, shared.StatusError, res.Status)
	assert.Equal(t, shared.StatusError, h.exchange(t, res.ExchangeID).Status)
	assert.Zero(t, res.TokensUsed)
	assert.Equal(t, int64(1000), dbtest.Balance(t, h.db, 1))
	assert.Zero(t, dbtest.UsageRecordCount(t, h.db, res.ExchangeID))
}

type hookUploader struct {
	before func()
}

func (u hookUploader) Upload(_ context.Context, data []byte, _ string) (*storage.Object, error) {
	u.before()
	return &storage.Object{URL: "https://cdn.local/attachments/a.png", Key: "attachments/a.png", Size: int64(len(data))}, nil
}

func TestRunLogsOrphanedUploads(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{chunks: text("Hi")})
	core, logs := observer.New(zap.WarnLevel)
	h.orch.log = zap.New(core).Sugar()
	// the session disappears between validation and the pending insert
	h.orch.uploader = hookUploader{before: func() {
		_, err := h.db.Exec("DELETE FROM chat_session WHERE id = ?", h.session)
		require.NoError(t, err)
	}}
	req := h.request("hello")
	req.Attachments = []Attachment{{ContentType: "image/png", Data: encodePNG(t, 8, 8)}}

	res, err := h.orch.Run(context.Background(), req, &fakeSink{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, shared.ErrSessionNotFound)
	assert.Empty(t, res.ExchangeID)
	assert.Empty(t, h.source.requests)

	orphaned := logs.FilterMessage("Uploaded attachments orphaned by failed exchange").All()
	require.Len(t, orphaned, 1)
	assert.Contains(t, fmt.Sprint(orphaned[0].ContextMap()["keys"]), "attachments/a.png")
}

func TestRunRejectsBeforeStreaming(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		mutate  func(*Request)
		want    error
	}{
		{"insufficient balance", 3, func(*Request) {}, shared.ErrInsufficientBalance},
		{"unknown session", 1000, func(r *Request) { r.SessionID = "ses_missing" }, shared.ErrSessionNotFound},
		{"unknown model", 1000, func(r *Request) { r.Model = "nope" }, shared.ErrModelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.balance, &scriptedSource{chunks: text("Hi")})
			sink := &fakeSink{}
			req := h.request("hello")
			tt.mutate(req)

			res, err := h.orch.Run(context.Background(), req, sink)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, sink.opened)
			assert.Empty(t, h.source.requests)

			list, err := h.store.ListExchanges(context.Background(), 1, "ses_a", 10)
			require.NoError(t, err)
			assert.Empty(t, list)
			assert.Equal(t, tt.balance, dbtest.Balance(t, h.db, 1))
		})
	}
}

func TestValidateRequestShape(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{})
	pngData := encodePNG(t, 10, 10)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty message", Request{Model: testModel, SessionID: "ses_a", Message: "  "}},
		{"missing model", Request{SessionID: "ses_a", Message: "hi"}},
		{"too long", Request{Model: testModel, SessionID: "ses_a", Message: strings.Repeat("a", shared.MaxMessageRunes+1)}},
		{"too many attachments", Request{Model: testModel, SessionID: "ses_a", Message: "hi", Attachments: make([]Attachment, shared.MaxAttachments+1)}},
		{"unsupported type", Request{Model: testModel, SessionID: "ses_a", Message: "hi", Attachments: []Attachment{{ContentType: "image/webp", Data: pngData}}}},
		{"mismatched type", Request{Model: testModel, SessionID: "ses_a", Message: "hi", Attachments: []Attachment{{ContentType: "image/jpeg", Data: pngData}}}},
		{"not base64", Request{Model: testModel, SessionID: "ses_a", Message: "hi", Attachments: []Attachment{{ContentType: "image/png", Data: "%%%"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.UserID = 1
			_, err := h.orch.validate(context.Background(), &tt.req)
			var reqErr *shared.RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, 400, reqErr.StatusCode)
			assert.Equal(t, "validation", rejectReason(err))
		})
	}
}

func encodePNG(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestRunWithAttachment(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{chunks: text("A square")})
	req := h.request("hello")
	req.Attachments = []Attachment{{ContentType: "image/png", Data: encodePNG(t, 64, 64)}}

	res, err := h.orch.Run(context.Background(), req, &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, shared.StatusCompleted, res.Status)

	require.Len(t, h.source.requests, 1)
	urls := h.source.requests[0].ImageURLs
	require.Len(t, urls, 1)
	assert.True(t, strings.HasPrefix(urls[0], "data:image/png;base64,"))
}

func TestTitleIsGeneratedOnce(t *testing.T) {
	h := newHarness(t, 1000, &scriptedSource{chunks: text("Hi", " there")})
	ctx := context.Background()

	first := &fakeSink{}
	res, err := h.orch.Run(ctx, h.request("hello"), first)
	require.NoError(t, err)
	assert.Equal(t, "Greeting", res.Title)

	second := &fakeSink{}
	res, err = h.orch.Run(ctx, h.request("and again"), second)
	require.NoError(t, err)
	assert.Empty(t, res.Title)
	assert.NotContains(t, second.types(), sse.TypeTitle)
	assert.Equal(t, 1, h.titles.calls)

	// the second request carries the first exchange as history
	require.Len(t, h.source.requests, 2)
	msgs := h.source.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, "and again", msgs[2].Content)

	ses, err := h.store.GetSession(ctx, 1, h.session)
	require.NoError(t, err)
	assert.Equal(t, "Greeting", ses.Title)
	assert.Equal(t, int64(2), ses.MessageCount)
}

func TestConcurrentRunsSettleIndependently(t *testing.T) {
	usage := func(n uint64) []upstream.Chunk {
		return append(text("ok"), upstream.Chunk{Usage: &shared.Usage{TotalTokens: n}})
	}
	h := newHarness(t, 1000, nil)
	dbtest.SeedSession(t, h.db, "ses_b", 1)
	ctx := context.Background()

	runs := []struct {
		session string
		source  *scriptedSource
	}{
		{"ses_a", &scriptedSource{chunks: usage(30)}},
		{"ses_b", &scriptedSource{chunks: usage(45)}},
	}

	results := make([]*Result, len(runs))
	var g errgroup.Group
	for i, r := range runs {
		orch := *h.orch
		orch.source = r.source
		g.Go(func() error {
			res, err := orch.Run(ctx, &Request{UserID: 1, SessionID: r.session, Model: testModel, Message: "hello"}, &fakeSink{})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1000-30-45), dbtest.Balance(t, h.db, 1))
	for _, res := range results {
		assert.Equal(t, shared.StatusCompleted, res.Status)
		assert.Equal(t, 1, dbtest.UsageRecordCount(t, h.db, res.ExchangeID))
	}
	history, err := h.orch.ledger.UsageHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	var sum int64
	for _, rec := range history {
		assert.Equal(t, rec.BalanceBefore-rec.Tokens, rec.BalanceAfter)
		sum += rec.Tokens
	}
	assert.Equal(t, int64(75), sum)
}

func TestPublicError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errors.Join(shared.ErrClientDisconnected, context.Canceled), 499},
		{errors.Join(shared.ErrUpstreamGeneration, shared.ErrColdStart), 503},
		{errors.Join(shared.ErrUpstreamGeneration, io.ErrUnexpectedEOF), 502},
		{errors.Join(shared.ErrUpload, errors.New("bucket gone")), 500},
		{shared.ErrInsufficientBalance, 402},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		_, code := publicError(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
