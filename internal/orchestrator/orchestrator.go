// Package orchestrator drives one chat request from validation to settlement
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatstream-api/internal/ledger"
	"chatstream-api/internal/metrics"
	"chatstream-api/internal/monitor"
	"chatstream-api/internal/records"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/sse"
	"chatstream-api/internal/storage"
	"chatstream-api/internal/title"
	"chatstream-api/internal/upstream"

	"go.uber.org/zap"
)

// Sink is the client side event stream. Open commits the response; events
// are only written after it.
type Sink interface {
	Open() error
	Write(sse.Event) error
}

// ModelResolver finds a model the user may use
type ModelResolver interface {
	Resolve(ctx context.Context, userID uint64, name string) (*upstream.Model, error)
}

type Config struct {
	Monitor        monitor.Config
	SystemPrompt   string
	HistoryTurns   int
	PersistTimeout time.Duration
	// LeaseInterval is how often a streaming exchange is touched
	LeaseInterval time.Duration
}

type Orchestrator struct {
	ledger   *ledger.Ledger
	records  *records.Store
	models   ModelResolver
	source   upstream.Source
	uploader storage.Uploader
	titles   *title.Trigger
	log      *zap.SugaredLogger
	cfg      Config
}

func New(
	l *ledger.Ledger,
	r *records.Store,
	models ModelResolver,
	source upstream.Source,
	uploader storage.Uploader,
	titles *title.Trigger,
	log *zap.SugaredLogger,
	cfg Config,
) *Orchestrator {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = shared.DefaultPersistTimeout
	}
	if cfg.LeaseInterval <= 0 {
		cfg.LeaseInterval = shared.ExchangeLeaseInterval
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	return &Orchestrator{
		ledger:   l,
		records:  r,
		models:   models,
		source:   source,
		uploader: uploader,
		titles:   titles,
		log:      log,
		cfg:      cfg,
	}
}

// Result describes how a stream ended. Err is set for every outcome other
// than completed.
type Result struct {
	ExchangeID       string                `json:"exchange_id,omitempty"`
	Status           shared.ExchangeStatus `json:"status,omitempty"`
	Chunks           int                   `json:"chunks"`
	TokensUsed       int64                 `json:"tokens_used"`
	DataSource       shared.DataSource     `json:"data_source,omitempty"`
	BalanceAfter     int64                 `json:"balance_after"`
	Title            string                `json:"title,omitempty"`
	TimeToFirstToken time.Duration         `json:"ttft"`
	Duration         time.Duration         `json:"duration"`
	Err              error                 `json:"-"`
}

// exchange is the per request aggregate. It is owned by one Run call; the
// lease goroutine only reads its record and logger.
type exchange struct {
	req      *Request
	v        *validated
	log      *zap.SugaredLogger
	mon      *monitor.Monitor
	record   *shared.ChatExchange
	status   shared.ExchangeStatus
	text     strings.Builder
	usage    *shared.Usage
	chunks   int
	tokens   int64
	start    time.Time
	closed   bool
	result   *Result
	imageURL []string
	uploaded []string
}

type outcome struct {
	status shared.ExchangeStatus
	err    error
}

// Run validates req and, if it passes, streams the generation to sink. An
// error is returned only when the request was rejected before the stream
// opened. Every later outcome, including failures, is reported in Result
// and has been persisted and settled at most once.
func (o *Orchestrator) Run(ctx context.Context, req *Request, sink Sink) (res *Result, err error) {
	start := time.Now()
	log := o.log.With("user_id", req.UserID, "session_id", req.SessionID, "model", req.Model, "request_id", req.RequestID)

	// Validating
	v, err := o.validate(ctx, req)
	if err != nil {
		metrics.RejectedRequests.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	// Initializing
	if err := sink.Open(); err != nil {
		return nil, errors.Join(shared.ErrStreamingUnsupported, err)
	}
	streamCtx, cancel := context.WithCancelCause(ctx)
	mon := monitor.New(sink, o.cfg.Monitor, log)
	mon.Start(ctx, func(err error) { cancel(err) })

	ex := &exchange{
		req:    req,
		v:      v,
		log:    log,
		mon:    mon,
		start:  start,
		result: &Result{BalanceAfter: v.balance},
	}
	var stream upstream.Stream
	stopLease := func() {}

	// Closed: runs once however the phases below end
	defer func() {
		stopLease()
		if r := recover(); r != nil {
			log.Errorw("Panic during stream", "panic", r)
			o.finalize(ctx, ex, outcome{status: shared.StatusError, err: fmt.Errorf("%w: panic: %v", shared.ErrUpstreamGeneration, r)})
		}
		if !ex.closed && ex.record != nil {
			o.finalize(ctx, ex, outcome{status: shared.StatusError, err: shared.ErrUpstreamGeneration})
		}
		mon.Stop()
		if stream != nil {
			if err := stream.Close(); err != nil {
				log.Debugw("Failed closing upstream stream", "error", err)
			}
		}
		cancel(nil)
		ex.result.Duration = time.Since(start)
		res, err = ex.result, nil
	}()

	// Preparing
	if err := o.prepare(streamCtx, ex); err != nil {
		o.abort(ex, err)
		return ex.result, nil
	}

	// Streaming
	if err := o.records.TransitionTo(ctx, ex.record.ID, shared.StatusPending, shared.StatusStreaming, nil); err != nil {
		o.failPending(ctx, ex, err)
		return ex.result, nil
	}
	ex.status = shared.StatusStreaming
	stopLease = o.lease(ctx, ex)

	stream, err = o.source.Generate(streamCtx, &upstream.Request{
		UserID:    req.UserID,
		Model:     v.model,
		Messages:  o.buildMessages(streamCtx, ex),
		ImageURLs: ex.imageURL,
	})
	if err != nil {
		o.finalize(ctx, ex, o.classify(ctx, streamCtx, err))
		return ex.result, nil
	}

	o.finalize(ctx, ex, o.pump(ctx, streamCtx, ex, stream))
	return ex.result, nil
}

// prepare uploads attachments and creates the pending exchange. Uploads go
// first so a failed upload leaves no record behind.
func (o *Orchestrator) prepare(ctx context.Context, ex *exchange) error {
	for _, img := range ex.v.images {
		obj, err := o.uploader.Upload(ctx, img.data, img.contentType)
		if err != nil {
			return err
		}
		ex.imageURL = append(ex.imageURL, obj.URL)
		if obj.Key != "" {
			ex.uploaded = append(ex.uploaded, obj.Key)
		}
	}

	record, err := o.records.CreatePending(ctx, &records.NewExchange{
		UserID:         ex.req.UserID,
		SessionID:      ex.req.SessionID,
		Model:          ex.req.Model,
		UserMessage:    ex.req.Message,
		BalanceAtStart: ex.v.balance,
	})
	if err != nil {
		if len(ex.uploaded) > 0 {
			ex.log.Warnw("Uploaded attachments orphaned by failed exchange", "keys", ex.uploaded, "error", err)
		}
		return err
	}
	ex.record = record
	ex.status = shared.StatusPending
	ex.result.ExchangeID = record.ID
	ex.log = ex.log.With("exchange_id", record.ID)
	return nil
}

// lease renews the exchange until the returned stop is called, so a sweep
// by another process never mistakes a long stream for an abandoned one
func (o *Orchestrator) lease(ctx context.Context, ex *exchange) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.LeaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tctx, tcancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
				if err := o.records.Touch(tctx, ex.record.ID); err != nil {
					ex.log.Warnw("Failed renewing exchange lease", "error", err)
				}
				tcancel()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// buildMessages assembles system prompt, recent history and the new message
func (o *Orchestrator) buildMessages(ctx context.Context, ex *exchange) []shared.ChatMessage {
	var msgs []shared.ChatMessage
	if o.cfg.SystemPrompt != "" {
		msgs = append(msgs, shared.ChatMessage{Role: "system", Content: o.cfg.SystemPrompt})
	}
	history, err := o.records.RecentCompleted(ctx, ex.req.SessionID, o.cfg.HistoryTurns)
	if err != nil {
		ex.log.Warnw("Failed loading history, continuing without it", "error", err)
	}
	for _, h := range history {
		msgs = append(msgs,
			shared.ChatMessage{Role: "user", Content: h.UserMessage},
			shared.ChatMessage{Role: "assistant", Content: h.AIResponse},
		)
	}
	return append(msgs, shared.ChatMessage{Role: "user", Content: ex.req.Message})
}

// pump forwards chunks until the source ends, errors, or the client goes away
func (o *Orchestrator) pump(ctx, streamCtx context.Context, ex *exchange, stream upstream.Stream) outcome {
	for {
		if !ex.mon.IsConnected() {
			return o.disconnected(streamCtx)
		}
		chunk, err := stream.Next(streamCtx)
		if errors.Is(err, io.EOF) {
			if !ex.mon.IsConnected() {
				return o.disconnected(streamCtx)
			}
			return outcome{status: shared.StatusCompleted}
		}
		if err != nil {
			return o.classify(ctx, streamCtx, err)
		}
		if chunk.Usage != nil {
			ex.usage = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}
		// Chunks are dropped, not buffered, once nobody is reading.
		if !ex.mon.IsConnected() {
			return o.disconnected(streamCtx)
		}
		tokens := o.ledger.Estimate(chunk.Content)
		if err := ex.mon.Send(sse.Chunk(chunk.Content, tokens)); err != nil {
			return o.disconnected(streamCtx)
		}
		if ex.chunks == 0 {
			ex.result.TimeToFirstToken = time.Since(ex.start)
			metrics.TimeToFirstToken.WithLabelValues(ex.req.Model).Observe(ex.result.TimeToFirstToken.Seconds())
		}
		ex.text.WriteString(chunk.Content)
		ex.chunks++
		ex.tokens += tokens
	}
}

func (o *Orchestrator) disconnected(streamCtx context.Context) outcome {
	err := context.Cause(streamCtx)
	if err == nil || !errors.Is(err, shared.ErrClientDisconnected) {
		err = errors.Join(shared.ErrClientDisconnected, err)
	}
	return outcome{status: shared.StatusInterrupted, err: err}
}

// classify maps a source error to interrupted when the client is the
// reason the source stopped, and to error otherwise
func (o *Orchestrator) classify(ctx, streamCtx context.Context, err error) outcome {
	if ctx.Err() != nil || errors.Is(context.Cause(streamCtx), shared.ErrClientDisconnected) {
		return o.disconnected(streamCtx)
	}
	return outcome{status: shared.StatusError, err: errors.Join(shared.ErrUpstreamGeneration, err)}
}
