package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatstream-api/internal/ledger"
	"chatstream-api/internal/metrics"
	"chatstream-api/internal/records"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/sse"
)

const (
	interruptedMarker = "[interrupted: client disconnected]"
	errorMarker       = "[error: generation failed]"
)

func withMarker(text string, status shared.ExchangeStatus) string {
	marker := errorMarker
	if status == shared.StatusInterrupted {
		marker = interruptedMarker
	}
	if text == "" {
		return marker
	}
	return text + "\n\n" + marker
}

// finalize moves a streaming exchange to its terminal status and settles it.
// It runs at most once per exchange.
func (o *Orchestrator) finalize(ctx context.Context, ex *exchange, out outcome) {
	if ex.closed || ex.record == nil {
		return
	}
	if ex.status == shared.StatusPending {
		o.failPending(ctx, ex, out.err)
		return
	}
	ex.closed = true

	// Persist even when the client is gone.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	text := ex.text.String()
	success := out.status == shared.StatusCompleted
	req := &ledger.SettleRequest{
		UserID:     ex.req.UserID,
		ExchangeID: ex.record.ID,
		Status:     out.status,
		Settlement: o.ledger.Resolve(success, ex.usage, text),
	}
	if success {
		req.AIResponse = text
	} else {
		req.AIResponse = withMarker(text, out.status)
		req.PartialResponse = text
	}

	ex.result.Chunks = ex.chunks
	ex.result.Err = out.err

	settled, err := o.ledger.Settle(pctx, req)
	if err != nil {
		o.settleFailed(pctx, ex, req, err)
		return
	}
	ex.status = out.status
	ex.result.Status = out.status
	ex.result.TokensUsed = settled.Tokens
	ex.result.DataSource = req.Settlement.DataSource
	ex.result.BalanceAfter = settled.BalanceAfter
	o.observe(ex, req)

	if !success {
		ex.log.Infow("Stream ended early",
			"status", out.status,
			"error", out.err,
			"chunks", ex.chunks,
			"tokens", settled.Tokens)
		o.sendError(ex, out.err)
		return
	}

	// complete is the last event of a stream
	o.fireTitle(ctx, ex, text)
	if err := ex.mon.Send(sse.Complete(settled.Tokens, settled.BalanceAfter)); err != nil {
		ex.log.Debugw("Failed sending complete event", "error", err)
	}
}

// settleFailed records the terminal status without charging. If that fails
// too the exchange is stuck and the error is returned to the caller.
func (o *Orchestrator) settleFailed(ctx context.Context, ex *exchange, req *ledger.SettleRequest, err error) {
	if errors.Is(err, ledger.ErrAlreadySettled) {
		ex.status = o.persistedStatus(ctx, ex)
		ex.result.Status = ex.status
		ex.log.Warnw("Exchange already finalized elsewhere", "status", req.Status, "persisted", ex.status)
		ex.result.Err = errors.Join(ex.result.Err, err)
		o.sendError(ex, err)
		return
	}

	ex.log.Errorw("Settlement failed", "error", err, "tokens", req.Settlement.Tokens)
	metrics.ErrorCount.WithLabelValues(ex.req.Model, fmt.Sprint(ex.req.UserID), "settle").Inc()

	status := req.Status
	if status == shared.StatusCompleted {
		status = shared.StatusError
	}
	ai := req.AIResponse
	partial := req.PartialResponse
	if req.Status == shared.StatusCompleted {
		partial = req.AIResponse
		ai = withMarker(req.AIResponse, shared.StatusError)
	}
	terr := o.records.TransitionTo(ctx, ex.record.ID, shared.StatusStreaming, status, terminalFields(ai, partial))
	if terr != nil {
		ex.log.Errorw("Failed persisting terminal status", "error", terr, "status", status)
		ex.result.Err = errors.Join(shared.ErrPersistence, err, terr)
		ex.status = o.persistedStatus(ctx, ex)
	} else {
		ex.status = status
		ex.result.Err = errors.Join(ex.result.Err, shared.ErrPersistence, err)
	}
	ex.result.Status = ex.status
	o.sendError(ex, shared.ErrPersistence)
}

// persistedStatus reads the stored status, falling back to the last one
// this request wrote
func (o *Orchestrator) persistedStatus(ctx context.Context, ex *exchange) shared.ExchangeStatus {
	stored, err := o.records.GetExchange(ctx, ex.req.UserID, ex.record.ID)
	if err != nil {
		ex.log.Warnw("Failed reading exchange status", "error", err)
		return ex.status
	}
	return stored.Status
}

// failPending closes an exchange that never started streaming. It is not
// billed.
func (o *Orchestrator) failPending(ctx context.Context, ex *exchange, cause error) {
	ex.closed = true
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	if cause == nil {
		cause = shared.ErrInternalServerError
	}
	err := o.records.TransitionTo(pctx, ex.record.ID, shared.StatusPending, shared.StatusError,
		terminalFields(withMarker("", shared.StatusError), ""))
	if err != nil {
		ex.log.Errorw("Failed persisting terminal status", "error", err, "cause", cause)
		cause = errors.Join(cause, err)
	} else {
		ex.status = shared.StatusError
	}
	ex.result.Status = shared.StatusError
	ex.result.Err = cause
	metrics.ExchangeCount.WithLabelValues(ex.req.Model, string(shared.StatusError)).Inc()
	o.sendError(ex, cause)
}

// abort reports a failure that happened before any exchange was recorded
func (o *Orchestrator) abort(ex *exchange, err error) {
	ex.log.Warnw("Failed preparing exchange", "error", err)
	metrics.ErrorCount.WithLabelValues(ex.req.Model, fmt.Sprint(ex.req.UserID), shared.ErrorCode(err)).Inc()
	ex.result.Err = err
	o.sendError(ex, err)
}

func (o *Orchestrator) fireTitle(ctx context.Context, ex *exchange, text string) {
	if o.titles == nil || ex.v.session.TitleSet {
		return
	}
	t, ok := o.titles.Fire(ctx, ex.v.session, ex.v.model, ex.req.Message, text)
	if !ok {
		return
	}
	ex.result.Title = t
	if err := ex.mon.Send(sse.Title(t)); err != nil {
		ex.log.Debugw("Failed sending title event", "error", err)
	}
}

func (o *Orchestrator) observe(ex *exchange, req *ledger.SettleRequest) {
	model := ex.req.Model
	status := string(req.Status)
	metrics.ExchangeCount.WithLabelValues(model, status).Inc()
	metrics.StreamDuration.WithLabelValues(model, status).Observe(time.Since(ex.start).Seconds())
	metrics.SettledTokens.WithLabelValues(model, string(req.Settlement.DataSource)).Add(float64(req.Settlement.Tokens))
	if ex.result.Err != nil {
		metrics.ErrorCount.WithLabelValues(model, fmt.Sprint(ex.req.UserID), shared.ErrorCode(ex.result.Err)).Inc()
	}
}

// sendError writes the terminal error event if anyone is still listening
func (o *Orchestrator) sendError(ex *exchange, err error) {
	if !ex.mon.IsConnected() {
		return
	}
	message, code := publicError(err)
	if serr := ex.mon.Send(sse.Error(message, code)); serr != nil {
		ex.log.Debugw("Failed sending error event", "error", serr)
	}
}

// publicError picks what the client is told about err
func publicError(err error) (string, int) {
	var reqErr *shared.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Err.Error(), reqErr.StatusCode
	}
	switch {
	case errors.Is(err, shared.ErrClientDisconnected):
		return shared.ErrClientDisconnected.Msg, 499
	case errors.Is(err, shared.ErrColdStart):
		return shared.ErrColdStart.Msg, http.StatusServiceUnavailable
	case errors.Is(err, shared.ErrUpload):
		return shared.ErrUpload.Msg, http.StatusInternalServerError
	case errors.Is(err, shared.ErrPersistence):
		return shared.ErrPersistence.Msg, http.StatusInternalServerError
	case errors.Is(err, ledger.ErrAlreadySettled):
		return ledger.ErrAlreadySettled.Error(), http.StatusConflict
	case errors.Is(err, shared.ErrUpstreamGeneration):
		return shared.ErrUpstreamGeneration.Msg, http.StatusBadGateway
	}
	return shared.ErrInternalServerError.Err.Error(), http.StatusInternalServerError
}

func terminalFields(ai, partial string) *records.Fields {
	return &records.Fields{AIResponse: &ai, PartialResponse: &partial}
}
