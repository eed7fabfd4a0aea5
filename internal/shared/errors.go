package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

// NewValidationError builds a 400 with a message safe to show the caller
func NewValidationError(msg string) *RequestError {
	return &RequestError{StatusCode: 400, Err: errors.New(msg)}
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrInvalidKeyLen = &RequestError{Err: errors.New("invalid API key length"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}

	ErrInvalidRequest      = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrInsufficientBalance = &RequestError{Err: errors.New("insufficient token balance"), StatusCode: 402}

	ErrSessionNotFound  = &RequestError{Err: errors.New("session not found"), StatusCode: 404}
	ErrExchangeNotFound = &RequestError{Err: errors.New("exchange not found"), StatusCode: 404}
	ErrModelNotFound    = &RequestError{Err: errors.New("model not found"), StatusCode: 404}
	ErrUserNotFound     = &RequestError{Err: errors.New("user not found"), StatusCode: 404}
	ErrExchangeBusy     = &RequestError{Err: errors.New("exchange is still streaming"), StatusCode: 409}

	ErrInternalServerError  = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrStreamingUnsupported = &RequestError{Err: errors.New("streaming unsupported"), StatusCode: 500}

	ErrUpstreamGeneration     = &MetricsError{Msg: "upstream generation failed", Code: "upstream_generation_err"}
	ErrClientDisconnected     = &MetricsError{Msg: "client disconnected", Code: "client_disconnected"}
	ErrPersistence            = &MetricsError{Msg: "persistence failed", Code: "persistence_err"}
	ErrColdStart              = &MetricsError{Msg: "model cold start", Code: "model_cold_start"}
	ErrFailedModelReq         = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrFailedModelReqFromCode = &MetricsError{Msg: "model responded with non-200", Code: "model_http_status_err"}
	ErrFailedReadingResponse  = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrMissingDoneToken       = &MetricsError{Msg: "missing [DONE] token", Code: "missing_done_token"}
	ErrUpload                 = &MetricsError{Msg: "failed to upload attachment", Code: "upload_err"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// ErrorCode returns the metrics code of the first MetricsError in the chain,
// or "unknown"
func ErrorCode(err error) string {
	var merr *MetricsError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return "unknown"
}
