package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"unicode/utf8"

	"chatstream-api/internal/ledger"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/storage"
	"chatstream-api/internal/upstream"
)

type Attachment struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

type Request struct {
	UserID      uint64       `json:"-"`
	SessionID   string       `json:"-"`
	RequestID   string       `json:"-"`
	Model       string       `json:"model"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type decodedImage struct {
	contentType string
	data        []byte
	size        ledger.ImageSize
}

// validated is everything the later phases need from a request that passed
// validation
type validated struct {
	session  *shared.Session
	model    *upstream.Model
	images   []decodedImage
	estimate int64
	balance  int64
}

var formatTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
}

func decodeAttachment(i int, a Attachment) (*decodedImage, error) {
	if !storage.AllowedContentType(a.ContentType) {
		return nil, shared.NewValidationError(fmt.Sprintf("attachment %d: unsupported content type %q", i, a.ContentType))
	}
	raw := a.Data
	if idx := strings.Index(raw, ";base64,"); strings.HasPrefix(raw, "data:") && idx >= 0 {
		raw = raw[idx+len(";base64,"):]
	}
	if base64.StdEncoding.DecodedLen(len(raw)) > shared.MaxAttachmentBytes+3 {
		return nil, shared.NewValidationError(fmt.Sprintf("attachment %d: larger than %d bytes", i, shared.MaxAttachmentBytes))
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, shared.NewValidationError(fmt.Sprintf("attachment %d: invalid base64", i))
	}
	if len(data) == 0 || len(data) > shared.MaxAttachmentBytes {
		return nil, shared.NewValidationError(fmt.Sprintf("attachment %d: must be 1 to %d bytes", i, shared.MaxAttachmentBytes))
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, shared.NewValidationError(fmt.Sprintf("attachment %d: not a readable image", i))
	}
	if formatTypes[format] != a.ContentType {
		return nil, shared.NewValidationError(fmt.Sprintf("attachment %d: content is %s, declared %s", i, format, a.ContentType))
	}
	return &decodedImage{
		contentType: a.ContentType,
		data:        data,
		size:        ledger.ImageSize{Width: cfg.Width, Height: cfg.Height},
	}, nil
}

// validate runs the structural, permission and balance checks. Nothing is
// written, so a failure here needs no cleanup.
func (o *Orchestrator) validate(ctx context.Context, req *Request) (*validated, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, shared.NewValidationError("message is required")
	}
	if utf8.RuneCountInString(req.Message) > shared.MaxMessageRunes {
		return nil, shared.NewValidationError(fmt.Sprintf("message longer than %d characters", shared.MaxMessageRunes))
	}
	if req.Model == "" {
		return nil, shared.NewValidationError("model is required")
	}
	if req.SessionID == "" {
		return nil, shared.NewValidationError("session is required")
	}
	if len(req.Attachments) > shared.MaxAttachments {
		return nil, shared.NewValidationError(fmt.Sprintf("at most %d attachments", shared.MaxAttachments))
	}

	v := &validated{}
	sizes := make([]ledger.ImageSize, 0, len(req.Attachments))
	for i, a := range req.Attachments {
		img, err := decodeAttachment(i, a)
		if err != nil {
			return nil, err
		}
		v.images = append(v.images, *img)
		sizes = append(sizes, img.size)
	}

	var err error
	if v.session, err = o.records.GetSession(ctx, req.UserID, req.SessionID); err != nil {
		return nil, err
	}
	if v.model, err = o.models.Resolve(ctx, req.UserID, req.Model); err != nil {
		return nil, err
	}

	v.estimate = o.ledger.EstimateRequest(req.Message, sizes)
	check, err := o.ledger.CheckBalance(ctx, req.UserID, v.estimate)
	if err != nil {
		return nil, err
	}
	if !check.Sufficient {
		return nil, shared.ErrInsufficientBalance
	}
	v.balance = check.Balance
	return v, nil
}

// rejectReason labels pre-stream rejections for metrics
func rejectReason(err error) string {
	var reqErr *shared.RequestError
	switch {
	case errors.Is(err, shared.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, shared.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, shared.ErrModelNotFound):
		return "model_not_found"
	case errors.As(err, &reqErr) && reqErr.StatusCode == 400:
		return "validation"
	default:
		return "internal"
	}
}
