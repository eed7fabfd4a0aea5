// Package title names a session after its first completed exchange
package title

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"chatstream-api/internal/metrics"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/upstream"

	"go.uber.org/zap"
)

const prompt = "Write a title of at most 15 characters for the conversation below. " +
	"Use the language of the conversation. Reply with the title only, no quotes or punctuation.\n\n"

// Input is what a generator sees. Model is the model the exchange used.
type Input struct {
	UserID  uint64
	Model   *upstream.Model
	Context string
}

type Generator interface {
	Generate(ctx context.Context, in *Input) (string, error)
}

// Store persists a title only while the session has none
type Store interface {
	SetTitle(ctx context.Context, sessionID, title string) (bool, error)
}

type Trigger struct {
	store   Store
	gen     Generator
	log     *zap.SugaredLogger
	timeout time.Duration
}

func NewTrigger(store Store, gen Generator, log *zap.SugaredLogger, timeout time.Duration) *Trigger {
	if timeout <= 0 {
		timeout = shared.DefaultTitleTimeout
	}
	return &Trigger{store: store, gen: gen, log: log, timeout: timeout}
}

// Fire generates and stores a title for an untitled session. It returns the
// title and true only when this call flipped the session's title flag.
// Failures are logged and leave the session untitled.
func (t *Trigger) Fire(ctx context.Context, session *shared.Session, model *upstream.Model, userMessage, aiResponse string) (string, bool) {
	if session.TitleSet {
		return "", false
	}
	log := t.log.With("session_id", session.ID)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.gen.Generate(ctx, &Input{
		UserID:  session.UserID,
		Model:   model,
		Context: shared.TruncateRunes(userMessage+"\n"+aiResponse, shared.TitleContextRunes),
	})
	if err != nil {
		log.Warnw("Failed generating title", "error", err)
		metrics.TitlesGenerated.WithLabelValues("failed").Inc()
		return "", false
	}
	title := Sanitize(raw)
	if title == "" {
		log.Warnw("Generated title empty after sanitizing", "raw", raw)
		metrics.TitlesGenerated.WithLabelValues("empty").Inc()
		return "", false
	}

	set, err := t.store.SetTitle(ctx, session.ID, title)
	if err != nil {
		log.Warnw("Failed storing title", "error", err)
		metrics.TitlesGenerated.WithLabelValues("failed").Inc()
		return "", false
	}
	if !set {
		metrics.TitlesGenerated.WithLabelValues("already_set").Inc()
		return "", false
	}
	session.Title, session.TitleSet = title, true
	metrics.TitlesGenerated.WithLabelValues("set").Inc()
	log.Infow("Session titled", "title", title)
	return title, true
}

var (
	labelPrefix = regexp.MustCompile(`(?i)^\s*(title|标题)\s*[:：]\s*`)
	whitespace  = regexp.MustCompile(`\s+`)
)

const stripped = "\"'`“”‘’«»「」『』《》〈〉*_#~>|()[]{}<>（）【】〔〕"

const trailing = ".。!！?？:：,，;；、…-—"

// Sanitize reduces model output to a bare title of at most 15 runes: first
// non-empty line, no label, quotes, markdown, brackets or emoji, single spaces.
func Sanitize(raw string) string {
	line := ""
	for l := range strings.SplitSeq(raw, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	line = labelPrefix.ReplaceAllString(line, "")
	line = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(stripped, r):
			return -1
		case isEmoji(r):
			return -1
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, line)
	line = whitespace.ReplaceAllString(line, " ")
	line = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line), trailing))
	line = shared.TruncateRunes(line, shared.MaxTitleRunes)
	return strings.TrimSpace(line)
}

func isEmoji(r rune) bool {
	return unicode.Is(unicode.So, r) ||
		(unicode.Is(unicode.Sk, r) && r > 0xFF) ||
		r == 0x200D ||
		(r >= 0xFE00 && r <= 0xFE0F) ||
		(r >= 0x1F000 && r <= 0x1FAFF)
}

// drainLimit bounds how much a source generator reads
const drainLimit = 256

// SourceGenerator asks the same backend that served the exchange for a title
type SourceGenerator struct {
	source upstream.Source
}

func NewSourceGenerator(source upstream.Source) *SourceGenerator {
	return &SourceGenerator{source: source}
}

func (g *SourceGenerator) Generate(ctx context.Context, in *Input) (string, error) {
	if in.Model == nil {
		return "", errors.New("no model to title with")
	}
	stream, err := g.source.Generate(ctx, &upstream.Request{
		UserID:   in.UserID,
		Model:    in.Model,
		Messages: []shared.ChatMessage{{Role: "user", Content: prompt + in.Context}},
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for sb.Len() < drainLimit {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		sb.WriteString(chunk.Content)
	}
	return sb.String(), nil
}
