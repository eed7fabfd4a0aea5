package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatstream-api/internal/shared"

	"go.uber.org/zap"
)

// HTTPSource streams from OpenAI compatible inference engines whose base
// URL comes from the model registry.
type HTTPSource struct {
	log               *zap.SugaredLogger
	firstChunkTimeout time.Duration

	clientsMutex sync.RWMutex
	httpClients  map[string]*http.Client
}

func NewHTTPSource(log *zap.SugaredLogger, firstChunkTimeout time.Duration) *HTTPSource {
	if firstChunkTimeout <= 0 {
		firstChunkTimeout = shared.DefaultFirstChunkTimeout
	}
	return &HTTPSource{
		log:               log,
		firstChunkTimeout: firstChunkTimeout,
		httpClients:       map[string]*http.Client{},
	}
}

// getHTTPClient returns one keep-alive client per engine host
func (s *HTTPSource) getHTTPClient(modelURL string) *http.Client {
	parsedURL, err := url.Parse(modelURL)
	if err != nil {
		s.log.Warnw("Failed to parse model URL, using full URL as key", "url", modelURL, "error", err)
		parsedURL = &url.URL{Host: modelURL}
	}
	host := parsedURL.Host

	s.clientsMutex.RLock()
	if client, exists := s.httpClients[host]; exists {
		s.clientsMutex.RUnlock()
		return client
	}
	s.clientsMutex.RUnlock()

	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	if client, exists := s.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: shared.DefaultDialTimeout,
		}).DialContext,
		TLSHandshakeTimeout: shared.DefaultDialTimeout,
	}
	// No client timeout: streams may run as long as the engine produces.
	client := &http.Client{Transport: tr}
	s.httpClients[host] = client
	return client
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions map[string]any `json:"stream_options"`
}

func buildMessages(req *Request) []wireMessage {
	out := make([]wireMessage, 0, len(req.Messages))
	for i, msg := range req.Messages {
		last := i == len(req.Messages)-1
		if !last || len(req.ImageURLs) == 0 {
			out = append(out, wireMessage{Role: msg.Role, Content: msg.Content})
			continue
		}
		parts := []contentPart{{Type: "text", Text: msg.Content}}
		for _, u := range req.ImageURLs {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
		}
		out = append(out, wireMessage{Role: msg.Role, Content: parts})
	}
	return out
}

func (s *HTTPSource) Generate(ctx context.Context, req *Request) (Stream, error) {
	body, err := json.Marshal(completionRequest{
		Model:         req.Model.UpstreamModel,
		Messages:      buildMessages(req),
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed encoding completion request: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(req.Model.URL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("failed building request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")

	// Engines scaling from zero can hold the request open for minutes;
	// give up if nothing arrives in time.
	coldStart := time.AfterFunc(s.firstChunkTimeout, func() {
		cancel(shared.ErrColdStart)
	})

	httpStart := time.Now()
	res, err := s.getHTTPClient(req.Model.URL).Do(r)
	if err != nil {
		coldStart.Stop()
		cancel(nil)
		if errors.Is(context.Cause(ctx), shared.ErrColdStart) {
			return nil, shared.ErrColdStart
		}
		return nil, errors.Join(shared.ErrFailedModelReq, err)
	}
	if res.StatusCode != http.StatusOK {
		coldStart.Stop()
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		_ = res.Body.Close()
		cancel(nil)
		return nil, errors.Join(shared.ErrFailedModelReqFromCode, fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(detail)))
	}

	s.log.Debugw("Engine accepted request",
		"model", req.Model.Name,
		"url", req.Model.URL,
		"http_duration_ms", time.Since(httpStart).Milliseconds())

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &httpStream{ctx: ctx, cancel: cancel, body: res.Body, scanner: scanner, coldStart: coldStart}, nil
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *shared.Usage  `json:"usage"`
}

type httpStream struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	body      io.ReadCloser
	scanner   *bufio.Scanner
	coldStart *time.Timer

	closeOnce sync.Once
	done      bool
}

func (h *httpStream) Next(ctx context.Context) (Chunk, error) {
	if h.done {
		return Chunk{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if !h.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(h.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			h.done = true
			return Chunk{}, io.EOF
		}
		h.coldStart.Stop()

		var resp streamResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return Chunk{}, errors.Join(shared.ErrFailedReadingResponse, err)
		}
		var chunk Chunk
		for _, c := range resp.Choices {
			chunk.Content += c.Delta.Content
		}
		chunk.Usage = resp.Usage
		if chunk.Content == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}

	if cause := context.Cause(h.ctx); cause != nil {
		if errors.Is(cause, shared.ErrColdStart) {
			return Chunk{}, shared.ErrColdStart
		}
		return Chunk{}, cause
	}
	if err := h.scanner.Err(); err != nil {
		return Chunk{}, errors.Join(shared.ErrFailedReadingResponse, err)
	}
	return Chunk{}, shared.ErrMissingDoneToken
}

func (h *httpStream) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.coldStart.Stop()
		h.cancel(context.Canceled)
		err = h.body.Close()
	})
	return err
}
