package upstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"chatstream-api/internal/shared"

	"github.com/sashabaranov/go-openai"
)

// OpenAISource streams from the OpenAI API, or any endpoint speaking it,
// using the registry entry's upstream model name.
type OpenAISource struct {
	client *openai.Client
}

func NewOpenAISource(apiKey, baseURL string) *OpenAISource {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAISource{client: openai.NewClientWithConfig(cfg)}
}

func toOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for i, msg := range req.Messages {
		if i < len(req.Messages)-1 || len(req.ImageURLs) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: msg.Content}}
		for _, u := range req.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: u, Detail: openai.ImageURLDetailAuto},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: msg.Role, MultiContent: parts})
	}
	return out
}

func (s *OpenAISource) Generate(ctx context.Context, req *Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.Model.UpstreamModel,
		Messages:      toOpenAIMessages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		cancel()
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, errors.Join(shared.ErrFailedModelReqFromCode, err)
		}
		return nil, errors.Join(shared.ErrFailedModelReq, err)
	}
	return &openAIStream{stream: stream, cancel: cancel}, nil
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (o *openAIStream) Next(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		resp, err := o.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, errors.Join(shared.ErrFailedReadingResponse, err)
		}
		var chunk Chunk
		for _, c := range resp.Choices {
			chunk.Content += c.Delta.Content
		}
		if resp.Usage != nil {
			chunk.Usage = &shared.Usage{
				PromptTokens:     uint64(resp.Usage.PromptTokens),
				CompletionTokens: uint64(resp.Usage.CompletionTokens),
				TotalTokens:      uint64(resp.Usage.TotalTokens),
			}
		}
		if chunk.Content == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

func (o *openAIStream) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.cancel()
		err = o.stream.Close()
	})
	return err
}
