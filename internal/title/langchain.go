package title

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainGenerator titles sessions with a dedicated, usually cheaper, model
type LangchainGenerator struct {
	llm llms.Model
}

func NewLangchainGenerator(model, apiKey, baseURL string) (*LangchainGenerator, error) {
	opts := []openai.Option{openai.WithModel(model), openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed creating title model: %w", err)
	}
	return &LangchainGenerator{llm: llm}, nil
}

func (g *LangchainGenerator) Generate(ctx context.Context, in *Input) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g.llm, prompt+in.Context,
		llms.WithMaxTokens(32),
		llms.WithTemperature(0.2),
	)
}
