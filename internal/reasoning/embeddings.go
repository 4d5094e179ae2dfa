package reasoning

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
)

// NewEmbeddingFunc builds the embedding function the knowledge store uses,
// backed by the same OpenAI-compatible endpoint as synthesis but with the
// configured embedding model.
func NewEmbeddingFunc(cfg config.ReasoningConfig) (chromem.EmbeddingFunc, error) {
	if cfg.BaseURL == "" {
		return nil, &incident.ConfigurationError{Component: "reasoning", Reason: "base_url is required"}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.EmbeddingModel),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}, nil
}
