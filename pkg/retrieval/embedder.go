package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	osdk "github.com/openai/openai-go/v3"
)

const DefaultEmbeddingModel = "text-embedding-3-small"

// Embedder turns query text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client osdk.Client
	model  string
}

func NewOpenAIEmbedder(client osdk.Client, model string) *OpenAIEmbedder {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("embed: text is required")
	}

	resp, err := e.client.Embeddings.New(ctx, osdk.EmbeddingNewParams{
		Input: osdk.EmbeddingNewParamsInputUnion{OfString: osdk.String(text)},
		Model: osdk.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embed: empty embedding response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
