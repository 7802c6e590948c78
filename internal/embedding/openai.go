package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel      = "text-embedding-3-small"
	defaultOpenAIDimensions = 1536
)

// OpenAI generates embeddings through any OpenAI-compatible endpoint.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg Config) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultOpenAIDimensions
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(oc),
		model:      model,
		dimensions: dims,
	}
}

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dimensions,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	if err := checkVectors(out, len(texts), o.dimensions); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OpenAI) Dimensions() int { return o.dimensions }
func (o *OpenAI) Name() string    { return "openai" }
func (o *OpenAI) Model() string   { return o.model }

func classifyOpenAI(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		// Transport failure before any response.
		return transient(fmt.Errorf("openai embeddings: %w", err))
	}
	err = fmt.Errorf("openai embeddings (status %d): %w", status, err)
	if status == http.StatusTooManyRequests || status >= 500 {
		return transient(err)
	}
	return err
}
