package embedding

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultGeminiModel      = "text-embedding-004"
	defaultGeminiDimensions = 768
)

// Gemini generates embeddings with the Gemini API.
type Gemini struct {
	client     *genai.Client
	em         *genai.EmbeddingModel
	model      string
	dimensions int
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultGeminiDimensions
	}
	em := client.EmbeddingModel(model)
	em.TaskType = genai.TaskTypeRetrievalDocument
	return &Gemini{client: client, em: em, model: model, dimensions: dims}, nil
}

func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batch := g.em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := g.em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classifyGemini(err)
	}
	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e != nil {
			out[i] = e.Values
		}
	}
	if err := checkVectors(out, len(texts), g.dimensions); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gemini) Dimensions() int { return g.dimensions }
func (g *Gemini) Name() string    { return "gemini" }
func (g *Gemini) Model() string   { return g.model }

// Close releases the client connection.
func (g *Gemini) Close() error { return g.client.Close() }

func classifyGemini(err error) error {
	wrapped := fmt.Errorf("gemini embeddings: %w", err)
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted:
		return transient(wrapped)
	}
	return wrapped
}
