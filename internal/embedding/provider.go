// Package embedding generates and stores message vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDisabled is returned when no embedding provider is configured.
var ErrDisabled = errors.New("embedding: no provider configured")

// Provider generates vectors from text.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the length of the produced vectors.
	Dimensions() int
	Name() string
	Model() string
}

// Config selects and configures a provider.
type Config struct {
	Provider   string // openai, gemini, none
	Model      string
	Dimensions int
	BaseURL    string
	APIKey     string
}

// New creates the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return NullProvider{}, nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini", "google":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// NullProvider disables semantic indexing. Search falls back to lexical only.
type NullProvider struct{}

func (NullProvider) Embed(context.Context, []string) ([][]float32, error) { return nil, ErrDisabled }
func (NullProvider) Dimensions() int                                      { return 0 }
func (NullProvider) Name() string                                         { return "none" }
func (NullProvider) Model() string                                        { return "none" }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error { return &transientError{err: err} }

// IsTransient reports whether a provider failure is worth retrying.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// checkVectors validates a provider response against the request.
func checkVectors(vecs [][]float32, n, dim int) error {
	if len(vecs) != n {
		return fmt.Errorf("embedding: got %d vectors for %d inputs", len(vecs), n)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("embedding: vector %d has %d dimensions, want %d", i, len(v), dim)
		}
	}
	return nil
}
