package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIServer(t *testing.T, status int, dim int) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		inputs, _ := body["input"].([]any)
		data := make([]map[string]any, len(inputs))
		// Reverse order to check that Index is honored.
		for i := range inputs {
			vec := make([]float32, dim)
			vec[0] = float32(i)
			data[len(inputs)-1-i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": body["model"]})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestOpenAIEmbed(t *testing.T) {
	srv, reqs := openAIServer(t, http.StatusOK, 4)
	p := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "k", Model: "m-small", Dimensions: 4})

	vecs, err := p.Embed(context.Background(), []string{"a", "", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(i), v[0])
	}

	require.Len(t, *reqs, 1)
	assert.Equal(t, "m-small", (*reqs)[0]["model"])
	assert.EqualValues(t, 4, (*reqs)[0]["dimensions"])
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, 4, p.Dimensions())
}

func TestOpenAIDimensionMismatch(t *testing.T) {
	srv, _ := openAIServer(t, http.StatusOK, 2)
	p := NewOpenAI(Config{BaseURL: srv.URL, Dimensions: 8})

	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := openAIServer(t, tt.status, 2)
			p := NewOpenAI(Config{BaseURL: srv.URL, Dimensions: 2})
			_, err := p.Embed(context.Background(), []string{"a"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestNewProvider(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())
	assert.Zero(t, p.Dimensions())

	p, err = New(context.Background(), Config{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, p.Model())
	assert.Equal(t, defaultOpenAIDimensions, p.Dimensions())

	_, err = New(context.Background(), Config{Provider: "llamafile"})
	assert.Error(t, err)
}

func TestCheckVectors(t *testing.T) {
	assert.NoError(t, checkVectors([][]float32{{1, 2}}, 1, 2))
	assert.Error(t, checkVectors([][]float32{{1, 2}}, 2, 2))
	assert.Error(t, checkVectors([][]float32{{1}}, 1, 2))
}
