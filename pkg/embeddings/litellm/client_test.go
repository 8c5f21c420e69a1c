package litellm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunksForModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"cohere/embed-english-v3.0", 96},
		{"mistral/mistral-embed", 128},
		{"bedrock/amazon.titan-embed-text-v2:0", 96},
		{"huggingface/BAAI/bge-small-en-v1.5", 2048},
		{"some-unknown-model", 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChunksForModel(tt.model), tt.model)
	}
}

func TestEmbedDocumentsAuthHeaderOptional(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i)}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	log := slog.New(slog.DiscardHandler)

	// Unauthenticated proxy: no Authorization header at all.
	c := NewClient(Config{BaseURL: srv.URL + "/", Model: "mistral/mistral-embed"}, log)
	results, err := c.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, gotAuth)

	c = NewClient(Config{APIKey: "sk-proxy", BaseURL: srv.URL, Model: "mistral/mistral-embed"}, log)
	_, err = c.EmbedDocuments(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-proxy", gotAuth)
}

func TestEmbedDocumentsRejectsOutOfRangeIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{}
		resp.Data = append(resp.Data, struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}{Index: -1, Embedding: []float32{1}})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "mistral/mistral-embed"}, slog.New(slog.DiscardHandler))

	_, err := c.EmbedDocuments(context.Background(), []string{"only one"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index -1 out of range")
}

func TestNewClientDefaultsCapFromModel(t *testing.T) {
	c := NewClient(Config{Model: "cohere/embed-english-v3.0"}, slog.New(slog.DiscardHandler))
	assert.Equal(t, 96, c.MaxChunksPerBatch())
	assert.Equal(t, 0, c.MaxTokensPerBatch())

	c = NewClient(Config{Model: "whatever", MaxChunks: 64}, slog.New(slog.DiscardHandler))
	assert.Equal(t, 64, c.MaxChunksPerBatch())
}
