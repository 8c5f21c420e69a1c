package openai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "text-embedding-3-small",
	}, "", slog.New(slog.DiscardHandler))
	return srv, c
}

func decodeRequest(t *testing.T, r *http.Request) embedRequest {
	t.Helper()
	var req embedRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func writeEmbeddings(w http.ResponseWriter, inputs []string, reverse bool) {
	resp := embedResponse{}
	for i := range inputs {
		resp.Data = append(resp.Data, struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}{Index: i, Embedding: []float32{float32(i)}})
	}
	if reverse {
		for i, j := 0, len(resp.Data)-1; i < j; i, j = i+1, j-1 {
			resp.Data[i], resp.Data[j] = resp.Data[j], resp.Data[i]
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func TestEmbedDocumentsOrdersByIndex(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		// Respond out of order; the client must sort by index.
		writeEmbeddings(w, req.Input, true)
	})

	results, err := c.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.True(t, r.Ok())
		assert.Equal(t, []float32{float32(i)}, r.Vector)
	}
}

func TestEmbedDocumentsBisectsContextLengthError(t *testing.T) {
	const huge = "pretend this is enormous"

	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		for _, in := range req.Input {
			if in == huge {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error": {"message": "this model's maximum context length is 8192 tokens"}}`))
				return
			}
		}
		writeEmbeddings(w, req.Input, false)
	})

	results, err := c.EmbedDocuments(context.Background(), []string{"a", huge, "b"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Ok())
	require.False(t, results[1].Ok())
	assert.Equal(t, "context_length_exceeded", results[1].Err.Reason)
	assert.Equal(t, "chunk exceeds model context length", results[1].Err.Detail)
	assert.True(t, results[2].Ok())
}

func TestEmbedDocumentsPropagatesAuthError(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
	})

	_, err := c.EmbedDocuments(context.Background(), []string{"a"})
	require.Error(t, err)

	var perr *embeddings.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Auth())
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{Model: "text-embedding-3-small"}, "", slog.New(slog.DiscardHandler))
	assert.Equal(t, DefaultMaxChunksPerBatch, c.MaxChunksPerBatch())
	assert.Equal(t, DefaultMaxTokensPerBatch, c.MaxTokensPerBatch())
	assert.NoError(t, c.Setup(context.Background()))
}
