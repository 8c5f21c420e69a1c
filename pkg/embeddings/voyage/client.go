// Package voyage implements the embeddings.Embedder over the Voyage AI API.
package voyage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

const (
	DefaultBaseURL = "https://api.voyageai.com/v1"

	// DefaultMaxChunksPerBatch is the API's documented input cap.
	DefaultMaxChunksPerBatch = 128

	// DefaultMaxTokensPerBatch is the shared token budget of the voyage-2
	// model family.
	DefaultMaxTokensPerBatch = 120000
)

// Config holds the client configuration. Model is required.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxChunks int
	MaxTokens int
}

type Client struct {
	cfg  Config
	http *embeddings.HTTPClient
	tok  embeddings.Tokenizer
}

func NewClient(cfg Config, cacheDir string, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunksPerBatch
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokensPerBatch
	}
	return &Client{
		cfg:  cfg,
		http: embeddings.NewHTTPClient("voyage", log),
		// Voyage does not publish a tokenizer; the cl100k estimate keeps
		// batches comfortably under the budget.
		tok: embeddings.NewTokenizer("", cacheDir),
	}
}

var _ embeddings.Embedder = (*Client)(nil)

func (c *Client) MaxChunksPerBatch() int { return c.cfg.MaxChunks }
func (c *Client) MaxTokensPerBatch() int { return c.cfg.MaxTokens }

func (c *Client) Setup(ctx context.Context) error { return nil }

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([]embeddings.Result, error) {
	plan := embeddings.PlanBatches(documents, c.cfg.MaxChunks, c.cfg.MaxTokens, c.tok)
	return embeddings.EmbedInBatches(documents, plan, func(batch []string) ([]embeddings.Result, error) {
		var resp embedResponse
		err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/embeddings",
			map[string]string{"Authorization": "Bearer " + c.cfg.APIKey},
			embedRequest{Model: c.cfg.Model, Input: batch, InputType: "document"},
			&resp)
		if err != nil {
			return nil, err
		}
		if err := embeddings.RequireLen("voyage", len(resp.Data), len(batch)); err != nil {
			return nil, err
		}
		out := make([]embeddings.Result, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(out) {
				return nil, &embeddings.ProviderError{Provider: "voyage",
					Msg: fmt.Sprintf("embedding index %d out of range for %d inputs", d.Index, len(batch))}
			}
			out[d.Index] = embeddings.Result{Vector: d.Embedding}
		}
		return out, nil
	})
}
