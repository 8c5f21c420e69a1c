// Package litellm implements the embeddings.Embedder over a LiteLLM proxy,
// which fronts many upstream providers behind an OpenAI-compatible API.
package litellm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

// Upstream providers behind the proxy impose their own input caps, keyed by
// the model prefix LiteLLM routes on. Unknown prefixes get a conservative
// cap, since a too-large batch fails the whole request.
var prefixChunkCaps = map[string]int{
	"cohere/":      96,
	"mistral/":     128,
	"bedrock/":     96,
	"huggingface/": 2048,
}

const defaultChunkCap = 5

// ChunksForModel returns the per-request input cap for a routed model name.
func ChunksForModel(model string) int {
	for prefix, cap := range prefixChunkCaps {
		if strings.HasPrefix(model, prefix) {
			return cap
		}
	}
	return defaultChunkCap
}

// Config holds the client configuration. BaseURL and Model are required; the
// API key is optional for unauthenticated proxies.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxChunks int
}

type Client struct {
	cfg  Config
	http *embeddings.HTTPClient
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = ChunksForModel(cfg.Model)
	}
	return &Client{
		cfg:  cfg,
		http: embeddings.NewHTTPClient("litellm", log),
	}
}

var _ embeddings.Embedder = (*Client)(nil)

func (c *Client) MaxChunksPerBatch() int { return c.cfg.MaxChunks }
func (c *Client) MaxTokensPerBatch() int { return 0 }

func (c *Client) Setup(ctx context.Context) error { return nil }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([]embeddings.Result, error) {
	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	plan := embeddings.PlanBatches(documents, c.cfg.MaxChunks, 0, nil)
	return embeddings.EmbedInBatches(documents, plan, func(batch []string) ([]embeddings.Result, error) {
		var resp embedResponse
		err := c.http.PostJSON(ctx, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/embeddings",
			headers,
			embedRequest{Model: c.cfg.Model, Input: batch},
			&resp)
		if err != nil {
			return nil, err
		}
		if err := embeddings.RequireLen("litellm", len(resp.Data), len(batch)); err != nil {
			return nil, err
		}
		out := make([]embeddings.Result, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(out) {
				return nil, &embeddings.ProviderError{Provider: "litellm",
					Msg: fmt.Sprintf("embedding index %d out of range for %d inputs", d.Index, len(batch))}
			}
			out[d.Index] = embeddings.Result{Vector: d.Embedding}
		}
		return out, nil
	})
}
