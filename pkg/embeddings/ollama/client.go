// Package ollama implements the embeddings.Embedder over a local or remote
// Ollama server.
package ollama

import (
	"context"
	"log/slog"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

const (
	DefaultBaseURL = "http://localhost:11434"

	// DefaultMaxChunksPerBatch bounds request size; Ollama has no hard API
	// cap but large batches serialize poorly on a single local model.
	DefaultMaxChunksPerBatch = 100
)

// Config holds the client configuration. Model is required; Truncate maps to
// the server-side truncation flag (nil leaves the server default).
type Config struct {
	BaseURL   string
	Model     string
	Truncate  *bool
	MaxChunks int
}

// Client calls /api/embed. Setup verifies the model is present and pulls it
// when it is not, so a fresh server works without manual preparation.
type Client struct {
	cfg  Config
	http *embeddings.HTTPClient
	log  *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunksPerBatch
	}
	return &Client{
		cfg:  cfg,
		http: embeddings.NewHTTPClient("ollama", log),
		log:  log,
	}
}

var _ embeddings.Embedder = (*Client)(nil)

func (c *Client) MaxChunksPerBatch() int { return c.cfg.MaxChunks }
func (c *Client) MaxTokensPerBatch() int { return 0 }

type showRequest struct {
	Model string `json:"model"`
}

type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Setup checks the model and pulls it on a 404.
func (c *Client) Setup(ctx context.Context) error {
	var showResp map[string]any
	err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/api/show", nil,
		showRequest{Model: c.cfg.Model}, &showResp)
	if err == nil {
		return nil
	}
	if embeddings.StatusOf(err) != 404 {
		return err
	}

	c.log.Info("pulling ollama model", slog.String("model", c.cfg.Model))
	var pullResp map[string]any
	return c.http.PostJSON(ctx, c.cfg.BaseURL+"/api/pull", nil,
		pullRequest{Model: c.cfg.Model, Stream: false}, &pullResp)
}

type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate *bool    `json:"truncate,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([]embeddings.Result, error) {
	plan := embeddings.PlanBatches(documents, c.cfg.MaxChunks, 0, nil)
	return embeddings.EmbedInBatches(documents, plan, func(batch []string) ([]embeddings.Result, error) {
		var resp embedResponse
		err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/api/embed", nil,
			embedRequest{Model: c.cfg.Model, Input: batch, Truncate: c.cfg.Truncate}, &resp)
		if err != nil {
			return nil, err
		}
		if err := embeddings.RequireLen("ollama", len(resp.Embeddings), len(batch)); err != nil {
			return nil, err
		}
		out := make([]embeddings.Result, len(batch))
		for i, v := range resp.Embeddings {
			out[i] = embeddings.Result{Vector: v}
		}
		return out, nil
	})
}
