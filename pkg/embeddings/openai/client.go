// Package openai implements the embeddings.Embedder over the OpenAI
// embeddings API and any API-compatible endpoint.
package openai

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultMaxChunksPerBatch is the API's documented input-array cap.
	DefaultMaxChunksPerBatch = 2048

	// DefaultMaxTokensPerBatch is the per-request token budget for the
	// text-embedding-3 family.
	DefaultMaxTokensPerBatch = 300000
)

// Config holds the client configuration. Model is required.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	MaxChunks  int
	MaxTokens  int
}

// Client calls the /embeddings endpoint with token-aware batching. Documents
// the model rejects for context length are retried individually so only the
// offending chunk fails.
type Client struct {
	cfg  Config
	http *embeddings.HTTPClient
	tok  embeddings.Tokenizer
}

// NewClient builds the client. cacheDir is passed to the tokenizer for
// offline tiktoken data.
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
		http: embeddings.NewHTTPClient("openai", log),
		tok:  embeddings.NewTokenizer(cfg.Model, cacheDir),
	}
}

var _ embeddings.Embedder = (*Client)(nil)

func (c *Client) MaxChunksPerBatch() int { return c.cfg.MaxChunks }
func (c *Client) MaxTokensPerBatch() int { return c.cfg.MaxTokens }

func (c *Client) Setup(ctx context.Context) error { return nil }

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedDocuments embeds all documents, one Result per input in input order.
func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([]embeddings.Result, error) {
	plan := embeddings.PlanBatches(documents, c.cfg.MaxChunks, c.cfg.MaxTokens, c.tok)
	return embeddings.EmbedInBatches(documents, plan, func(batch []string) ([]embeddings.Result, error) {
		return c.embedBatch(ctx, batch)
	})
}

// embedBatch embeds one batch. A context-length rejection bisects the batch
// until the offending document stands alone and becomes a per-chunk error.
func (c *Client) embedBatch(ctx context.Context, batch []string) ([]embeddings.Result, error) {
	var resp embedResponse
	err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/embeddings",
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey},
		embedRequest{Model: c.cfg.Model, Input: batch, Dimensions: c.cfg.Dimensions},
		&resp)
	if err != nil {
		if !isContextLengthError(err) {
			return nil, err
		}
		if len(batch) == 1 {
			return []embeddings.Result{{Err: &embeddings.ChunkError{
				Reason: "context_length_exceeded",
				Detail: "chunk exceeds model context length",
			}}}, nil
		}
		mid := len(batch) / 2
		left, lerr := c.embedBatch(ctx, batch[:mid])
		if lerr != nil {
			return nil, lerr
		}
		right, rerr := c.embedBatch(ctx, batch[mid:])
		if rerr != nil {
			return nil, rerr
		}
		return append(left, right...), nil
	}

	if err := embeddings.RequireLen("openai", len(resp.Data), len(batch)); err != nil {
		return nil, err
	}

	// The API may reorder; the index field is authoritative.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([]embeddings.Result, len(batch))
	for i, d := range resp.Data {
		out[i] = embeddings.Result{Vector: d.Embedding}
	}
	return out, nil
}

func isContextLengthError(err error) bool {
	if embeddings.StatusOf(err) != 400 {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") || strings.Contains(msg, "maximum context")
}
