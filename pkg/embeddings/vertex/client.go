// Package vertex implements the embeddings.Embedder over Google Vertex AI.
package vertex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2/google"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

const (
	// DefaultMaxChunksPerBatch is the predict API's instances cap.
	DefaultMaxChunksPerBatch = 250
)

// Config holds the client configuration. ProjectID, Location, and Model are
// required; credentials come from Application Default Credentials.
type Config struct {
	ProjectID  string
	Location   string
	Model      string
	Dimensions int
	MaxChunks  int
}

type Client struct {
	cfg   Config
	http  *embeddings.HTTPClient
	creds *google.Credentials
}

func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("vertex: project ID is required")
	}
	if cfg.Location == "" {
		return nil, fmt.Errorf("vertex: location is required")
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunksPerBatch
	}

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, &embeddings.APIKeyError{Name: "GOOGLE_APPLICATION_CREDENTIALS"}
	}

	return &Client{
		cfg:   cfg,
		http:  embeddings.NewHTTPClient("vertex", log),
		creds: creds,
	}, nil
}

var _ embeddings.Embedder = (*Client)(nil)

func (c *Client) MaxChunksPerBatch() int { return c.cfg.MaxChunks }
func (c *Client) MaxTokensPerBatch() int { return 0 }

func (c *Client) Setup(ctx context.Context) error { return nil }

type predictRequest struct {
	Instances  []instance  `json:"instances"`
	Parameters *parameters `json:"parameters,omitempty"`
}

type instance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type parameters struct {
	OutputDimensionality int `json:"outputDimensionality,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([]embeddings.Result, error) {
	url := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.cfg.Location, c.cfg.ProjectID, c.cfg.Location, c.cfg.Model,
	)

	var params *parameters
	if c.cfg.Dimensions > 0 {
		params = &parameters{OutputDimensionality: c.cfg.Dimensions}
	}

	plan := embeddings.PlanBatches(documents, c.cfg.MaxChunks, 0, nil)
	return embeddings.EmbedInBatches(documents, plan, func(batch []string) ([]embeddings.Result, error) {
		token, err := c.creds.TokenSource.Token()
		if err != nil {
			return nil, &embeddings.ProviderError{Provider: "vertex", Status: http.StatusUnauthorized, Msg: "access token", Err: err}
		}

		instances := make([]instance, len(batch))
		for i, doc := range batch {
			instances[i] = instance{Content: doc, TaskType: "RETRIEVAL_DOCUMENT"}
		}

		var resp predictResponse
		err = c.http.PostJSON(ctx, url,
			map[string]string{"Authorization": "Bearer " + token.AccessToken},
			predictRequest{Instances: instances, Parameters: params},
			&resp)
		if err != nil {
			return nil, err
		}
		if err := embeddings.RequireLen("vertex", len(resp.Predictions), len(batch)); err != nil {
			return nil, err
		}
		out := make([]embeddings.Result, len(batch))
		for i, p := range resp.Predictions {
			out[i] = embeddings.Result{Vector: p.Embeddings.Values}
		}
		return out, nil
	})
}
