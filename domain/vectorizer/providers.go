package vectorizer

import (
	"context"
	"log/slog"

	"github.com/emergent-company/vectorizer/internal/config"
	"github.com/emergent-company/vectorizer/pkg/embeddings"
	"github.com/emergent-company/vectorizer/pkg/embeddings/litellm"
	"github.com/emergent-company/vectorizer/pkg/embeddings/ollama"
	"github.com/emergent-company/vectorizer/pkg/embeddings/openai"
	"github.com/emergent-company/vectorizer/pkg/embeddings/vertex"
	"github.com/emergent-company/vectorizer/pkg/embeddings/voyage"
	"github.com/emergent-company/vectorizer/pkg/logger"
)

// ProviderFactory resolves a vectorizer's embedding config into a provider
// client. Process-level settings (base URLs, batch caps, credentials) come
// from the environment; the vectorizer config can override the base URL and
// name a custom secret.
type ProviderFactory struct {
	providers config.ProvidersConfig
	secrets   *embeddings.SecretResolver
	log       *slog.Logger
}

func NewProviderFactory(providers config.ProvidersConfig, secrets *embeddings.SecretResolver, log *slog.Logger) *ProviderFactory {
	return &ProviderFactory{
		providers: providers,
		secrets:   secrets,
		log:       log.With(logger.Scope("vectorizer.providers")),
	}
}

var _ EmbedderFactory = (*ProviderFactory)(nil)

// Embedder builds the provider client for v. Secret and credential failures
// come back as embeddings errors that classify as fatal for the vectorizer.
func (f *ProviderFactory) Embedder(ctx context.Context, v *Vectorizer) (embeddings.Embedder, error) {
	e := v.Config.Embedding

	switch e.Implementation {
	case "openai":
		key, err := f.apiKey(ctx, e.APIKeyName, "OPENAI_API_KEY", f.providers.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		baseURL := e.BaseURL
		if baseURL == "" {
			baseURL = f.providers.OpenAIBaseURL
		}
		return openai.NewClient(openai.Config{
			APIKey:     key,
			BaseURL:    baseURL,
			Model:      e.Model,
			Dimensions: e.Dimensions,
			MaxChunks:  f.providers.OpenAIMaxChunksPerBatch,
		}, f.providers.TiktokenCacheDir, f.log), nil

	case "ollama":
		baseURL := e.BaseURL
		if baseURL == "" {
			baseURL = f.providers.OllamaHost
		}
		return ollama.NewClient(ollama.Config{
			BaseURL:   baseURL,
			Model:     e.Model,
			Truncate:  e.Truncate,
			MaxChunks: f.providers.OllamaMaxChunksPerBatch,
		}, f.log), nil

	case "voyage":
		key, err := f.apiKey(ctx, e.APIKeyName, "VOYAGE_API_KEY", f.providers.VoyageAPIKey)
		if err != nil {
			return nil, err
		}
		return voyage.NewClient(voyage.Config{
			APIKey:    key,
			BaseURL:   e.BaseURL,
			Model:     e.Model,
			MaxChunks: f.providers.VoyageMaxChunksPerBatch,
		}, f.providers.TiktokenCacheDir, f.log), nil

	case "litellm":
		baseURL := e.BaseURL
		if baseURL == "" {
			baseURL = f.providers.LiteLLMBaseURL
		}
		if baseURL == "" {
			return nil, NewConfigError("litellm requires a base_url or LITELLM_BASE_URL")
		}
		var key string
		if e.APIKeyName != "" {
			var err error
			key, err = f.secrets.Resolve(ctx, e.APIKeyName)
			if err != nil {
				return nil, err
			}
		} else {
			key = f.providers.LiteLLMAPIKey
		}
		return litellm.NewClient(litellm.Config{
			APIKey:    key,
			BaseURL:   baseURL,
			Model:     e.Model,
			MaxChunks: f.providers.LiteLLMMaxChunksPerBatch,
		}, f.log), nil

	case "vertex":
		if f.providers.GCPProjectID == "" {
			return nil, NewConfigError("vertex requires GCP_PROJECT_ID")
		}
		return vertex.NewClient(ctx, vertex.Config{
			ProjectID:  f.providers.GCPProjectID,
			Location:   f.providers.VertexAILocation,
			Model:      e.Model,
			Dimensions: e.Dimensions,
			MaxChunks:  f.providers.VertexMaxChunksPerBatch,
		}, f.log)
	}

	return nil, NewConfigError("unknown embedding implementation %q", e.Implementation)
}

// apiKey resolves a provider secret: an explicit api_key_name wins, then the
// process-level key, then the default environment variable (and the
// database's secret reveal when that feature is on).
func (f *ProviderFactory) apiKey(ctx context.Context, name, defaultName, processKey string) (string, error) {
	if name != "" && name != defaultName {
		return f.secrets.Resolve(ctx, name)
	}
	if processKey != "" {
		return processKey, nil
	}
	return f.secrets.Resolve(ctx, defaultName)
}
