// Package embeddings defines the uniform embedding capability the worker
// consumes, the shared batching algorithm, and secret resolution. Provider
// adapters live in subpackages and implement Embedder over raw HTTP.
package embeddings

import (
	"context"
	"fmt"
)

// Result is one embedding outcome, aligned by index with the input documents.
// Exactly one of Vector and Err is set.
type Result struct {
	Vector []float32
	Err    *ChunkError
}

// Ok reports whether the result carries a vector.
func (r Result) Ok() bool { return r.Err == nil }

// ChunkError is a per-document failure that does not fail the surrounding
// row or batch: the caller records it and carries on with the other chunks.
type ChunkError struct {
	Reason string
	Detail string
}

func (e *ChunkError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return e.Reason
}

// Embedder is the uniform capability over provider APIs. EmbedDocuments
// returns one Result per input document in input order; a non-nil error means
// the whole call failed (transport, auth) and no results are usable.
type Embedder interface {
	EmbedDocuments(ctx context.Context, documents []string) ([]Result, error)

	// MaxChunksPerBatch is the hard provider cap on documents per request.
	MaxChunksPerBatch() int

	// MaxTokensPerBatch is the provider token budget per request, 0 when the
	// provider does not count tokens.
	MaxTokensPerBatch() int

	// Setup performs any one-time preparation (e.g. pulling a model).
	Setup(ctx context.Context) error
}

// Tokenizer counts tokens for providers that enforce token budgets.
type Tokenizer interface {
	CountTokens(text string) int
}

// ProviderError is a failed provider call, classified by HTTP status.
// Status 0 means the request never got a response (network, timeout).
type ProviderError struct {
	Provider string
	Status   int
	Msg      string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Status != 0 && e.Msg != "":
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return e.Provider + ": request failed"
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request can succeed.
func (e *ProviderError) Transient() bool {
	return e.Status == 0 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// Auth reports whether the provider rejected the credentials.
func (e *ProviderError) Auth() bool {
	return e.Status == 401 || e.Status == 403
}

// APIKeyError means a provider secret could not be resolved. Fatal to the
// vectorizer that needs it.
type APIKeyError struct {
	Name string
}

func (e *APIKeyError) Error() string {
	return fmt.Sprintf("api key %q could not be resolved", e.Name)
}
