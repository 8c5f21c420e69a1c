package vectorizer

import (
	"errors"
	"fmt"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

// Step identifies the pipeline stage an error is attributed to. The value is
// persisted in error records and in the dead-letter table's failure_step
// column.
type Step string

const (
	StepLoading    Step = "loading"
	StepParsing    Step = "parsing"
	StepChunking   Step = "chunking"
	StepFormatting Step = "formatting"
	StepEmbedding  Step = "embedding"
	StepWriting    Step = "writing"
)

// Kind classifies a failure for retry/abort decisions.
type Kind string

const (
	// KindConfig covers malformed vectorizer rows, unknown implementation
	// tags, and missing columns. Fatal to the vectorizer.
	KindConfig Kind = "config"

	// KindAPIKeyNotFound means the provider secret could not be resolved.
	// Fatal to the vectorizer.
	KindAPIKeyNotFound Kind = "api_key_not_found"

	// KindProviderAuth is a 401/403 from the provider. The key is bad, so
	// retrying cannot help. Fatal to the vectorizer.
	KindProviderAuth Kind = "provider_auth"

	// KindProviderTransient is a 408/429/5xx, timeout, or network failure.
	// The queue entries keep their incremented attempts and get a
	// retry_after via the backoff path.
	KindProviderTransient Kind = "provider_transient"

	// KindBatching means a single chunk exceeds the provider token budget
	// with no way to split. Per-chunk, never fatal to the row.
	KindBatching Kind = "batching"

	// KindChunkEmbedding is a provider rejection of one document. Per-chunk.
	KindChunkEmbedding Kind = "chunk_embedding"

	// KindStep covers loading/parsing/chunking/formatting/writing failures.
	// Per-PK; requeued with backoff, dead-lettered after MaxAttempts.
	KindStep Kind = "step"

	// KindDatabaseUnavailable means the database itself cannot be reached.
	// Handled at the supervisor level, not attributed to a vectorizer.
	KindDatabaseUnavailable Kind = "database_unavailable"
)

// Error is the worker's classified error. Every failure that crosses a
// component boundary is wrapped in one so the worker and queue protocol can
// decide between requeue, dead-letter, and abort without string matching.
type Error struct {
	Kind Kind
	Step Step
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error should stop the vectorizer's worker run.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindConfig, KindAPIKeyNotFound, KindProviderAuth:
		return true
	}
	return false
}

// Retryable reports whether the queue entries involved should be requeued
// with backoff.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindProviderTransient, KindStep:
		return true
	}
	return false
}

// NewConfigError builds a fatal configuration error.
func NewConfigError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// NewStepError attributes err to a pipeline step.
func NewStepError(step Step, err error) *Error {
	return &Error{Kind: KindStep, Step: step, Err: err}
}

// Classify wraps err in an *Error if it is not one already. Provider and
// secret-resolution failures from the embeddings layer map to their kinds;
// anything else defaults to KindStep at the given step.
func Classify(err error, step Step) *Error {
	var verr *Error
	if errors.As(err, &verr) {
		if verr.Step == "" {
			verr.Step = step
		}
		return verr
	}

	var keyErr *embeddings.APIKeyError
	if errors.As(err, &keyErr) {
		return &Error{Kind: KindAPIKeyNotFound, Step: step, Err: err}
	}

	var perr *embeddings.ProviderError
	if errors.As(err, &perr) {
		kind := KindConfig
		switch {
		case perr.Auth():
			kind = KindProviderAuth
		case perr.Transient():
			kind = KindProviderTransient
		}
		return &Error{Kind: kind, Step: step, Err: err}
	}

	return &Error{Kind: KindStep, Step: step, Err: err}
}

// KindForHTTPStatus maps a provider HTTP status to an error kind.
// 2xx statuses never reach this function.
func KindForHTTPStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindProviderAuth
	case status == 408 || status == 429 || status >= 500:
		return KindProviderTransient
	default:
		return KindConfig
	}
}
