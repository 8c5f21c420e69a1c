package vectorizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/vectorizer/pkg/embeddings"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"api key", &embeddings.APIKeyError{Name: "OPENAI_API_KEY"}, KindAPIKeyNotFound},
		{"provider 401", &embeddings.ProviderError{Provider: "openai", Status: 401}, KindProviderAuth},
		{"provider 403", &embeddings.ProviderError{Provider: "openai", Status: 403}, KindProviderAuth},
		{"provider 429", &embeddings.ProviderError{Provider: "openai", Status: 429}, KindProviderTransient},
		{"provider network", &embeddings.ProviderError{Provider: "openai"}, KindProviderTransient},
		{"provider 400", &embeddings.ProviderError{Provider: "openai", Status: 400}, KindConfig},
		{"plain error", errors.New("boom"), KindStep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := Classify(tt.err, StepEmbedding)
			assert.Equal(t, tt.kind, verr.Kind)
			assert.Equal(t, StepEmbedding, verr.Step)
		})
	}
}

func TestClassifyPreservesExistingError(t *testing.T) {
	orig := NewStepError(StepChunking, errors.New("split failed"))
	verr := Classify(orig, StepEmbedding)

	assert.Same(t, orig, verr)
	assert.Equal(t, StepChunking, verr.Step)
}

func TestClassifyFillsMissingStep(t *testing.T) {
	orig := &Error{Kind: KindStep, Err: errors.New("no step")}
	verr := Classify(orig, StepWriting)
	assert.Equal(t, StepWriting, verr.Step)
}

func TestFatalAndRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		fatal     bool
		retryable bool
	}{
		{KindConfig, true, false},
		{KindAPIKeyNotFound, true, false},
		{KindProviderAuth, true, false},
		{KindProviderTransient, false, true},
		{KindStep, false, true},
		{KindBatching, false, false},
		{KindChunkEmbedding, false, false},
		{KindDatabaseUnavailable, false, false},
	}
	for _, tt := range tests {
		e := &Error{Kind: tt.kind}
		assert.Equal(t, tt.fatal, e.Fatal(), "%s fatal", tt.kind)
		assert.Equal(t, tt.retryable, e.Retryable(), "%s retryable", tt.kind)
	}
}

func TestErrorMessageShapes(t *testing.T) {
	assert.Equal(t, "config: bad template",
		(&Error{Kind: KindConfig, Msg: "bad template"}).Error())
	assert.Equal(t, "step: boom",
		(&Error{Kind: KindStep, Err: errors.New("boom")}).Error())
	assert.Equal(t, "step: chunking: boom",
		(&Error{Kind: KindStep, Msg: "chunking", Err: errors.New("boom")}).Error())
	assert.Equal(t, "database_unavailable",
		(&Error{Kind: KindDatabaseUnavailable}).Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	verr := NewStepError(StepLoading, cause)
	require.ErrorIs(t, verr, cause)
}

func TestKindForHTTPStatus(t *testing.T) {
	assert.Equal(t, KindProviderAuth, KindForHTTPStatus(401))
	assert.Equal(t, KindProviderAuth, KindForHTTPStatus(403))
	assert.Equal(t, KindProviderTransient, KindForHTTPStatus(429))
	assert.Equal(t, KindProviderTransient, KindForHTTPStatus(503))
	assert.Equal(t, KindConfig, KindForHTTPStatus(400))
	assert.Equal(t, KindConfig, KindForHTTPStatus(404))
}
