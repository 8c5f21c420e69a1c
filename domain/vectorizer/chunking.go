package vectorizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/emergent-company/vectorizer/pkg/textsplitter"
)

// Chunker turns the parsed payload of one source row into an ordered list of
// chunks. Implementations are pure; an empty result means the row has nothing
// to embed and completes immediately.
type Chunker interface {
	Chunk(payload string) ([]string, error)
}

// NewChunker builds the chunker selected by the vectorizer config.
func NewChunker(cfg ChunkingConfig) (Chunker, error) {
	switch cfg.Implementation {
	case "none":
		return noneChunker{}, nil
	case "character_text_splitter":
		return splitterChunker{splitter: textsplitter.CharacterSplitter{
			Separator:    cfg.Separator,
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			IsRegex:      cfg.IsSeparatorRegex,
		}}, nil
	case "recursive_character_text_splitter":
		return splitterChunker{splitter: textsplitter.RecursiveSplitter{
			Separators:   cfg.Separators,
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			IsRegex:      cfg.IsSeparatorRegex,
		}}, nil
	}
	return nil, NewConfigError("unknown chunking implementation %q", cfg.Implementation)
}

type noneChunker struct{}

func (noneChunker) Chunk(payload string) ([]string, error) {
	if payload == "" {
		return nil, nil
	}
	return []string{payload}, nil
}

type splitter interface {
	Split(text string) ([]string, error)
}

type splitterChunker struct {
	splitter splitter
}

func (c splitterChunker) Chunk(payload string) ([]string, error) {
	chunks, err := c.splitter.Split(payload)
	if err != nil {
		return nil, NewStepError(StepChunking, err)
	}
	return chunks, nil
}

// LoadPayload extracts the configured payload column from a source row and
// applies the parsing step. The row map comes from the claim's source join.
func LoadPayload(cfg *Config, row map[string]any) (string, error) {
	raw, ok := row[cfg.Loading.ColumnName]
	if !ok {
		return "", NewStepError(StepLoading,
			fmt.Errorf("column %q not present in source row", cfg.Loading.ColumnName))
	}
	if raw == nil {
		return "", nil
	}

	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		// bytea payloads only pass parsing when they are valid UTF-8;
		// binary document parsing is handled upstream of the worker.
		if cfg.Parsing.Implementation == "none" {
			return "", NewStepError(StepParsing,
				fmt.Errorf("column %q is binary but parsing is disabled", cfg.Loading.ColumnName))
		}
		if !utf8.Valid(v) {
			return "", NewStepError(StepParsing,
				fmt.Errorf("column %q is not valid UTF-8 text", cfg.Loading.ColumnName))
		}
		return string(v), nil
	}
	return "", NewStepError(StepLoading,
		fmt.Errorf("column %q has unsupported type %T", cfg.Loading.ColumnName, raw))
}
