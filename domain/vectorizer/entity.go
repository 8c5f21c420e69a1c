package vectorizer

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/uptrace/bun"
)

// Vectorizer is a catalog entry binding one source table to an embedding
// configuration. Rows are created by the database installation scripts
// (ai.create_vectorizer) and are immutable for the lifetime of a worker run.
type Vectorizer struct {
	bun.BaseModel `bun:"table:ai.vectorizer,alias:v"`

	ID           int           `bun:"id,pk"`
	SourceSchema string        `bun:"source_schema"`
	SourceTable  string        `bun:"source_table"`
	SourcePK     []PKAttribute `bun:"source_pk,type:jsonb"`

	QueueSchema      string `bun:"queue_schema"`
	QueueTable       string `bun:"queue_table"`
	QueueFailedTable string `bun:"queue_failed_table"`
	TargetSchema     string `bun:"target_schema"`
	TargetTable      string `bun:"target_table"`
	TriggerName      string `bun:"trigger_name"`

	Disabled bool `bun:"disabled"`

	Config Config `bun:"config,type:jsonb"`

	CreatedAt time.Time `bun:"created_at"`
}

// PKAttribute describes one column of the source table's (possibly composite)
// primary key, in key order.
type PKAttribute struct {
	Name string `json:"attname"`
	Type string `json:"typname"`
}

// PKColumns returns the primary key column names in key order.
func (v *Vectorizer) PKColumns() []string {
	cols := make([]string, len(v.SourcePK))
	for i, a := range v.SourcePK {
		cols[i] = a.Name
	}
	return cols
}

// Config is the polymorphic configuration tree stored in the catalog. Each
// subtree is a tagged union keyed on its "implementation" field; the
// config_type field present on the wire is redundant for dispatch and ignored.
type Config struct {
	Version    string           `json:"version,omitempty"`
	Loading    LoadingConfig    `json:"loading"`
	Parsing    ParsingConfig    `json:"parsing"`
	Chunking   ChunkingConfig   `json:"chunking"`
	Formatting FormattingConfig `json:"formatting"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Processing ProcessingConfig `json:"processing"`
	Scheduling SchedulingConfig `json:"scheduling"`
}

// LoadingConfig selects the payload column of the source row.
type LoadingConfig struct {
	Implementation string `json:"implementation"` // "column"
	ColumnName     string `json:"column_name"`
	Retries        int    `json:"retries,omitempty"`
}

// ParsingConfig selects how the loaded payload becomes text.
type ParsingConfig struct {
	Implementation string `json:"implementation"` // "auto" | "none"
}

// ChunkingConfig selects the splitter applied to the parsed payload.
type ChunkingConfig struct {
	Implementation   string   `json:"implementation"` // "none" | "character_text_splitter" | "recursive_character_text_splitter"
	Separator        string   `json:"separator,omitempty"`
	Separators       []string `json:"separators,omitempty"`
	ChunkSize        int      `json:"chunk_size,omitempty"`
	ChunkOverlap     int      `json:"chunk_overlap,omitempty"`
	IsSeparatorRegex bool     `json:"is_separator_regex,omitempty"`
}

// FormattingConfig selects how each chunk is rendered into the document sent
// to the embedder.
type FormattingConfig struct {
	Implementation string `json:"implementation"` // "chunk_value" | "python_template" | "handlebars"
	Template       string `json:"template,omitempty"`
}

// EmbeddingConfig selects the provider adapter.
type EmbeddingConfig struct {
	Implementation string `json:"implementation"` // "openai" | "ollama" | "voyage" | "litellm" | "vertex"
	Model          string `json:"model"`
	Dimensions     int    `json:"dimensions"`
	BaseURL        string `json:"base_url,omitempty"`
	APIKeyName     string `json:"api_key_name,omitempty"`
	Truncate       *bool  `json:"truncate,omitempty"`
}

// ProcessingConfig tunes the claim batch size and executor concurrency.
type ProcessingConfig struct {
	BatchSize   int `json:"batch_size,omitempty"`   // rows per claim, default 50
	Concurrency int `json:"concurrency,omitempty"`  // executors, default 1, cap 10
}

// EffectiveBatchSize returns the claim batch size with defaults applied.
func (p ProcessingConfig) EffectiveBatchSize() int {
	if p.BatchSize <= 0 {
		return 50
	}
	return p.BatchSize
}

// EffectiveConcurrency returns the executor count clamped to [1, 10].
func (p ProcessingConfig) EffectiveConcurrency() int {
	c := p.Concurrency
	if c < 1 {
		c = 1
	}
	if c > 10 {
		c = 10
	}
	return c
}

// SchedulingConfig controls when the supervisor runs this vectorizer in
// continuous mode. "none" means every pass.
type SchedulingConfig struct {
	Implementation string `json:"implementation,omitempty"` // "" | "none" | "cron"
	Expression     string `json:"expression,omitempty"`
}

// Schedule parses the cron expression, or returns nil when the vectorizer
// runs on every supervisor pass.
func (s SchedulingConfig) Schedule() (cron.Schedule, error) {
	if s.Implementation != "cron" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(s.Expression)
	if err != nil {
		return nil, NewConfigError("invalid cron expression %q: %v", s.Expression, err)
	}
	return sched, nil
}

// Validate checks the configuration tree for unknown implementation tags and
// missing required fields. All violations are fatal config errors.
func (v *Vectorizer) Validate() error {
	if v.ID <= 0 {
		return NewConfigError("vectorizer id must be positive, got %d", v.ID)
	}
	if v.SourceSchema == "" || v.SourceTable == "" {
		return NewConfigError("vectorizer %d: missing source table identity", v.ID)
	}
	if len(v.SourcePK) == 0 {
		return NewConfigError("vectorizer %d: empty primary key descriptor", v.ID)
	}
	if v.QueueSchema == "" || v.QueueTable == "" {
		return NewConfigError("vectorizer %d: missing queue table identity", v.ID)
	}
	if v.TargetSchema == "" || v.TargetTable == "" {
		return NewConfigError("vectorizer %d: missing target table identity", v.ID)
	}

	c := &v.Config

	if c.Loading.Implementation != "column" {
		return NewConfigError("vectorizer %d: unknown loading implementation %q", v.ID, c.Loading.Implementation)
	}
	if c.Loading.ColumnName == "" {
		return NewConfigError("vectorizer %d: loading.column_name is required", v.ID)
	}

	switch c.Parsing.Implementation {
	case "", "auto", "none":
	default:
		return NewConfigError("vectorizer %d: unknown parsing implementation %q", v.ID, c.Parsing.Implementation)
	}

	switch c.Chunking.Implementation {
	case "none":
	case "character_text_splitter", "recursive_character_text_splitter":
		if c.Chunking.ChunkSize <= 0 {
			return NewConfigError("vectorizer %d: chunking.chunk_size must be positive", v.ID)
		}
		if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
			return NewConfigError("vectorizer %d: chunking.chunk_overlap must be in [0, chunk_size)", v.ID)
		}
	default:
		return NewConfigError("vectorizer %d: unknown chunking implementation %q", v.ID, c.Chunking.Implementation)
	}

	switch c.Formatting.Implementation {
	case "chunk_value":
	case "python_template", "handlebars":
		if c.Formatting.Template == "" {
			return NewConfigError("vectorizer %d: formatting.template is required", v.ID)
		}
	default:
		return NewConfigError("vectorizer %d: unknown formatting implementation %q", v.ID, c.Formatting.Implementation)
	}

	switch c.Embedding.Implementation {
	case "openai", "ollama", "voyage", "litellm", "vertex":
	default:
		return NewConfigError("vectorizer %d: unknown embedding implementation %q", v.ID, c.Embedding.Implementation)
	}
	if c.Embedding.Model == "" {
		return NewConfigError("vectorizer %d: embedding.model is required", v.ID)
	}
	if c.Embedding.Dimensions <= 0 {
		return NewConfigError("vectorizer %d: embedding.dimensions must be positive", v.ID)
	}

	if _, err := c.Scheduling.Schedule(); err != nil {
		return err
	}

	return nil
}
