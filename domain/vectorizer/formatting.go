package vectorizer

import (
	"fmt"
	"regexp"

	"github.com/aymerick/raymond"
)

// Formatter renders one chunk plus its source row into the document sent to
// the embedder.
type Formatter interface {
	Format(chunk string, row map[string]any) (string, error)
}

// NewFormatter builds the formatter selected by the vectorizer config.
func NewFormatter(cfg FormattingConfig) (Formatter, error) {
	switch cfg.Implementation {
	case "chunk_value":
		return chunkValueFormatter{}, nil
	case "python_template":
		return newTemplateFormatter(cfg.Template)
	case "handlebars":
		tpl, err := raymond.Parse(cfg.Template)
		if err != nil {
			return nil, NewConfigError("invalid handlebars template: %v", err)
		}
		return &handlebarsFormatter{tpl: tpl}, nil
	}
	return nil, NewConfigError("unknown formatting implementation %q", cfg.Implementation)
}

type chunkValueFormatter struct{}

func (chunkValueFormatter) Format(chunk string, _ map[string]any) (string, error) {
	return chunk, nil
}

// templateFormatter substitutes $chunk and $<column> references. This is
// plain value substitution, never code evaluation. $$ escapes a literal $.
type templateFormatter struct {
	template string
	refs     []string
}

var templateRefPattern = regexp.MustCompile(`\$(\$|[A-Za-z_][A-Za-z0-9_]*|\{[A-Za-z_][A-Za-z0-9_]*\})`)

func newTemplateFormatter(template string) (*templateFormatter, error) {
	var refs []string
	for _, m := range templateRefPattern.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if name == "$" {
			continue
		}
		if name[0] == '{' {
			name = name[1 : len(name)-1]
		}
		refs = append(refs, name)
	}
	return &templateFormatter{template: template, refs: refs}, nil
}

func (f *templateFormatter) Format(chunk string, row map[string]any) (string, error) {
	// Referenced columns must exist; unknown references are caught at
	// vectorizer creation, this is the runtime backstop.
	for _, ref := range f.refs {
		if ref == "chunk" {
			continue
		}
		if _, ok := row[ref]; !ok {
			return "", NewStepError(StepFormatting,
				fmt.Errorf("template references column %q not present in source row", ref))
		}
	}

	out := templateRefPattern.ReplaceAllStringFunc(f.template, func(m string) string {
		name := m[1:]
		if name == "$" {
			return "$"
		}
		if name[0] == '{' {
			name = name[1 : len(name)-1]
		}
		if name == "chunk" {
			return chunk
		}
		return formatValue(row[name])
	})
	return out, nil
}

type handlebarsFormatter struct {
	tpl *raymond.Template
}

func (f *handlebarsFormatter) Format(chunk string, row map[string]any) (string, error) {
	ctx := make(map[string]any, len(row)+1)
	for k, v := range row {
		ctx[k] = formatValue(v)
	}
	ctx["chunk"] = chunk

	out, err := f.tpl.Exec(ctx)
	if err != nil {
		return "", NewStepError(StepFormatting, err)
	}
	return out, nil
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
