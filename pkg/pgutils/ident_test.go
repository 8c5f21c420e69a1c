package pgutils

import "testing"

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "blog", `"blog"`},
		{"mixed case preserved", "MyTable", `"MyTable"`},
		{"embedded quote doubled", `we"ird`, `"we""ird"`},
		{"empty", "", `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuoteIdent(tt.in); got != tt.want {
				t.Errorf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQualifiedTable(t *testing.T) {
	got := QualifiedTable("ai", "_vectorizer_q_42")
	want := `"ai"."_vectorizer_q_42"`
	if got != want {
		t.Errorf("QualifiedTable() = %q, want %q", got, want)
	}
}

func TestIdentList(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		alias string
		want  string
	}{
		{"no alias", []string{"id", "seq"}, "", `"id", "seq"`},
		{"with alias", []string{"id", "seq"}, "q", `q."id", q."seq"`},
		{"single", []string{"id"}, "s", `s."id"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IdentList(tt.names, tt.alias); got != tt.want {
				t.Errorf("IdentList() = %q, want %q", got, tt.want)
			}
		})
	}
}
