package embeddings

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// NewTokenizer returns the token counter for an OpenAI-family model. Falls
// back to the cl100k_base encoding for models tiktoken does not know, and to
// a rune-count estimate if the encoding data cannot be loaded at all.
func NewTokenizer(model, cacheDir string) Tokenizer {
	if cacheDir != "" {
		os.Setenv("TIKTOKEN_CACHE_DIR", cacheDir)
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return estimateTokenizer{}
	}
	return tiktokenTokenizer{enc: enc}
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// estimateTokenizer approximates tokens as words plus punctuation weight.
// Deliberately pessimistic so a bad estimate oversizes batches downward.
type estimateTokenizer struct{}

func (estimateTokenizer) CountTokens(text string) int {
	words := len(strings.Fields(text))
	runes := utf8.RuneCountInString(text)
	est := words + runes/8
	if est == 0 && runes > 0 {
		est = 1
	}
	return est
}
