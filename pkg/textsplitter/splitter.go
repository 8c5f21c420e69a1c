// Package textsplitter provides the character-based text splitters used to
// chunk source rows before embedding. Splitters are pure and deterministic:
// the same text and settings always produce the same chunks.
package textsplitter

import (
	"regexp"
	"strings"
	"unicode"
)

// CharacterSplitter splits on a single separator, then packs the pieces into
// windows of at most ChunkSize characters with ChunkOverlap characters of
// trailing carry between windows.
type CharacterSplitter struct {
	Separator    string
	ChunkSize    int
	ChunkOverlap int
	IsRegex      bool
}

// Split splits text into chunks. Empty input returns nil.
func (s CharacterSplitter) Split(text string) ([]string, error) {
	if len(text) == 0 {
		return nil, nil
	}

	size, overlap := clampSizes(s.ChunkSize, s.ChunkOverlap)

	sep := s.Separator
	if sep == "" {
		sep = "\n\n"
	}

	parts, joiner, err := splitOnce(text, sep, s.IsRegex)
	if err != nil {
		return nil, err
	}

	return pack(parts, joiner, size, overlap), nil
}

// RecursiveSplitter tries each separator in order, recursing into oversized
// pieces with the remaining separators until every chunk fits ChunkSize.
type RecursiveSplitter struct {
	Separators   []string
	ChunkSize    int
	ChunkOverlap int
	IsRegex      bool
}

// Split splits text into chunks. Empty input returns nil.
func (s RecursiveSplitter) Split(text string) ([]string, error) {
	if len(text) == 0 {
		return nil, nil
	}

	size, overlap := clampSizes(s.ChunkSize, s.ChunkOverlap)

	seps := s.Separators
	if len(seps) == 0 {
		seps = []string{"\n\n", "\n", ". ", " "}
	}

	return splitRecursive(text, seps, s.IsRegex, size, overlap)
}

func clampSizes(size, overlap int) (int, int) {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}
	return size, overlap
}

// splitOnce splits text on one separator and returns the pieces plus the
// joiner used when re-packing adjacent pieces. Literal separators are kept
// between pieces; regex separators are consumed.
func splitOnce(text, sep string, isRegex bool) ([]string, string, error) {
	if isRegex {
		re, err := regexp.Compile(sep)
		if err != nil {
			return nil, "", err
		}
		return re.Split(text, -1), "", nil
	}
	return strings.Split(text, sep), sep, nil
}

func splitRecursive(text string, separators []string, isRegex bool, size, overlap int) ([]string, error) {
	if len(text) <= size {
		trimmed := strings.TrimSpace(text)
		if len(trimmed) == 0 {
			return nil, nil
		}
		return []string{trimmed}, nil
	}

	if len(separators) == 0 {
		return splitBySize(text, size, overlap), nil
	}

	sep := separators[0]
	remaining := separators[1:]

	parts, joiner, err := splitOnce(text, sep, isRegex)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return splitRecursive(text, remaining, isRegex, size, overlap)
	}

	var result []string
	for _, chunk := range pack(parts, joiner, size, overlap) {
		if len(chunk) > size {
			sub, err := splitRecursive(chunk, remaining, isRegex, size, overlap)
			if err != nil {
				return nil, err
			}
			result = append(result, sub...)
		} else {
			result = append(result, chunk)
		}
	}

	return result, nil
}

// pack greedily merges pieces into windows of at most size characters,
// carrying overlap characters from the end of each flushed window into the
// next one.
func pack(parts []string, joiner string, size, overlap int) []string {
	var chunks []string
	var current strings.Builder

	for i, part := range parts {
		piece := part
		if i < len(parts)-1 && joiner != " " {
			piece = part + joiner
		}

		if current.Len()+len(piece) > size && current.Len() > 0 {
			chunk := strings.TrimSpace(current.String())
			if len(chunk) > 0 {
				chunks = append(chunks, chunk)
			}

			carry := tailOverlap(current.String(), overlap)
			current.Reset()
			current.WriteString(carry)
		}

		current.WriteString(piece)
		if joiner == " " && i < len(parts)-1 {
			current.WriteString(" ")
		}
	}

	if current.Len() > 0 {
		chunk := strings.TrimSpace(current.String())
		if len(chunk) > 0 {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}

// splitBySize is the last resort when no separator fits: hard windows of
// size characters, broken at whitespace where possible.
func splitBySize(text string, size, overlap int) []string {
	var chunks []string
	runes := []rune(text)
	start := 0

	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			// Prefer breaking at whitespace, falling back to a hard cut
			// when the window holds a single unbroken run.
			soft := end
			for soft > start && !unicode.IsSpace(runes[soft]) {
				soft--
			}
			if soft > start {
				end = soft
			}
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if len(chunk) > 0 {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}

		// Carry overlap characters into the next window. The next start
		// must land past the previous one so the loop always advances.
		next := end - overlap
		if next <= start {
			next = end
		}
		for next < len(runes) && unicode.IsSpace(runes[next]) {
			next++
		}
		start = next
	}

	return chunks
}

// tailOverlap returns up to size characters from the end of text, aligned to
// a word boundary.
func tailOverlap(text string, size int) string {
	if size <= 0 || len(text) == 0 {
		return ""
	}

	runes := []rune(text)
	if len(runes) <= size {
		return text
	}

	start := len(runes) - size
	for start < len(runes) && !unicode.IsSpace(runes[start]) {
		start++
	}
	for start < len(runes) && unicode.IsSpace(runes[start]) {
		start++
	}

	if start >= len(runes) {
		return ""
	}

	return string(runes[start:])
}
