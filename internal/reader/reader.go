// Package reader extracts text chunks from raw source documents.
package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/aula-cloud/asistente/internal/domain"
)

// supportedExts lists the source file types the reader understands.
var supportedExts = map[string]struct{}{
	".txt": {},
	".md":  {},
}

// Supported reports whether the reader can extract text from the given path.
func Supported(path string) bool {
	_, ok := supportedExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Reader splits source documents into chunks of at most chunkSize runes.
// Chunking is deterministic for the same input so ledger semantics stay
// meaningful across runs.
type Reader struct {
	chunkSize int
}

// New creates a reader. chunkSize is the maximum chunk length in runes.
func New(chunkSize int) *Reader {
	return &Reader{chunkSize: chunkSize}
}

// Read extracts the chunk sequence of one source file. A file with no
// extractable text yields an empty slice, not an error. Unreadable files
// yield ErrUnreadableSource so the caller can skip them without aborting
// the batch.
func (r *Reader) Read(path string) ([]domain.Chunk, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrUnreadableSource, path, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s: not valid UTF-8", domain.ErrUnreadableSource, path)
	}

	sourceID := filepath.Base(path)
	texts := r.split(string(data))

	chunks := make([]domain.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, domain.Chunk{
			Text:     text,
			SourceID: sourceID,
			Sequence: i,
		})
	}
	return chunks, nil
}

// split groups paragraphs (blank-line separated) into chunks of at most
// chunkSize runes. Paragraphs longer than chunkSize are cut hard.
func (r *Reader) split(content string) []string {
	var (
		out     []string
		current strings.Builder
		curLen  int
	)

	flush := func() {
		if text := strings.TrimSpace(current.String()); text != "" {
			out = append(out, text)
		}
		current.Reset()
		curLen = 0
	}

	for _, para := range splitParagraphs(content) {
		for _, piece := range cutRunes(para, r.chunkSize) {
			pieceLen := utf8.RuneCountInString(piece)
			if curLen > 0 && curLen+pieceLen+1 > r.chunkSize {
				flush()
			}
			if curLen > 0 {
				current.WriteString("\n\n")
				curLen++
			}
			current.WriteString(piece)
			curLen += pieceLen
		}
	}
	flush()

	return out
}

// splitParagraphs splits on blank lines, dropping empty paragraphs.
func splitParagraphs(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")

	var paras []string
	for _, p := range strings.Split(normalized, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// cutRunes cuts s into pieces of at most limit runes.
func cutRunes(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var pieces []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		pieces = append(pieces, string(runes[:n]))
		runes = runes[n:]
	}
	return pieces
}
