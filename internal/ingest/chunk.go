package ingest

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 500

	// shorter shared runs between neighbouring chunks are left in place
	minRejoinOverlap = 16
)

// Chunk is one retrievable fragment of an uploaded file.
type Chunk struct {
	Content string
	Source  string // original file name
	Page    int
	Index   int // position within the upload
}

// Splitter cuts documents into overlapping chunks, preferring paragraph,
// then line, then word boundaries.
type Splitter struct {
	size    int
	overlap int
}

func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Splitter{size: size, overlap: overlap}
}

func (s *Splitter) Split(source string, docs []Document) ([]Chunk, error) {
	rc := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.size),
		textsplitter.WithChunkOverlap(s.overlap),
	)

	var chunks []Chunk
	for _, d := range docs {
		parts, err := rc.SplitText(d.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", source, err)
		}
		for _, p := range parts {
			if p == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				Content: p,
				Source:  source,
				Page:    d.Page,
				Index:   len(chunks),
			})
		}
	}
	return chunks, nil
}

// Ingest extracts and splits one uploaded file.
func (s *Splitter) Ingest(filename string, data []byte) ([]Chunk, error) {
	docs, err := Extract(filename, data)
	if err != nil {
		return nil, err
	}
	chunks, err := s.Split(filename, docs)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s: %w", filename, ErrEmptyDocument)
	}
	return chunks, nil
}

// Rejoin reassembles chunk text in order, dropping the text a chunk repeats
// from the end of the previous chunk of the same page. Pages and files are
// separated by a blank line.
func (s *Splitter) Rejoin(chunks []Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Content)
			continue
		}
		prev := chunks[i-1]
		if prev.Source != c.Source || prev.Page != c.Page {
			b.WriteString("\n\n")
			b.WriteString(c.Content)
			continue
		}
		k := s.sharedRun(prev.Content, c.Content)
		if k < minRejoinOverlap {
			b.WriteString("\n")
			b.WriteString(c.Content)
			continue
		}
		b.WriteString(c.Content[k:])
	}
	return b.String()
}

// sharedRun is the byte length of the longest prefix of next, at most
// s.overlap runes long, that is also a suffix of prev.
func (s *Splitter) sharedRun(prev, next string) int {
	if s.overlap == 0 {
		return 0
	}
	next = runePrefix(next, s.overlap)
	if len(prev) > len(next) {
		prev = prev[len(prev)-len(next):]
	}

	// prefix function over next, then continued across prev
	pi := make([]int, len(next))
	for i := 1; i < len(next); i++ {
		k := pi[i-1]
		for k > 0 && next[i] != next[k] {
			k = pi[k-1]
		}
		if next[i] == next[k] {
			k++
		}
		pi[i] = k
	}
	k := 0
	for i := 0; i < len(prev); i++ {
		for k > 0 && (k == len(next) || prev[i] != next[k]) {
			k = pi[k-1]
		}
		if k < len(next) && prev[i] == next[k] {
			k++
		}
	}
	return k
}

func runePrefix(text string, n int) string {
	for i := range text {
		if n == 0 {
			return text[:i]
		}
		n--
	}
	return text
}
