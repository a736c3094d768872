package ingest

import (
	"log"
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 2500
	DefaultChunkOverlap = 250
)

var DefaultSeparators = []string{"\n\n", "\n", ".", " ", ""}

// Chunk is a piece of a document small enough to embed.
type Chunk struct {
	Text       string
	SourceName string
	ChunkID    int // position in the full split
	DocumentID string
	Page       int
}

// Splitter splits text recursively: it tries each separator in turn and only
// descends to the next one for pieces that are still too long. Sizes are in
// characters. Separators stay attached to the start of the piece they precede.
type Splitter struct {
	ChunkSize  int
	Overlap    int
	Separators []string
}

func NewSplitter() *Splitter {
	return &Splitter{ChunkSize: DefaultChunkSize, Overlap: DefaultChunkOverlap, Separators: DefaultSeparators}
}

// Split splits every document and numbers the chunks in order.
func (s *Splitter) Split(docs []Document) []Chunk {
	var chunks []Chunk
	for _, d := range docs {
		for _, text := range s.SplitText(d.Content) {
			chunks = append(chunks, Chunk{
				Text:       text,
				SourceName: d.Name,
				ChunkID:    len(chunks),
				DocumentID: d.ID,
				Page:       d.Page,
			})
		}
	}
	return chunks
}

func (s *Splitter) SplitText(text string) []string {
	return s.split(text, s.Separators)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func (s *Splitter) split(text string, separators []string) []string {
	separator := ""
	var next []string
	for i, sep := range separators {
		if sep == "" {
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			next = separators[i+1:]
			break
		}
	}

	var final, good []string
	for _, piece := range splitKeepingSeparator(text, separator) {
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good)...)
			good = nil
		}
		if len(next) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.split(piece, next)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good)...)
	}
	return final
}

func splitKeepingSeparator(text, separator string) []string {
	var parts []string
	if separator == "" {
		parts = make([]string, 0, len(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
		return parts
	}
	for i, p := range strings.Split(text, separator) {
		if i > 0 {
			p = separator + p
		}
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// merge packs consecutive pieces into chunks of at most ChunkSize characters,
// carrying up to Overlap characters from the end of one chunk into the next.
func (s *Splitter) merge(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.ChunkSize && len(current) > 0 {
			if total > s.ChunkSize {
				log.Printf("Created a chunk of size %d, which is longer than the specified %d", total, s.ChunkSize)
			}
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.Overlap || (total+n > s.ChunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}
