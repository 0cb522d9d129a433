package corpus

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// ErrInvalidChunking is returned when the size/overlap pair cannot make
// progress (size must be positive and overlap in [0, size)).
var ErrInvalidChunking = errors.New("corpus: chunk overlap must be in [0, size)")

// chunkNamespace seeds the deterministic chunk IDs. Re-chunking the same
// document with the same parameters yields the same IDs.
var chunkNamespace = uuid.MustParse("6f1c4c62-7a5e-4d7c-9b0e-2f9d1f1f2b7a")

// Chunk is a contiguous span of a Document, ready for embedding.
type Chunk struct {
	// ID is a deterministic UUID derived from the source and chunk index.
	ID string
	// Text is the chunk content.
	Text string
	// Index is the position of this chunk within its document.
	Index int
	// Metadata is inherited from the document plus source and chunk_index.
	// Values may be arbitrary until the index sanitizer flattens them.
	Metadata map[string]any
	// Embedding is filled in by the index builder; nil until then.
	Embedding []float32
}

// Chunker splits documents into fixed-size windows of runes. Consecutive
// windows from one document share exactly overlap runes.
type Chunker struct {
	// size is the maximum chunk length in runes.
	size int
	// overlap is the number of runes shared with the previous chunk.
	overlap int
}

// NewChunker validates size and overlap and returns a Chunker.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunking, size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured maximum chunk length.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into windows. The first window starts at 0, each following
// window starts size-overlap runes later, and the last one ends exactly at
// the end of text. Text no longer than size yields a single window. Text
// must be valid UTF-8; Load rejects anything else.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := c.size - c.overlap
	var out []string
	for start := 0; ; start += step {
		end := min(start+c.size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// Chunk splits every document and returns the chunks in document order.
func (c *Chunker) Chunk(docs []Document) []Chunk {
	var chunks []Chunk
	for _, d := range docs {
		for i, text := range c.Split(d.Text) {
			meta := make(map[string]any, len(d.Metadata)+2)
			maps.Copy(meta, d.Metadata)
			meta["source"] = d.Source
			meta["chunk_index"] = i

			chunks = append(chunks, Chunk{
				ID:       chunkID(d.Source, i),
				Text:     text,
				Index:    i,
				Metadata: meta,
			})
		}
	}
	return chunks
}

// Reassemble reverses Split for one document's chunks by dropping the
// leading overlap runes of every chunk after the first.
func (c *Chunker) Reassemble(parts []string) string {
	var out []rune
	for i, p := range parts {
		r := []rune(p)
		if i > 0 {
			r = r[min(c.overlap, len(r)):]
		}
		out = append(out, r...)
	}
	return string(out)
}

// chunkID returns a UUIDv5 for the chunk so Qdrant accepts it as a point ID.
func chunkID(source string, index int) string {
	return uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "%s#%d", source, index)).String()
}
