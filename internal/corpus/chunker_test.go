package corpus

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNewChunker_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		size    int
		overlap int
		wantErr bool
	}{
		{"valid", 512, 64, false},
		{"zero overlap", 10, 0, false},
		{"overlap equals size", 10, 10, true},
		{"overlap exceeds size", 10, 11, true},
		{"negative overlap", 10, -1, true},
		{"zero size", 0, 0, true},
	}
	for _, tt := range tests {
		_, err := NewChunker(tt.size, tt.overlap)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidChunking) {
				t.Errorf("%s: want ErrInvalidChunking, got %v", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
	}
}

func TestSplit_ShortDocumentYieldsOneChunk(t *testing.T) {
	t.Parallel()

	c, err := NewChunker(100, 10)
	if err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"a", "Before college the two main things I worked on were writing and programming.", strings.Repeat("x", 100)} {
		parts := c.Split(text)
		if len(parts) != 1 {
			t.Fatalf("len(text)=%d: want 1 chunk, got %d", len(text), len(parts))
		}
		if parts[0] != text {
			t.Errorf("chunk differs from document text")
		}
	}
}

func TestSplit_EmptyDocument(t *testing.T) {
	t.Parallel()

	c, _ := NewChunker(10, 2)
	if parts := c.Split(""); len(parts) != 0 {
		t.Errorf("want no chunks, got %d", len(parts))
	}
}

func TestSplit_OverlapAndReconstruction(t *testing.T) {
	t.Parallel()

	texts := []string{
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40),
		strings.Repeat("héllo wörld — 日本語 ", 37),
		"abcdefghijklmnopqrstuvwxyz0123456789",
	}
	params := [][2]int{{10, 0}, {10, 3}, {16, 15}, {64, 8}, {7, 1}}

	for _, text := range texts {
		for _, p := range params {
			c, err := NewChunker(p[0], p[1])
			if err != nil {
				t.Fatal(err)
			}
			parts := c.Split(text)

			for i, part := range parts {
				if n := utf8.RuneCountInString(part); n > p[0] {
					t.Fatalf("size=%d overlap=%d: chunk %d has %d runes", p[0], p[1], i, n)
				}
				if i == 0 {
					continue
				}
				prev := []rune(parts[i-1])
				cur := []rune(part)
				if string(prev[len(prev)-p[1]:]) != string(cur[:p[1]]) {
					t.Fatalf("size=%d overlap=%d: chunks %d/%d do not share %d runes", p[0], p[1], i-1, i, p[1])
				}
			}

			if got := c.Reassemble(parts); got != text {
				t.Fatalf("size=%d overlap=%d: reassembled text differs from source", p[0], p[1])
			}
		}
	}
}

func TestChunk_MetadataAndDeterministicIDs(t *testing.T) {
	t.Parallel()

	c, _ := NewChunker(20, 5)
	docs := []Document{
		{Source: "a.txt", Text: strings.Repeat("a", 50), Metadata: map[string]any{"file_name": "a.txt"}},
		{Source: "b.txt", Text: "short"},
	}

	first := c.Chunk(docs)
	second := c.Chunk(docs)

	if len(first) != len(c.Split(docs[0].Text))+1 {
		t.Fatalf("unexpected chunk count %d", len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d: ID not deterministic", i)
		}
		if first[i].Embedding != nil {
			t.Errorf("chunk %d: embedding should be nil before indexing", i)
		}
	}

	last := first[len(first)-1]
	if last.Metadata["source"] != "b.txt" || last.Metadata["chunk_index"] != 0 {
		t.Errorf("unexpected metadata: %v", last.Metadata)
	}
	if first[0].Metadata["file_name"] != "a.txt" {
		t.Errorf("document metadata not inherited: %v", first[0].Metadata)
	}
	if first[0].ID == first[1].ID {
		t.Error("distinct chunks share an ID")
	}

	// The document's own metadata map must not be mutated.
	if _, ok := docs[0].Metadata["chunk_index"]; ok {
		t.Error("Chunk mutated the document metadata map")
	}
}
