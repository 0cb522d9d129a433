package rag

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/54b3r/corpusqa/internal/corpus"
)

const testDim = 8

// vocabulary gives each test topic its own dimension.
var vocabulary = []string{"college", "writ", "program", "combinator", "startup", "founder", "lisp", "macro"}

// vocabEmbedder maps text to per-topic term counts over vocabulary, so the
// nearest neighbour of a query is predictable. Dimensions beyond the
// vocabulary stay zero.
type vocabEmbedder struct {
	dim   int
	calls atomic.Int32
}

func newVocabEmbedder() *vocabEmbedder { return &vocabEmbedder{dim: testDim} }

func (e *vocabEmbedder) vec(text string) []float32 {
	v := make([]float32, e.dim)
	lower := strings.ToLower(text)
	for i, stem := range vocabulary {
		if i < e.dim {
			v[i] = float32(strings.Count(lower, stem))
		}
	}
	return v
}

func (e *vocabEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (e *vocabEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vec(t)
	}
	return out, nil
}

func (e *vocabEmbedder) EmbedQuery(ctx context.Context, q string) ([]float32, error) {
	return e.EmbedText(ctx, q)
}

func (e *vocabEmbedder) EmbedQueries(ctx context.Context, qs []string) ([][]float32, error) {
	return e.EmbedTexts(ctx, qs)
}

// failingStore fails Count with err and records whether Reset was called.
type failingStore struct {
	VectorStore
	err   error
	reset bool
}

func (s *failingStore) Count(context.Context) (int, error) { return 0, s.err }

func (s *failingStore) Reset(context.Context, Schema) error {
	s.reset = true
	return nil
}

func (s *failingStore) Insert(context.Context, []Record) error { return nil }

func (s *failingStore) Commit(context.Context) error { return nil }

func (s *failingStore) Close() error { return nil }

var errBackendDown = errors.New("backend down")

// downEmbedder fails every call, as an unreachable provider would.
type downEmbedder struct{ vocabEmbedder }

func (e *downEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, errBackendDown
}

// interruptedStore writes the first half of the records to the wrapped
// store and then fails, leaving a partially written snapshot behind.
type interruptedStore struct {
	VectorStore
	committed bool
}

var errInterrupted = errors.New("insert interrupted")

func (s *interruptedStore) Insert(ctx context.Context, records []Record) error {
	if err := s.VectorStore.Insert(ctx, records[:len(records)/2]); err != nil {
		return err
	}
	return errInterrupted
}

func (s *interruptedStore) Commit(ctx context.Context) error {
	s.committed = true
	return s.VectorStore.Commit(ctx)
}

func testChunks() []corpus.Chunk {
	c, _ := corpus.NewChunker(200, 20)
	return c.Chunk([]corpus.Document{
		{Source: "essay.txt", Text: "Before college the two main things I worked on, outside of school, were writing and programming. I wrote short stories."},
		{Source: "yc.txt", Text: "Y Combinator funded startups in batches. The summer founders program was the first batch."},
		{Source: "lisp.txt", Text: "Lisp macros let programmers write programs that write programs."},
	})
}
