package rag

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

func TestSQLiteStore_SearchOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), 2)
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh store: want ErrNotFound, got %v", err)
	}
	if err := s.Reset(t.Context(), Schema{Identity: "paul_graham_essays", Dimension: 2}); err != nil {
		t.Fatal(err)
	}

	records := []Record{
		{ID: "far", Embedding: []float32{0, 1}, Text: "far", Metadata: map[string]any{"source": "b.txt"}},
		{ID: "near", Embedding: []float32{1, 0.1}, Text: "near", Metadata: map[string]any{"source": "a.txt", "chunk_index": int64(0)}},
		{ID: "mid", Embedding: []float32{1, 1}, Text: "mid", Metadata: map[string]any{}},
	}
	if err := s.Insert(t.Context(), records); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("before Commit: want ErrNotFound, got %v", err)
	}
	if err := s.Commit(t.Context()); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Count(t.Context()); err != nil || n != 3 {
		t.Fatalf("Count: n=%d err=%v", n, err)
	}

	docs, err := s.Search(t.Context(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != "near" || docs[1].ID != "mid" {
		t.Fatalf("unexpected order: %+v", docs)
	}
	if docs[0].Source != "a.txt" || docs[0].Content != "near" {
		t.Errorf("payload not restored: %+v", docs[0])
	}
	if docs[0].Score < docs[1].Score {
		t.Error("scores should be descending")
	}
}

func TestSQLiteStore_InsertRejectsWrongWidth(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), 3)
	if err := s.Reset(t.Context(), Schema{Identity: "paul_graham_essays", Dimension: 3}); err != nil {
		t.Fatal(err)
	}
	err := s.Insert(t.Context(), []Record{{ID: "a", Embedding: []float32{1, 2}, Text: "a"}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	if n, _ := s.Count(t.Context()); n != 0 {
		t.Errorf("nothing should be written, got %d rows", n)
	}
}

func TestOpenSQLite_RejectsUnsafeIdentity(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"), Schema{Identity: `x"; DROP TABLE snapshots; --`, Dimension: 2})
	if err == nil {
		t.Fatal("expected error for unsafe identity")
	}
}

func TestChromemStore_BuildReuseSearch(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "chromem")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	emb := newVocabEmbedder()

	s, err := OpenChromem(dir, schema)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh chromem: want ErrNotFound, got %v", err)
	}

	ix, err := BuildOrLoad(t.Context(), s, schema, testChunks(), emb, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	reopened, err := OpenChromem(dir, schema)
	if err != nil {
		t.Fatal(err)
	}
	again, err := BuildOrLoad(t.Context(), reopened, schema, testChunks(), emb, Options{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !again.Reused() || again.Count() != ix.Count() {
		t.Fatalf("reused=%v count=%d want %d", again.Reused(), again.Count(), ix.Count())
	}

	vec, _ := emb.EmbedQuery(t.Context(), "Y Combinator startups batch founders")
	docs, err := again.Search(t.Context(), vec, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != ix.Count() {
		t.Fatalf("topK above count should return every record, got %d", len(docs))
	}
	if docs[0].Source != "yc.txt" {
		t.Errorf("want yc.txt nearest, got %q", docs[0].Source)
	}
	if docs[0].Metadata["chunk_index"] != "0" {
		t.Errorf("chromem metadata should be stringified, got %#v", docs[0].Metadata["chunk_index"])
	}
}

func TestChromemStore_ChangedDimensionRebuilds(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "chromem")
	narrow, err := OpenChromem(dir, Schema{Identity: "paul_graham_essays", Dimension: testDim})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BuildOrLoad(t.Context(), narrow, Schema{Identity: "paul_graham_essays", Dimension: testDim}, testChunks(), newVocabEmbedder(), Options{}); err != nil {
		t.Fatal(err)
	}

	wider := Schema{Identity: "paul_graham_essays", Dimension: 12}
	s, err := OpenChromem(dir, wider)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Count with new dimension: want ErrDimensionMismatch, got %v", err)
	}

	emb := &vocabEmbedder{dim: 12}
	ix, err := BuildOrLoad(t.Context(), s, wider, testChunks(), emb, Options{})
	if err != nil {
		t.Fatalf("rebuild with new dimension: %v", err)
	}
	if ix.Reused() {
		t.Fatal("snapshot with a different dimension must not be reused")
	}
	vec, _ := emb.EmbedQuery(t.Context(), "Lisp macros")
	if _, err := ix.Search(t.Context(), vec, 2); err != nil {
		t.Errorf("search after rebuild: %v", err)
	}
}

func TestChromemStore_UncommittedCollectionIsNotReused(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "chromem")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	s, err := OpenChromem(dir, schema)
	if err != nil {
		t.Fatal(err)
	}

	interrupted := &interruptedStore{VectorStore: s}
	if _, err := BuildOrLoad(t.Context(), interrupted, schema, testChunks(), newVocabEmbedder(), Options{}); !errors.Is(err, errInterrupted) {
		t.Fatalf("want errInterrupted, got %v", err)
	}

	reopened, err := OpenChromem(dir, schema)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Count(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("partial collection: want ErrNotFound, got %v", err)
	}
	ix, err := BuildOrLoad(t.Context(), reopened, schema, testChunks(), newVocabEmbedder(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if ix.Reused() || ix.Count() != len(testChunks()) {
		t.Errorf("want full rebuild, got reused=%v count=%d", ix.Reused(), ix.Count())
	}
}

func TestCheckQdrantCollection(t *testing.T) {
	t.Parallel()

	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	config := func(size uint64, meta map[string]*qdrant.Value) *qdrant.CollectionConfig {
		return &qdrant.CollectionConfig{
			Params: &qdrant.CollectionParams{
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{Size: size, Distance: qdrant.Distance_Cosine}),
			},
			Metadata: meta,
		}
	}
	committed := map[string]*qdrant.Value{qdrantCompleteKey: qdrant.NewValueBool(true)}

	tests := []struct {
		name string
		cfg  *qdrant.CollectionConfig
		want error
	}{
		{"committed", config(testDim, committed), nil},
		{"no metadata", config(testDim, nil), ErrNotFound},
		{"uncommitted", config(testDim, map[string]*qdrant.Value{qdrantCompleteKey: qdrant.NewValueBool(false)}), ErrNotFound},
		{"other dimension", config(testDim*2, committed), ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkCollection(tt.cfg, schema)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	t.Parallel()

	if _, err := Open(StoreConfig{Backend: "faiss"}, Schema{Identity: "x", Dimension: 2}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRetriever(t *testing.T) {
	t.Parallel()

	emb := newVocabEmbedder()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), testDim)
	ix, err := BuildOrLoad(t.Context(), store, Schema{Identity: "paul_graham_essays", Dimension: testDim}, testChunks(), emb, Options{})
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewRetriever(emb, ix, 2)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := r.Retrieve(t.Context(), "Lisp macros programs", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].Source != "lisp.txt" {
		t.Errorf("unexpected retrieval: %+v", docs)
	}

	if _, err := NewRetriever(nil, ix, 2); err == nil {
		t.Error("nil embedder should be rejected")
	}
}

func TestRetriever_MinScore(t *testing.T) {
	t.Parallel()

	emb := newVocabEmbedder()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), testDim)
	ix, err := BuildOrLoad(t.Context(), store, Schema{Identity: "paul_graham_essays", Dimension: testDim}, testChunks(), emb, Options{})
	if err != nil {
		t.Fatal(err)
	}

	all, err := NewRetriever(emb, ix, 10)
	if err != nil {
		t.Fatal(err)
	}
	strict, err := NewRetriever(emb, ix, 10, WithMinScore(0.3))
	if err != nil {
		t.Fatal(err)
	}

	unfiltered, err := all.Retrieve(t.Context(), "Lisp macros", 0)
	if err != nil {
		t.Fatal(err)
	}
	filtered, err := strict.Retrieve(t.Context(), "Lisp macros", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(unfiltered) < 2 {
		t.Fatalf("expected several unfiltered results, got %d", len(unfiltered))
	}
	if len(filtered) != 1 || filtered[0].Source != "lisp.txt" {
		t.Errorf("want only lisp.txt above 0.3, got %+v", filtered)
	}
}
