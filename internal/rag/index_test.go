package rag

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/54b3r/corpusqa/internal/corpus"
)

func openTestSQLite(t *testing.T, path string, dim int) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(path, Schema{Identity: "paul_graham_essays", Dimension: dim})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBuildOrLoad_BuildThenReuse(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	chunks := testChunks()
	emb := newVocabEmbedder()

	first, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, emb, Options{})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if first.Reused() || first.Count() != len(chunks) {
		t.Fatalf("first: reused=%v count=%d", first.Reused(), first.Count())
	}
	if emb.calls.Load() != 1 {
		t.Fatalf("want 1 embed call, got %d", emb.calls.Load())
	}

	// A fresh process opening the same file must reuse without embedding.
	second, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, emb, Options{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !second.Reused() || second.Count() != len(chunks) {
		t.Fatalf("second: reused=%v count=%d", second.Reused(), second.Count())
	}
	if emb.calls.Load() != 1 {
		t.Errorf("reuse path must not embed, got %d calls", emb.calls.Load())
	}

	vec, _ := emb.EmbedQuery(t.Context(), "writing and programming before college")
	docs, err := second.Search(t.Context(), vec, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 1 || docs[0].Source != "essay.txt" {
		t.Errorf("want essay.txt nearest, got %+v", docs)
	}
}

func TestBuildOrLoad_ForceRebuild(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	emb := newVocabEmbedder()

	if _, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, testChunks(), emb, Options{}); err != nil {
		t.Fatal(err)
	}
	ix, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, testChunks()[:1], emb, Options{ForceRebuild: true})
	if err != nil {
		t.Fatal(err)
	}
	if ix.Reused() || ix.Count() != 1 {
		t.Errorf("rebuild: reused=%v count=%d", ix.Reused(), ix.Count())
	}

	s := openTestSQLite(t, path, testDim)
	if n, err := s.Count(t.Context()); err != nil || n != 1 {
		t.Errorf("rebuild must replace the snapshot: n=%d err=%v", n, err)
	}
}

func TestBuildOrLoad_DimensionMismatchRejectedAtInsert(t *testing.T) {
	t.Parallel()

	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim + 1}
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), testDim+1)

	_, err := BuildOrLoad(t.Context(), store, schema, testChunks(), newVocabEmbedder(), Options{})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
}

func TestBuildOrLoad_ChangedDimensionRebuilds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	if _, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), Schema{Identity: "paul_graham_essays", Dimension: testDim}, testChunks(), newVocabEmbedder(), Options{}); err != nil {
		t.Fatal(err)
	}

	wider := &vocabEmbedder{dim: 12}
	s := openTestSQLite(t, path, 12)
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Count with new dimension: want ErrDimensionMismatch, got %v", err)
	}

	ix, err := BuildOrLoad(t.Context(), s, Schema{Identity: "paul_graham_essays", Dimension: 12}, testChunks(), wider, Options{})
	if err != nil {
		t.Fatalf("rebuild with new dimension: %v", err)
	}
	if ix.Reused() {
		t.Error("snapshot with a different dimension must not be reused")
	}
}

func TestBuildOrLoad_OpenErrorPolicy(t *testing.T) {
	t.Parallel()

	schema := Schema{Identity: "x", Dimension: testDim}

	lenient := &failingStore{err: errBackendDown}
	if _, err := BuildOrLoad(t.Context(), lenient, schema, testChunks(), newVocabEmbedder(), Options{}); err != nil {
		t.Fatalf("non-strict should rebuild, got %v", err)
	}
	if !lenient.reset {
		t.Error("non-strict should reset the store")
	}

	strict := &failingStore{err: errBackendDown}
	_, err := BuildOrLoad(t.Context(), strict, schema, testChunks(), newVocabEmbedder(), Options{StrictOpen: true})
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("strict should surface the open error, got %v", err)
	}
	if strict.reset {
		t.Error("strict must not reset the store")
	}

	notFound := &failingStore{err: ErrNotFound}
	if _, err := BuildOrLoad(t.Context(), notFound, schema, testChunks(), newVocabEmbedder(), Options{StrictOpen: true}); err != nil {
		t.Fatalf("ErrNotFound should build even when strict, got %v", err)
	}
}

func TestBuildOrLoad_SkipsEmbeddedAndEmptyChunks(t *testing.T) {
	t.Parallel()

	chunks := []corpus.Chunk{
		{ID: "00000000-0000-0000-0000-000000000001", Text: "pre", Embedding: make([]float32, testDim)},
		{ID: "00000000-0000-0000-0000-000000000002", Text: ""},
		{ID: "00000000-0000-0000-0000-000000000003", Text: "needs embedding"},
	}
	emb := newVocabEmbedder()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), testDim)

	ix, err := BuildOrLoad(t.Context(), store, Schema{Identity: "paul_graham_essays", Dimension: testDim}, chunks, emb, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if ix.Count() != 2 {
		t.Errorf("want 2 records (empty chunk dropped), got %d", ix.Count())
	}
	if chunks[2].Embedding != nil {
		t.Error("BuildOrLoad must not mutate the caller's chunks")
	}
}

func TestIndex_SearchRejectsWrongQueryWidth(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), testDim)
	ix, err := BuildOrLoad(t.Context(), store, Schema{Identity: "paul_graham_essays", Dimension: testDim}, testChunks(), newVocabEmbedder(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Search(t.Context(), []float32{1}, 3); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("want ErrDimensionMismatch, got %v", err)
	}
	if docs, err := ix.Search(t.Context(), make([]float32, testDim), 0); err != nil || docs != nil {
		t.Errorf("topK=0: want nil, got %v %v", docs, err)
	}
}

func TestIndex_PingDelegatesToStore(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t, filepath.Join(t.TempDir(), "index.db"), testDim)
	ix, err := BuildOrLoad(t.Context(), store, Schema{Identity: "paul_graham_essays", Dimension: testDim}, testChunks(), newVocabEmbedder(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Ping(t.Context()); err != nil {
		t.Errorf("Ping on open store: %v", err)
	}
	_ = store.Close()
	if err := ix.Ping(t.Context()); err == nil {
		t.Error("Ping on closed store should fail")
	}
}

func TestBuildOrLoad_InterruptedInsertIsNotReused(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	chunks := testChunks()

	interrupted := &interruptedStore{VectorStore: openTestSQLite(t, path, testDim)}
	if _, err := BuildOrLoad(t.Context(), interrupted, schema, chunks, newVocabEmbedder(), Options{}); !errors.Is(err, errInterrupted) {
		t.Fatalf("want errInterrupted, got %v", err)
	}
	if interrupted.committed {
		t.Fatal("a failed insert must not be committed")
	}

	s := openTestSQLite(t, path, testDim)
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("partial snapshot: want ErrNotFound, got %v", err)
	}

	ix, err := BuildOrLoad(t.Context(), s, schema, chunks, newVocabEmbedder(), Options{StrictOpen: true})
	if err != nil {
		t.Fatalf("rebuild after interruption: %v", err)
	}
	if ix.Reused() || ix.Count() != len(chunks) {
		t.Errorf("want full rebuild of %d records, got reused=%v count=%d", len(chunks), ix.Reused(), ix.Count())
	}
}

func TestBuildOrLoad_LargeBuildCommitsOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}

	chunks := make([]corpus.Chunk, insertBatchSize+100)
	for i := range chunks {
		chunks[i] = corpus.Chunk{
			ID:       fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			Text:     fmt.Sprintf("startup %d", i),
			Metadata: map[string]any{"score": math.NaN(), "rank": uint64(math.MaxUint64)},
		}
	}

	ix, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, newVocabEmbedder(), Options{})
	if err != nil {
		t.Fatalf("non-finite metadata must not abort the build: %v", err)
	}
	if ix.Count() != len(chunks) {
		t.Fatalf("count = %d, want %d", ix.Count(), len(chunks))
	}

	again, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, newVocabEmbedder(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Reused() || again.Count() != len(chunks) {
		t.Errorf("reload: reused=%v count=%d", again.Reused(), again.Count())
	}
}

func TestBuildOrLoad_FailedRebuildKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	schema := Schema{Identity: "paul_graham_essays", Dimension: testDim}
	chunks := testChunks()

	if _, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, newVocabEmbedder(), Options{}); err != nil {
		t.Fatal(err)
	}

	_, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, &downEmbedder{}, Options{ForceRebuild: true})
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("want errBackendDown, got %v", err)
	}

	ix, err := BuildOrLoad(t.Context(), openTestSQLite(t, path, testDim), schema, chunks, &downEmbedder{}, Options{})
	if err != nil {
		t.Fatalf("previous snapshot should still load: %v", err)
	}
	if !ix.Reused() || ix.Count() != len(chunks) {
		t.Errorf("want previous %d records reused, got reused=%v count=%d", len(chunks), ix.Reused(), ix.Count())
	}
}

func TestOpenSQLite_MigratesManifestWithoutCompleteColumn(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{
		`CREATE TABLE snapshots (identity TEXT PRIMARY KEY, dimension INTEGER NOT NULL, records INTEGER NOT NULL, built_at INTEGER NOT NULL)`,
		`CREATE TABLE "paul_graham_essays" (id TEXT PRIMARY KEY, embedding BLOB NOT NULL, metadata TEXT NOT NULL, text TEXT NOT NULL)`,
		`INSERT INTO snapshots VALUES ('paul_graham_essays', 8, 0, 0)`,
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	_ = db.Close()

	s := openTestSQLite(t, path, testDim)
	if _, err := s.Count(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot from an older manifest should be rebuilt, got %v", err)
	}
}
