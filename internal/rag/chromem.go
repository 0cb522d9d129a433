package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// chromemManifestFile lives in the database directory; chromem-go skips
// plain files there when loading collections.
const chromemManifestFile = "snapshots.json"

// ChromemStore is an embedded VectorStore backed by a persistent chromem-go
// database directory. The corpus identity is the collection name. chromem
// stores metadata as strings, so values are stringified on insert. The
// dimension and completeness of every collection are kept in a manifest
// file in the same directory.
type ChromemStore struct {
	// db is the persistent chromem database.
	db *chromem.DB
	// dir is the database directory.
	dir string
	// schema holds the collection name and dimension.
	schema Schema
	// mu serializes manifest reads and writes.
	mu sync.Mutex
}

// chromemSnapshot is one manifest entry.
type chromemSnapshot struct {
	Dimension int       `json:"dimension"`
	Records   int       `json:"records"`
	BuiltAt   time.Time `json:"built_at"`
	Complete  bool      `json:"complete"`
}

// errEmbedCalled guards the collection's embedding func: records always
// arrive with vectors.
var errEmbedCalled = errors.New("rag: chromem embedding func called; records must carry embeddings")

// noEmbed is the collection embedding func.
func noEmbed(context.Context, string) ([]float32, error) { return nil, errEmbedCalled }

// OpenChromem opens (or creates) the chromem database under dir.
func OpenChromem(dir string, schema Schema) (*ChromemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rag: create %s: %w", dir, err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("rag: open chromem db %s: %w", dir, err)
	}
	return &ChromemStore{db: db, dir: dir, schema: schema}, nil
}

// Count returns the number of documents in the collection. It returns
// ErrNotFound when the collection does not exist or was never committed, and
// ErrDimensionMismatch when it was built with a different dimension.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	col := s.db.GetCollection(s.schema.Identity, noEmbed)
	if col == nil {
		return 0, ErrNotFound
	}

	s.mu.Lock()
	manifest, err := s.readManifest()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	snap, ok := manifest[s.schema.Identity]
	if !ok || !snap.Complete {
		return 0, fmt.Errorf("%w: collection %q was never committed", ErrNotFound, s.schema.Identity)
	}
	if snap.Dimension != s.schema.Dimension {
		return 0, fmt.Errorf("%w: collection has %d, configured %d", ErrDimensionMismatch, snap.Dimension, s.schema.Dimension)
	}
	return col.Count(), nil
}

// Reset marks the snapshot incomplete, then deletes the collection and
// creates it empty.
func (s *ChromemStore) Reset(_ context.Context, schema Schema) error {
	s.schema = schema

	err := s.updateManifest(func(m map[string]chromemSnapshot) {
		m[schema.Identity] = chromemSnapshot{Dimension: schema.Dimension, BuiltAt: time.Now().UTC()}
	})
	if err != nil {
		return err
	}
	if err := s.db.DeleteCollection(schema.Identity); err != nil {
		return fmt.Errorf("rag: chromem delete collection %q: %w", schema.Identity, err)
	}
	if _, err := s.db.CreateCollection(schema.Identity, nil, noEmbed); err != nil {
		return fmt.Errorf("rag: chromem create collection %q: %w", schema.Identity, err)
	}
	return nil
}

// Commit records the document count and marks the snapshot complete.
func (s *ChromemStore) Commit(_ context.Context) error {
	col := s.db.GetCollection(s.schema.Identity, noEmbed)
	if col == nil {
		return fmt.Errorf("rag: chromem commit %q: %w", s.schema.Identity, ErrNotFound)
	}
	return s.updateManifest(func(m map[string]chromemSnapshot) {
		m[s.schema.Identity] = chromemSnapshot{
			Dimension: s.schema.Dimension,
			Records:   col.Count(),
			BuiltAt:   time.Now().UTC(),
			Complete:  true,
		}
	})
}

// readManifest loads the manifest; a missing file is an empty manifest.
// Callers hold s.mu.
func (s *ChromemStore) readManifest() (map[string]chromemSnapshot, error) {
	m := map[string]chromemSnapshot{}
	data, err := os.ReadFile(filepath.Join(s.dir, chromemManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rag: read chromem manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("rag: decode chromem manifest: %w", err)
	}
	return m, nil
}

// updateManifest applies fn to the manifest and writes it back atomically.
func (s *ChromemStore) updateManifest(fn func(map[string]chromemSnapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest()
	if err != nil {
		return err
	}
	fn(m)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("rag: encode chromem manifest: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, chromemManifestFile+".*")
	if err != nil {
		return fmt.Errorf("rag: write chromem manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("rag: write chromem manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rag: write chromem manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, chromemManifestFile)); err != nil {
		return fmt.Errorf("rag: write chromem manifest: %w", err)
	}
	return nil
}

// Insert adds records to the collection.
func (s *ChromemStore) Insert(ctx context.Context, records []Record) error {
	col := s.db.GetCollection(s.schema.Identity, noEmbed)
	if col == nil {
		return fmt.Errorf("rag: chromem collection %q: %w", s.schema.Identity, ErrNotFound)
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) != s.schema.Dimension {
			return fmt.Errorf("%w: record %s has %d, schema has %d", ErrDimensionMismatch, r.ID, len(r.Embedding), s.schema.Dimension)
		}
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Metadata:  stringifyMetadata(r.Metadata),
			Embedding: r.Embedding,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("rag: chromem add documents: %w", err)
	}
	return nil
}

// Search queries the collection by embedding.
func (s *ChromemStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	col := s.db.GetCollection(s.schema.Identity, noEmbed)
	if col == nil {
		return nil, fmt.Errorf("rag: chromem collection %q: %w", s.schema.Identity, ErrNotFound)
	}
	n := min(topK, col.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, queryEmbedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("rag: chromem query: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		docs = append(docs, newDocument(r.ID, r.Content, meta, r.Similarity))
	}
	return docs, nil
}

// Close is a no-op; chromem persists each write as it happens.
func (s *ChromemStore) Close() error { return nil }

// stringifyMetadata converts scalar metadata to chromem's string map. Nil
// values are omitted.
func stringifyMetadata(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case bool:
			out[k] = strconv.FormatBool(x)
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		case float64:
			out[k] = strconv.FormatFloat(x, 'g', -1, 64)
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}
