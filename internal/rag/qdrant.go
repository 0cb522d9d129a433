package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant collection named
// after the corpus identity. Each point carries the chunk text and its
// metadata (JSON) as payload. The collection metadata records whether the
// snapshot was committed.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// schema holds the collection name and vector size.
	schema Schema
}

// qdrantUpsertBatch is the number of points sent per upsert call.
const qdrantUpsertBatch = 256

// qdrantCompleteKey is the collection metadata key set by Commit.
const qdrantCompleteKey = "corpusqa_complete"

// NewQdrantStore connects to Qdrant. The collection is not touched until
// Count or Reset is called.
func NewQdrantStore(cfg *QdrantConfig, schema Schema) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantStore{client: client, schema: schema}, nil
}

// Count returns the exact number of points in the collection. It returns
// ErrNotFound when the collection does not exist or was never committed, and
// ErrDimensionMismatch when its vector size differs from the schema.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	exists, err := s.client.CollectionExists(ctx, s.schema.Identity)
	if err != nil {
		return 0, fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}

	info, err := s.client.GetCollectionInfo(ctx, s.schema.Identity)
	if err != nil {
		return 0, fmt.Errorf("qdrant: failed to read collection %q: %w", s.schema.Identity, err)
	}
	if err := checkCollection(info.GetConfig(), s.schema); err != nil {
		return 0, err
	}

	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.schema.Identity,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	return int(n), nil
}

// checkCollection validates a collection config against schema: it must be
// committed and hold vectors of schema.Dimension.
func checkCollection(cfg *qdrant.CollectionConfig, schema Schema) error {
	if !cfg.GetMetadata()[qdrantCompleteKey].GetBoolValue() {
		return fmt.Errorf("%w: collection %q was never committed", ErrNotFound, schema.Identity)
	}
	size := cfg.GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != uint64(schema.Dimension) {
		return fmt.Errorf("%w: collection has %d, configured %d", ErrDimensionMismatch, size, schema.Dimension)
	}
	return nil
}

// Reset deletes the collection if present and creates it empty and
// uncommitted, with cosine distance and schema.Dimension vectors.
func (s *QdrantStore) Reset(ctx context.Context, schema Schema) error {
	s.schema = schema

	exists, err := s.client.CollectionExists(ctx, schema.Identity)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, schema.Identity); err != nil {
			return fmt.Errorf("qdrant: failed to delete collection %q: %w", schema.Identity, err)
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: schema.Identity,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(schema.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
		Metadata: map[string]*qdrant.Value{
			qdrantCompleteKey: qdrant.NewValueBool(false),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", schema.Identity, err)
	}
	return nil
}

// Commit flags the collection as complete in its metadata.
func (s *QdrantStore) Commit(ctx context.Context) error {
	err := s.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: s.schema.Identity,
		Metadata: map[string]*qdrant.Value{
			qdrantCompleteKey: qdrant.NewValueBool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to commit collection %q: %w", s.schema.Identity, err)
	}
	return nil
}

// Insert upserts records as points in batches and waits for each batch to
// be applied.
func (s *QdrantStore) Insert(ctx context.Context, records []Record) error {
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) != s.schema.Dimension {
			return fmt.Errorf("%w: record %s has %d, schema has %d", ErrDimensionMismatch, r.ID, len(r.Embedding), s.schema.Dimension)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("qdrant: encode metadata for %s: %w", r.ID, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: map[string]*qdrant.Value{
				"text":     {Kind: &qdrant.Value_StringValue{StringValue: r.Text}},
				"metadata": {Kind: &qdrant.Value_StringValue{StringValue: string(meta)}},
			},
		})
	}

	for start := 0; start < len(points); start += qdrantUpsertBatch {
		end := min(start+qdrantUpsertBatch, len(points))
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.schema.Identity,
			Wait:           qdrant.PtrOf(true),
			Points:         points[start:end],
		})
		if err != nil {
			return fmt.Errorf("qdrant: upsert failed: %w", err)
		}
	}
	return nil
}

// Search performs a cosine similarity search and returns the top-k results.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.schema.Identity,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		var text string
		meta := map[string]any{}
		if p := r.Payload; p != nil {
			text = p["text"].GetStringValue()
			if raw := p["metadata"].GetStringValue(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &meta); err != nil {
					return nil, fmt.Errorf("qdrant: decode metadata for %s: %w", r.Id.GetUuid(), err)
				}
			}
		}
		docs = append(docs, newDocument(r.Id.GetUuid(), text, meta, r.Score))
	}
	return docs, nil
}

// Ping checks that the Qdrant server is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
