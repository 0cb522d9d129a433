// Package rag holds the vector index: the store interface and its backends
// (SQLite, Qdrant, chromem-go), the sanitizer that turns chunks into storable
// records, the build-or-load entry point and the query-time retriever.
package rag

import (
	"context"
	"errors"
)

// ErrNotFound is returned by VectorStore.Count when no snapshot exists for
// the store's corpus identity.
var ErrNotFound = errors.New("rag: index not found")

// ErrDimensionMismatch is returned when a vector's width differs from the
// schema dimension.
var ErrDimensionMismatch = errors.New("rag: embedding dimension mismatch")

// Document is a unit of retrieved knowledge.
type Document struct {
	// ID is the unique identifier for this chunk.
	ID string

	// Content is the raw text content of the chunk.
	Content string

	// Source is the corpus file the chunk came from.
	Source string

	// Metadata holds the sanitized key-value pairs stored with the chunk.
	Metadata map[string]any

	// Score is the cosine similarity to the query. Higher is closer.
	Score float32
}

// Record is one sanitized row of the index.
type Record struct {
	// ID is the chunk ID (a UUID string).
	ID string
	// Embedding is exactly Schema.Dimension float32 values.
	Embedding []float32
	// Text is the chunk content.
	Text string
	// Metadata values are scalars (string, bool, int64, float64) or nil.
	Metadata map[string]any
}

// Schema declares the layout of an index: an "embedding" float32 vector of
// Dimension (cosine), a "metadata" key-value map and a "text" string.
type Schema struct {
	// Identity is the corpus identity (table or collection name).
	Identity string
	// Dimension is the embedding width.
	Dimension int
}

// VectorStore is the interface for persisting and searching embeddings for
// one corpus identity. Implementations must be safe to call from multiple
// goroutines.
type VectorStore interface {
	// Count returns the number of records in the committed snapshot. It
	// returns ErrNotFound when no snapshot exists or the last one was never
	// committed, and ErrDimensionMismatch when the snapshot was built with a
	// different dimension than the store was opened with.
	Count(ctx context.Context) (int, error)

	// Reset drops any existing snapshot and declares an empty, uncommitted
	// one with schema.
	Reset(ctx context.Context, schema Schema) error

	// Insert writes records. A record whose embedding width differs from the
	// schema dimension fails the whole call with ErrDimensionMismatch.
	Insert(ctx context.Context, records []Record) error

	// Commit marks the snapshot declared by the last Reset as complete. A
	// build interrupted before Commit is never reported by Count.
	Commit(ctx context.Context) error

	// Search returns at most topK records nearest to queryEmbedding,
	// nearest first.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into float32 vectors. Documents and queries may be
// embedded differently by asymmetric models. Implementations must be safe to
// call from multiple goroutines.
type Embedder interface {
	// EmbedText embeds one document text.
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// EmbedTexts embeds document texts; the result is parallel to texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds one search query.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	// EmbedQueries embeds search queries; the result is parallel to queries.
	EmbedQueries(ctx context.Context, queries []string) ([][]float32, error)
}

// Retriever fetches relevant context for a query. It combines embedding and
// vector search. Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns the top-k most relevant documents for the given query.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}
