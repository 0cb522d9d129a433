package rag

import (
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendSQLite  = "sqlite"
	BackendQdrant  = "qdrant"
	BackendChromem = "chromem"
)

// StoreConfig selects and configures a VectorStore backend.
type StoreConfig struct {
	// Backend is one of BackendSQLite, BackendQdrant, BackendChromem.
	Backend string
	// Path is the database file (sqlite) or directory (chromem).
	Path string
	// Qdrant holds the connection settings for the qdrant backend.
	Qdrant QdrantConfig
}

// Open constructs the configured VectorStore for schema.
func Open(cfg StoreConfig, schema Schema) (VectorStore, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return OpenSQLite(cfg.Path, schema)
	case BackendQdrant:
		return NewQdrantStore(&cfg.Qdrant, schema)
	case BackendChromem:
		return OpenChromem(cfg.Path, schema)
	default:
		return nil, fmt.Errorf("rag: unknown vector store %q (valid: sqlite, qdrant, chromem)", cfg.Backend)
	}
}
