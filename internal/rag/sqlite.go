package rag

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// identityPattern restricts corpus identities to names usable as a table name.
var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// insertBatchSize is the number of rows written per transaction.
const insertBatchSize = 500

// SQLiteStore is a VectorStore backed by a local SQLite database file. Each
// corpus identity is one table; a snapshots table records the dimension,
// record count, build time and completeness of every identity. Search is a
// brute-force cosine scan, which is fast enough for a single essay
// collection.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// schema is the declared layout; Dimension may be replaced by Reset.
	schema Schema
}

// OpenSQLite opens (or creates) the database at path and runs the manifest
// migration. Use ":memory:" for an in-memory database in tests.
func OpenSQLite(path string, schema Schema) (*SQLiteStore, error) {
	if !identityPattern.MatchString(schema.Identity) {
		return nil, fmt.Errorf("rag: invalid corpus identity %q for sqlite table name", schema.Identity)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("rag: create %s: %w", filepath.Dir(path), err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rag: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, schema: schema}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the snapshot manifest if it does not already exist and
// adds the complete column to manifests written before it existed. Rows
// without it read as incomplete and are rebuilt once.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS snapshots (
    identity   TEXT    PRIMARY KEY,
    dimension  INTEGER NOT NULL,
    records    INTEGER NOT NULL,
    built_at   INTEGER NOT NULL,          -- Unix timestamp (seconds)
    complete   INTEGER NOT NULL DEFAULT 0 -- 1 once every record is written
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("rag: migrate: %w", err)
	}

	var has int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('snapshots') WHERE name = 'complete'`).Scan(&has); err != nil {
		return fmt.Errorf("rag: migrate: %w", err)
	}
	if has == 0 {
		if _, err := s.db.Exec(`ALTER TABLE snapshots ADD COLUMN complete INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("rag: migrate: %w", err)
		}
	}
	return nil
}

// table returns the quoted table name for the identity.
func (s *SQLiteStore) table() string {
	return `"` + s.schema.Identity + `"`
}

// Count returns the number of rows in the identity's table. It returns
// ErrNotFound when no committed snapshot is recorded, and
// ErrDimensionMismatch when the recorded snapshot was built with a
// different dimension.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var dim int
	var complete bool
	err := s.db.QueryRowContext(ctx, `SELECT dimension, complete FROM snapshots WHERE identity = ?`, s.schema.Identity).Scan(&dim, &complete)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("rag: read snapshot: %w", err)
	}
	if !complete {
		return 0, fmt.Errorf("%w: snapshot %q was never committed", ErrNotFound, s.schema.Identity)
	}
	if dim != s.schema.Dimension {
		return 0, fmt.Errorf("%w: snapshot has %d, configured %d", ErrDimensionMismatch, dim, s.schema.Dimension)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("rag: count: %w", err)
	}
	return n, nil
}

// Reset drops the identity's table and recreates it empty.
func (s *SQLiteStore) Reset(ctx context.Context, schema Schema) error {
	if schema.Identity != s.schema.Identity {
		return fmt.Errorf("rag: reset identity %q on store for %q", schema.Identity, s.schema.Identity)
	}
	s.schema = schema

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rag: reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DROP TABLE IF EXISTS ` + s.table(),
		`CREATE TABLE ` + s.table() + ` (
    id        TEXT PRIMARY KEY,
    embedding BLOB NOT NULL,  -- little-endian float32
    metadata  TEXT NOT NULL,  -- JSON object
    text      TEXT NOT NULL
)`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("rag: reset: %w", err)
		}
	}
	const upsert = `INSERT INTO snapshots (identity, dimension, records, built_at, complete) VALUES (?, ?, 0, ?, 0)
ON CONFLICT(identity) DO UPDATE SET dimension = excluded.dimension, records = 0, built_at = excluded.built_at, complete = 0`
	if _, err := tx.ExecContext(ctx, upsert, schema.Identity, schema.Dimension, time.Now().Unix()); err != nil {
		return fmt.Errorf("rag: reset manifest: %w", err)
	}
	return tx.Commit()
}

// Insert writes records in batches of insertBatchSize, one transaction each.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	for _, r := range records {
		if len(r.Embedding) != s.schema.Dimension {
			return fmt.Errorf("%w: record %s has %d, schema has %d", ErrDimensionMismatch, r.ID, len(r.Embedding), s.schema.Dimension)
		}
	}

	for start := 0; start < len(records); start += insertBatchSize {
		end := min(start+insertBatchSize, len(records))
		if err := s.insertBatch(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Commit records the final row count and marks the snapshot complete.
func (s *SQLiteStore) Commit(ctx context.Context) error {
	q := `UPDATE snapshots SET records = (SELECT COUNT(*) FROM ` + s.table() + `), built_at = ?, complete = 1 WHERE identity = ?`
	res, err := s.db.ExecContext(ctx, q, time.Now().Unix(), s.schema.Identity)
	if err != nil {
		return fmt.Errorf("rag: commit manifest: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rag: commit %q: %w", s.schema.Identity, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) insertBatch(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rag: insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO `+s.table()+` (id, embedding, metadata, text) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("rag: insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("rag: encode metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, encodeVector(r.Embedding), string(meta), r.Text); err != nil {
			return fmt.Errorf("rag: insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans every row and returns the topK by cosine similarity.
func (s *SQLiteStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	if len(queryEmbedding) != s.schema.Dimension {
		return nil, fmt.Errorf("%w: query has %d, schema has %d", ErrDimensionMismatch, len(queryEmbedding), s.schema.Dimension)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, metadata, text FROM `+s.table())
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id, metaJSON, text string
			blob               []byte
		)
		if err := rows.Scan(&id, &blob, &metaJSON, &text); err != nil {
			return nil, fmt.Errorf("rag: search scan: %w", err)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("rag: decode metadata for %s: %w", id, err)
		}
		docs = append(docs, newDocument(id, text, meta, cosine(queryEmbedding, decodeVector(blob))))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rag: search rows: %w", err)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// newDocument builds a Document, lifting the "source" metadata key.
func newDocument(id, text string, meta map[string]any, score float32) Document {
	src, _ := meta["source"].(string)
	return Document{ID: id, Content: text, Source: src, Metadata: meta, Score: score}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// cosine returns the cosine similarity of a and b, 0 when either is a zero
// vector or the widths differ.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
