// Package corpus makes sure the source essays exist on disk, loads them into
// Documents and splits them into overlapping Chunks ready for embedding.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/54b3r/corpusqa/internal/logging"
)

// ErrNoDocuments is returned by Load when the corpus directory holds no
// readable text files.
var ErrNoDocuments = errors.New("corpus: no documents found")

// ErrInvalidEncoding is returned by Load for a document that is not valid
// UTF-8. Chunking works on runes, so such text could not be reproduced
// exactly from its chunks.
var ErrInvalidEncoding = errors.New("corpus: document is not valid UTF-8")

// Document is one source file loaded from the corpus directory.
type Document struct {
	// Source is the path of the file relative to the corpus directory.
	Source string
	// Text is the raw file content.
	Text string
	// Metadata describes the file (name, path, size, modification time).
	Metadata map[string]any
}

// RemoteFile is a corpus file that is fetched when absent locally.
type RemoteFile struct {
	// Name is the file name inside the corpus directory.
	Name string
	// URL is the unauthenticated HTTP(S) location of the file.
	URL string
}

// Fetcher downloads remote corpus files.
type Fetcher struct {
	// client performs the GET requests.
	client *http.Client
	// userAgent is sent on every request.
	userAgent string
}

// NewFetcher returns a Fetcher with the given timeout (30s if zero).
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "corpusqa/1.0 (corpus fetch)",
	}
}

// Ensure guarantees every file in files exists under dir, downloading the
// missing ones. Files already present are never fetched again. A failed
// download is returned as an error; nothing partial is left on disk.
// It returns dir for the downstream loader.
func (f *Fetcher) Ensure(ctx context.Context, dir string, files []RemoteFile) (string, error) {
	log := logging.FromContext(ctx)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("corpus: create %s: %w", dir, err)
	}

	for _, rf := range files {
		dst := filepath.Join(dir, rf.Name)
		if _, err := os.Stat(dst); err == nil {
			log.Info("corpus: file already present", slog.String("path", dst))
			continue
		}

		log.Info("corpus: downloading", slog.String("url", rf.URL), slog.String("path", dst))
		n, err := f.download(ctx, rf.URL, dst)
		if err != nil {
			return "", fmt.Errorf("corpus: fetch %s: %w", rf.URL, err)
		}
		log.Info("corpus: download complete", slog.String("path", dst), slog.Int64("bytes", n))
	}

	return dir, nil
}

// download GETs url and writes the body to dst via a temp file + rename so a
// crash mid-transfer never leaves a truncated corpus behind.
func (f *Fetcher) download(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("reading body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("renaming into place: %w", err)
	}
	return n, nil
}

// Load reads every visible .txt and .md file directly under dir, sorted by
// name, into Documents.
func Load(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("corpus: read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var docs []Document
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".txt" && ext != ".md" {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("corpus: read %s: %w", path, err)
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("corpus: stat %s: %w", path, err)
		}

		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, path)
		}

		docs = append(docs, Document{
			Source: name,
			Text:   string(data),
			Metadata: map[string]any{
				"file_name":          name,
				"file_path":          path,
				"file_size":          info.Size(),
				"last_modified_date": info.ModTime().UTC().Format("2006-01-02"),
			},
		})
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}
	return docs, nil
}
