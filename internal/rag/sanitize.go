package rag

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/54b3r/corpusqa/internal/corpus"
)

// Sanitize converts a chunk into a storable Record for a schema of width dim.
// A nil embedding becomes a zero vector of dim; a non-nil embedding is copied
// unchanged (width is checked by the store on Insert). Metadata values are
// normalized to string, bool, int64, float64 or nil; anything else is
// JSON-encoded into a string. ok is false when the chunk has no text and
// should be skipped.
func Sanitize(c corpus.Chunk, dim int) (rec Record, ok bool) {
	if c.Text == "" {
		return Record{}, false
	}

	emb := make([]float32, dim)
	if c.Embedding != nil {
		emb = append([]float32(nil), c.Embedding...)
	}

	return Record{
		ID:        c.ID,
		Embedding: emb,
		Text:      c.Text,
		Metadata:  SanitizeMetadata(c.Metadata),
	}, true
}

// SanitizeMetadata returns a copy of meta with every value flattened to a
// scalar or nil.
func SanitizeMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = scalar(v)
	}
	return out
}

func scalar(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return unsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return unsigned(x)
	case fmt.Stringer:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// finite keeps f as a number unless JSON cannot encode it (NaN, ±Inf), in
// which case it is stringified.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// unsigned narrows u to int64, stringifying values above math.MaxInt64.
func unsigned(u uint64) any {
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10)
	}
	return int64(u)
}
