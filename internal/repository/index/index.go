// Package index implements the in-memory vector index with durable
// full-snapshot persistence.
package index

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aula-cloud/asistente/internal/domain"
)

// Index stores chunk embeddings and answers k-nearest-neighbor queries by
// cosine similarity. Records are append-only; Search runs concurrently with
// itself, Insert and Save take the writer lock.
type Index struct {
	mu      sync.RWMutex
	dim     int
	records []domain.Record
}

// New creates an empty index with the given dimensionality. A zero-record
// index is valid and returns empty search results.
func New(dimensions int) *Index {
	return &Index{dim: dimensions}
}

// snapshot is the on-disk representation of a full index.
type snapshot struct {
	Dimensions int             `json:"dimensions"`
	Records    []domain.Record `json:"records"`
}

// Load restores an index from a snapshot file. A missing or corrupt snapshot
// yields ErrIndexUnavailable; the caller is expected to fall back to an empty
// index rather than crash.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot %s: %w", domain.ErrIndexUnavailable, path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: parse snapshot %s: %w", domain.ErrIndexUnavailable, path, err)
	}
	if snap.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: snapshot %s: non-positive dimensions %d",
			domain.ErrIndexUnavailable, path, snap.Dimensions)
	}
	for i, rec := range snap.Records {
		if len(rec.Embedding) != snap.Dimensions {
			return nil, fmt.Errorf("%w: snapshot %s: record %d has %d dims, index has %d",
				domain.ErrIndexUnavailable, path, i, len(rec.Embedding), snap.Dimensions)
		}
	}

	return &Index{dim: snap.Dimensions, records: snap.Records}, nil
}

// Dimensions returns the declared embedding dimensionality.
func (x *Index) Dimensions() int {
	return x.dim
}

// Len returns the number of records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// Insert appends records. All-or-nothing: if any embedding's length differs
// from the index dimensionality, nothing is inserted and
// ErrDimensionMismatch is returned. Vectors are never truncated or padded.
func (x *Index) Insert(records ...domain.Record) error {
	for i, rec := range records {
		if len(rec.Embedding) != x.dim {
			return fmt.Errorf("%w: record %d has %d dims, index has %d",
				domain.ErrDimensionMismatch, i, len(rec.Embedding), x.dim)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.records = append(x.records, records...)
	return nil
}

// Search returns the k records closest to the query by cosine similarity,
// ordered by non-increasing score. Ties break by insertion order, earlier
// wins. Always returns between 0 and min(k, Len()) results.
func (x *Index) Search(query []float32, k int) []domain.ScoredRecord {
	if k <= 0 || len(query) != x.dim {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	order := make([]int, len(x.records))
	scores := make([]float32, len(x.records))
	for i := range x.records {
		order[i] = i
		scores[i] = cosine(query, x.records[i].Embedding)
	}

	// Stable sort keeps insertion order for equal scores.
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if k > len(order) {
		k = len(order)
	}
	out := make([]domain.ScoredRecord, 0, k)
	for _, i := range order[:k] {
		out = append(out, domain.ScoredRecord{Record: x.records[i], Score: scores[i]})
	}
	return out
}

// Save writes a full snapshot atomically (write-to-temp-then-rename) so a
// crash mid-write never corrupts the previous snapshot.
func (x *Index) Save(path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	data, err := json.Marshal(snapshot{Dimensions: x.dim, Records: x.records})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// cosine computes cosine similarity. Zero vectors score 0.
func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
