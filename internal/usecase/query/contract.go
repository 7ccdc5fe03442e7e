package query

import "github.com/aula-cloud/asistente/internal/domain"

// Searcher is the read-only vector index contract for retrieval.
type Searcher interface {
	Search(query []float32, k int) []domain.ScoredRecord
	Len() int
}
