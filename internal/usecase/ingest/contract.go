package ingest

import "github.com/aula-cloud/asistente/internal/domain"

// SourceReader extracts chunks from one source file.
type SourceReader interface {
	Read(path string) ([]domain.Chunk, error)
}

// Index is the writable vector index contract for ingestion.
type Index interface {
	Insert(records ...domain.Record) error
	Save(path string) error
	Len() int
	Dimensions() int
}

// Ledger tracks which sources were already ingested.
type Ledger interface {
	Has(sourceID string) bool
	Add(sourceID string) error
}
