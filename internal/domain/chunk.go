package domain

// Chunk is a contiguous unit of extracted document text, the smallest thing
// that gets embedded. Immutable once created.
type Chunk struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
	Sequence int    `json:"sequence"`
}

// Record is one entry in the vector index: a chunk plus its embedding.
type Record struct {
	Chunk
	Embedding []float32 `json:"embedding"`
}

// ScoredRecord is a search hit with its similarity score.
type ScoredRecord struct {
	Record
	Score float32 `json:"score"`
}
