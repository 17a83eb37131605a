package domain

// ChunkMetadata is denormalized from the owning document so the similarity
// index can filter without a store round trip.
type ChunkMetadata struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Subject    string `json:"subject,omitempty"`
	Grade      string `json:"grade,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
}

type Chunk struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	Index       int           `json:"chunk_index"`
	StartOffset int           `json:"start_offset"`
	EndOffset   int           `json:"end_offset"`
	TokenCount  int           `json:"token_count"`
	Text        string        `json:"text"`
	Embedding   []float32     `json:"-"`
	Metadata    ChunkMetadata `json:"metadata"`
}

// ChunkSpan is a chunker result before it is bound to a document.
// Offsets are approximate once overlap text has been reinjected.
type ChunkSpan struct {
	Text        string
	StartOffset int
	EndOffset   int
	TokenCount  int
}
