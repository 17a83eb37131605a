package domain

// SearchFilter narrows similarity search by exact metadata match.
// Empty fields are ignored.
type SearchFilter struct {
	Subject    string
	Grade      string
	DocumentID string
}

func (f SearchFilter) IsZero() bool {
	return f.Subject == "" && f.Grade == "" && f.DocumentID == ""
}

func (f SearchFilter) Matches(meta ChunkMetadata) bool {
	if f.Subject != "" && meta.Subject != f.Subject {
		return false
	}
	if f.Grade != "" && meta.Grade != f.Grade {
		return false
	}
	if f.DocumentID != "" && meta.DocumentID != f.DocumentID {
		return false
	}
	return true
}

type SearchHit struct {
	ChunkID  string        `json:"chunk_id"`
	Score    float64       `json:"score"`
	Metadata ChunkMetadata `json:"metadata"`
}

type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Subject    string  `json:"subject,omitempty"`
	Grade      string  `json:"grade,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"similarity_score"`
}

type CompletionOptions struct {
	MaxTokens     int
	Temperature   float32
	SystemMessage string
}

type IndexStatus struct {
	Ready          bool `json:"ready"`
	Size           int  `json:"size"`
	EmbeddedChunks int  `json:"embedded_chunks"`
	Dimensions     int  `json:"dimensions"`
	Consistent     bool `json:"consistent"`
}
