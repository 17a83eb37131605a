package domain

import "time"

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

type Document struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Subject    string         `json:"subject,omitempty"`
	Grade      string         `json:"grade,omitempty"`
	Text       string         `json:"-"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
