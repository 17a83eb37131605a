package domain

import (
	"strings"
	"time"
)

type QueryKind string

const (
	QueryKindRetrieval  QueryKind = "retrieval"
	QueryKindStructured QueryKind = "structured"
)

func ParseQueryKind(raw string) (QueryKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "retrieval", "rag":
		return QueryKindRetrieval, true
	case "structured", "sql":
		return QueryKindStructured, true
	default:
		return "", false
	}
}

type Persona string

const (
	PersonaHelpful     Persona = "helpful"
	PersonaSocratic    Persona = "socratic"
	PersonaEncouraging Persona = "encouraging"
	PersonaStrict      Persona = "strict"
)

// ParsePersona accepts both short names and the "<name>_tutor" form.
// Unknown values resolve to the helpful persona.
func ParsePersona(raw string) Persona {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, "_tutor")
	switch Persona(name) {
	case PersonaSocratic, PersonaEncouraging, PersonaStrict:
		return Persona(name)
	default:
		return PersonaHelpful
	}
}

type AskRequest struct {
	Question   string
	Kind       QueryKind
	DocumentID string
	Persona    Persona
	TopK       int
}

type AskResponse struct {
	QueryRecordID  string           `json:"query_record_id"`
	Kind           QueryKind        `json:"kind"`
	Answer         string           `json:"answer"`
	Sources        []Source         `json:"sources"`
	ElapsedMS      int64            `json:"elapsed_ms"`
	GroundingCount int              `json:"grounding_count"`
	Query          string           `json:"query,omitempty"`
	Rows           []map[string]any `json:"rows,omitempty"`
	Success        *bool            `json:"success,omitempty"`
}

// StructuredResult never carries a Go error: failures are reported through
// Success=false and Error.
type StructuredResult struct {
	Query       string           `json:"query"`
	Rows        []map[string]any `json:"rows"`
	Explanation string           `json:"explanation"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
}

type QueryRecord struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	Kind           QueryKind `json:"kind"`
	Persona        Persona   `json:"persona,omitempty"`
	DocumentID     string    `json:"document_id,omitempty"`
	TopK           int       `json:"top_k"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	GroundingCount int       `json:"grounding_count"`
	Sources        []Source  `json:"sources"`
	Rating         *int      `json:"rating,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	MinRating = 1
	MaxRating = 5
)
