package models

import "time"

// Document statuses. A saved document exists in storage; a template record
// points at a generic fallback artifact because only weak signals were seen.
const (
	DocStatusSaved    = "saved"
	DocStatusTemplate = "template"
)

// Known deal document types.
const (
	DocTypeLOI          = "loi"
	DocTypeNDA          = "nda"
	DocTypeValuation    = "valuation"
	DocTypeDueDiligence = "due-diligence"
)

// DocumentRecord describes one detected generated artifact. Records are
// never mutated after creation, only superseded by a new record with the
// same ID.
type DocumentRecord struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	Status      string    `json:"status"`
	StorageKey  string    `json:"storage_key,omitempty"`
	WordCount   int       `json:"word_count"`
	GeneratedAt time.Time `json:"generated_at"`
}
