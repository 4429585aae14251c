package retrieval

import (
	"time"
)

// VectorStore is the interface for vector storage and similarity search
// backends. Every record belongs to a namespace (the owning client's id) and
// searches never cross namespaces.
type VectorStore interface {
	// Insert adds records in one transaction.
	Insert(records []Record) error

	// Search returns the top-K records of a namespace most similar to vector,
	// ordered by descending score.
	Search(namespace string, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteByDocument removes every chunk of a document and returns how many
	// were removed.
	DeleteByDocument(documentID string) (int, error)

	// Count returns the number of records in a namespace.
	Count(namespace string) (int, error)
}

// Record represents one embedded text chunk.
type Record struct {
	ID         string
	Namespace  string
	DocumentID string
	TextChunk  string
	Embedding  []float32
	Tags       []string
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
