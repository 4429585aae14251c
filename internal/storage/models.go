package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Customer is the relational row for a phone number that has messaged a client.
type Customer struct {
	ClientID    string
	PhoneNumber string
	Name        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Interaction is one logged inbound message and the bot's reply.
type Interaction struct {
	ID          string
	ClientID    string
	PhoneNumber string
	Message     string
	Response    string
	CreatedAt   time.Time
}

// Document is an uploaded knowledge-base source, stored as extracted text.
type Document struct {
	ID         string
	ClientID   string
	Title      string
	Source     string
	FileType   string
	Content    string
	Tags       []string
	ChunkCount int
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
