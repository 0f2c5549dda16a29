package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Flow status values.
const (
	FlowCompleted = "completed"
	FlowDegraded  = "degraded"
)

// Flow is the persisted outcome of one chat message that reached the terminal stage.
type Flow struct {
	ID           string // correlation id
	CreatedAt    time.Time
	CompletedAt  time.Time
	Message      string
	Query        string
	FilterJSON   string
	ContextCount int
	Response     string
	Status       string // "completed", "degraded"
	Error        string
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

// SpanRecord is one traced stage execution.
type SpanRecord struct {
	ID            string
	CorrelationID string
	Stage         string
	StartedAt     time.Time
	EndedAt       time.Time // zero while the span is open
	Status        string
	Error         string
	Input         string
	Output        string
}
