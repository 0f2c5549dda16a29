// Package ingest loads entry and insight records into the vector store,
// either in bulk from a file or one at a time through the job queue.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/retrieval"
)

// ErrInvalidDocument marks a record that cannot be ingested.
var ErrInvalidDocument = errors.New("invalid document")

// ChatMessage is one turn of the conversation an entry was taken from.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Document is one record to ingest. Entries carry Input/Output, insights
// carry Problem/Solution.
type Document struct {
	ID          string             `json:"id,omitempty"`
	Type        retrieval.ItemType `json:"type" validate:"omitempty,oneof=entry insight"`
	Input       string             `json:"input,omitempty"`
	Output      string             `json:"output,omitempty"`
	Problem     string             `json:"problem,omitempty"`
	Solution    string             `json:"solution,omitempty"`
	Messages    []ChatMessage      `json:"messages,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	Environment string             `json:"environment,omitempty" validate:"omitempty,oneof=production development staging test"`
	Status      string             `json:"status,omitempty" validate:"omitempty,oneof=success failed error pending"`
	IsCorrect   *bool              `json:"is_correct,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func documentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize fills defaults: type entry, lower-case enums, and createdAt.
func (d *Document) Normalize(now time.Time) {
	if d.Type == "" {
		d.Type = retrieval.ItemEntry
	}
	d.Type = retrieval.ItemType(strings.ToLower(strings.TrimSpace(string(d.Type))))
	d.Environment = strings.ToLower(strings.TrimSpace(d.Environment))
	d.Status = strings.ToLower(strings.TrimSpace(d.Status))
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.CreatedAt = d.CreatedAt.UTC()
}

// Validate checks enum fields and that the document has text to embed.
func (d *Document) Validate() error {
	if err := documentValidator().Struct(d); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if strings.TrimSpace(d.Text()) == "" {
		return fmt.Errorf("%w: %s has no text", ErrInvalidDocument, d.Type)
	}
	return nil
}

// Text is the string embedded for the document.
func (d *Document) Text() string {
	if d.Type == retrieval.ItemInsight {
		return joinNonEmpty(d.Problem, d.Solution)
	}
	return joinNonEmpty(d.Input, d.Output)
}

// RecordID returns d.ID, or a stable id derived from the content so that
// re-ingesting the same record replaces it.
func (d *Document) RecordID() string {
	if d.ID != "" {
		return d.ID
	}
	key := string(d.Type) + "\x00" + d.Text() + "\x00" + d.CreatedAt.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Metadata flattens the document into store metadata. The date, month and
// year keys are the fields filter expressions compare against; messages are
// stored as a JSON string.
func (d *Document) Metadata() (retrieval.Metadata, error) {
	m := retrieval.Metadata{
		retrieval.KeyType:      string(d.Type),
		retrieval.KeyCreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
		filters.FieldDate:      d.CreatedAt.UTC().Format(time.DateOnly),
		filters.FieldMonth:     int(d.CreatedAt.UTC().Month()),
		filters.FieldYear:      d.CreatedAt.UTC().Year(),
	}
	if d.Type == retrieval.ItemInsight {
		m[retrieval.KeyProblem] = d.Problem
		m[retrieval.KeySolution] = d.Solution
	} else {
		m[retrieval.KeyInput] = d.Input
		m[retrieval.KeyOutput] = d.Output
	}
	if d.Environment != "" {
		m[filters.FieldEnvironment] = d.Environment
	}
	if d.Status != "" {
		m[filters.FieldStatus] = d.Status
	}
	if d.IsCorrect != nil {
		m[filters.FieldIsCorrect] = *d.IsCorrect
	}
	if len(d.Messages) > 0 {
		b, err := json.Marshal(d.Messages)
		if err != nil {
			return nil, fmt.Errorf("encoding messages: %w", err)
		}
		m[retrieval.KeyMessages] = string(b)
	}
	return m, m.Validate()
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}
