package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/retrieval"
)

const maxLineBytes = 4 << 20

// ReadFile reads documents from a .jsonl/.ndjson or .csv file.
func ReadFile(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return ReadJSONL(f)
	case ".csv":
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported file type %q (want .jsonl or .csv)", filepath.Ext(path))
	}
}

// ReadJSONL reads one JSON document per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var docs []Document
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var d Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading jsonl: %w", err)
	}
	return docs, nil
}

// CSV columns, matched case-insensitively against the header row.
const (
	colID          = "id"
	colType        = "type"
	colInput       = "input"
	colOutput      = "output"
	colProblem     = "problem"
	colSolution    = "solution"
	colCreatedAt   = "created_at"
	colEnvironment = "environment"
	colStatus      = "status"
	colIsCorrect   = "is_correct"
	colMessages    = "messages"
)

// ReadCSV reads documents from CSV with a header row. Unknown columns are
// ignored. created_at accepts RFC 3339 or YYYY-MM-DD; messages holds a JSON
// array of {role, content}.
func ReadCSV(r io.Reader) ([]Document, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}

	var docs []Document
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		get := func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		d := Document{
			ID:          get(colID),
			Type:        retrieval.ItemType(get(colType)),
			Input:       get(colInput),
			Output:      get(colOutput),
			Problem:     get(colProblem),
			Solution:    get(colSolution),
			Environment: get(colEnvironment),
			Status:      get(colStatus),
		}
		if v := get(colCreatedAt); v != "" {
			if d.CreatedAt, err = parseCreatedAt(v); err != nil {
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
		}
		if v := get(colIsCorrect); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: is_correct: %w", row, err)
			}
			d.IsCorrect = &b
		}
		if v := get(colMessages); v != "" {
			if err := json.Unmarshal([]byte(v), &d.Messages); err != nil {
				return nil, fmt.Errorf("row %d: messages: %w", row, err)
			}
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func parseCreatedAt(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("created_at %q: want RFC 3339 or YYYY-MM-DD", v)
	}
	return t, nil
}
