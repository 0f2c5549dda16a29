package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatflow/internal/retrieval"
)

func TestReadJSONL(t *testing.T) {
	input := `{"input":"how to deploy","output":"use make deploy","created_at":"2023-05-15T10:00:00Z","environment":"production"}

{"type":"insight","problem":"timeouts","solution":"raise the limit","is_correct":true}
`
	docs, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Input != "how to deploy" || docs[0].Environment != "production" {
		t.Errorf("docs[0] = %+v", docs[0])
	}
	if !docs[0].CreatedAt.Equal(time.Date(2023, 5, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("docs[0].CreatedAt = %v", docs[0].CreatedAt)
	}
	if docs[1].Type != retrieval.ItemInsight || docs[1].IsCorrect == nil || !*docs[1].IsCorrect {
		t.Errorf("docs[1] = %+v", docs[1])
	}
}

func TestReadJSONL_ReportsLine(t *testing.T) {
	input := "{\"input\":\"ok\"}\n{broken\n"
	_, err := ReadJSONL(strings.NewReader(input))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %v, want line 2 error", err)
	}
}

func TestReadCSV(t *testing.T) {
	input := "\ufeffID,Type,Input,Output,Problem,Solution,Created_At,Environment,Status,Is_Correct,Messages,Extra\n" +
		`r1,entry,what broke,the cache,,,2023-05-15,staging,failed,false,"[{""role"":""user"",""content"":""hi""}]",ignored` + "\n" +
		`,insight,,,slow builds,enable caching,2024-01-02T03:04:05Z,,,,,` + "\n"

	docs, err := ReadCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}

	d := docs[0]
	if d.ID != "r1" || d.Input != "what broke" || d.Output != "the cache" {
		t.Errorf("docs[0] = %+v", d)
	}
	if !d.CreatedAt.Equal(time.Date(2023, 5, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", d.CreatedAt)
	}
	if d.Environment != "staging" || d.Status != "failed" {
		t.Errorf("enums = %q %q", d.Environment, d.Status)
	}
	if d.IsCorrect == nil || *d.IsCorrect {
		t.Errorf("IsCorrect = %v, want false", d.IsCorrect)
	}
	if len(d.Messages) != 1 || d.Messages[0].Content != "hi" {
		t.Errorf("Messages = %+v", d.Messages)
	}

	if docs[1].Type != retrieval.ItemInsight || docs[1].Solution != "enable caching" {
		t.Errorf("docs[1] = %+v", docs[1])
	}
	if docs[1].IsCorrect != nil {
		t.Errorf("docs[1].IsCorrect = %v, want nil", *docs[1].IsCorrect)
	}
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad date", "input,created_at\nq,yesterday\n", "row 2"},
		{"bad bool", "input,is_correct\nq,maybe\n", "is_correct"},
		{"bad messages", "input,messages\nq,not-json\n", "messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestReadCSV_Empty(t *testing.T) {
	docs, err := ReadCSV(strings.NewReader(""))
	if err != nil || docs != nil {
		t.Errorf("ReadCSV(empty) = %v, %v; want nil, nil", docs, err)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	jsonl := filepath.Join(dir, "records.ndjson")
	if err := os.WriteFile(jsonl, []byte(`{"input":"a"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	docs, err := ReadFile(jsonl)
	if err != nil || len(docs) != 1 {
		t.Errorf("ReadFile(ndjson) = %d docs, %v", len(docs), err)
	}

	csvPath := filepath.Join(dir, "records.CSV")
	if err := os.WriteFile(csvPath, []byte("input\na\nb\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	docs, err = ReadFile(csvPath)
	if err != nil || len(docs) != 2 {
		t.Errorf("ReadFile(csv) = %d docs, %v", len(docs), err)
	}

	txt := filepath.Join(dir, "records.txt")
	if err := os.WriteFile(txt, []byte("a"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(txt); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("ReadFile(txt) err = %v, want unsupported", err)
	}

	if _, err := ReadFile(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Error("ReadFile(missing) succeeded")
	}
}
