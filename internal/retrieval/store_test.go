package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/kalambet/chatflow/internal/filters"
)

// openTestDB creates an in-memory SQLite database with the context_vectors table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE context_vectors (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// unit returns a 4-dim vector pointing mostly along axis i.
func unit(i int) []float32 {
	v := []float32{0.01, 0.01, 0.01, 0.01}
	v[i] = 1
	return v
}

func seedStore(t *testing.T, s *SQLiteStore) {
	t.Helper()
	records := []Record{
		{ID: "e1", Vector: unit(0), Metadata: Metadata{
			"type": "entry", "input": "deploy failed", "output": "rolled back",
			"date": "2024-03-10", "month": 3, "year": 2024,
			"environment": "production", "status": "failed", "is_correct": true,
		}},
		{ID: "e2", Vector: []float32{0.9, 0.1, 0, 0}, Metadata: Metadata{
			"type": "entry", "input": "deploy ok", "output": "nothing to do",
			"date": "2024-02-20", "month": 2, "year": 2024,
			"environment": "staging", "status": "success", "is_correct": true,
		}},
		{ID: "i1", Vector: unit(1), Metadata: Metadata{
			"type": "insight", "problem": "flaky test", "solution": "add retry",
			"date": "2023-05-15", "month": 5, "year": 2023,
			"tags": []string{"ci", "tests"},
		}},
	}
	if err := s.Upsert(context.Background(), records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestSQLiteStore_QueryOrder(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	seedStore(t, s)

	got, err := s.Query(context.Background(), unit(0), 5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d matches, want 3", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" || got[2].ID != "i1" {
		t.Errorf("order = %s, %s, %s; want e1, e2, i1", got[0].ID, got[1].ID, got[2].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("scores not descending at %d: %v > %v", i, got[i].Score, got[i-1].Score)
		}
	}
	if got[0].Metadata.String("output") != "rolled back" {
		t.Errorf("metadata not returned: %v", got[0].Metadata)
	}
}

func TestSQLiteStore_QueryTopK(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	seedStore(t, s)

	got, err := s.Query(context.Background(), unit(0), 2, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("top-2 = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestSQLiteStore_QueryFiltered(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	seedStore(t, s)

	tests := []struct {
		name string
		expr *filters.Expression
		want []string
	}{
		{"environment", filters.Build(nil, &filters.MetadataFilter{Environment: "staging"}), []string{"e2"}},
		{"range", filters.Build(&filters.DateFilter{StartDate: "2024-02-01", EndDate: "2024-03-31"}, nil), []string{"e1", "e2"}},
		{"month and year", filters.Build(&filters.DateFilter{Month: 5, Year: 2023}, nil), []string{"i1"}},
		{"no match", filters.Build(nil, &filters.MetadataFilter{Status: "pending"}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(context.Background(), unit(0), 5, tt.expr)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d matches, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("match %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestSQLiteStore_UpsertReplaces(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	if err := s.Upsert(ctx, []Record{{ID: "a", Vector: unit(0), Metadata: Metadata{"input": "v1"}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, []Record{{ID: "a", Vector: unit(0), Metadata: Metadata{"input": "v2"}}}); err != nil {
		t.Fatal(err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	got, _ := s.Query(ctx, unit(0), 1, nil)
	if got[0].Metadata.String("input") != "v2" {
		t.Errorf("input = %q, want v2", got[0].Metadata.String("input"))
	}
}

func TestSQLiteStore_RejectsNestedMetadata(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	err := s.Upsert(context.Background(), []Record{{
		ID: "bad", Vector: unit(0),
		Metadata: Metadata{"messages": []map[string]string{{"role": "user"}}},
	}})
	if err == nil {
		t.Fatal("expected error for nested metadata")
	}
	if n, _ := s.Count(context.Background()); n != 0 {
		t.Errorf("Count = %d after rejected upsert, want 0", n)
	}
}

func TestSQLiteStore_ZeroVector(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	seedStore(t, s)
	got, err := s.Query(context.Background(), make([]float32, 4), 5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("zero query vector returned %d matches", len(got))
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decodeFloat32sInto(nil, encodeFloat32s(in))
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(in) != fmt.Sprint(out) {
		t.Errorf("decoded %v, want %v", out, in)
	}
	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
