package output

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readLines(t *testing.T, path string, gzipped bool) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("Failed to open gzip stream: %v", err)
		}
		defer gz.Close()
		r = gz
	}
	content, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	text := strings.TrimSuffix(string(content), "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

func TestJSONLWriter(t *testing.T) {
	tests := []struct {
		name          string
		items         []string
		filter        Filter
		gzip          bool
		expectedLines []string
		filtered      int
	}{
		{
			name:          "plain",
			items:         []string{`{"id":1}`, `{"id":2}`},
			expectedLines: []string{`{"id":1}`, `{"id":2}`},
		},
		{
			name:          "gzip",
			items:         []string{`{"id":1}`, `{"id":2}`, `{"id":3}`},
			gzip:          true,
			expectedLines: []string{`{"id":1}`, `{"id":2}`, `{"id":3}`},
		},
		{
			name:          "multi-line items are compacted",
			items:         []string{"{\n  \"id\": 1,\n  \"state\": \"sold\"\n}"},
			expectedLines: []string{`{"id":1,"state":"sold"}`},
		},
		{
			name:          "field filter",
			items:         []string{`{"id":1,"state":"sold"}`, `{"id":2,"state":"cancelled"}`, `{"id":3,"state":"sold"}`},
			filter:        FieldEquals("state", "sold"),
			expectedLines: []string{`{"id":1,"state":"sold"}`, `{"id":3,"state":"sold"}`},
			filtered:      1,
		},
		{
			name:          "unique ids",
			items:         []string{`{"id":1}`, `{"id":2}`, `{"id":1}`, `{"name":"no id"}`},
			filter:        UniqueByID(),
			expectedLines: []string{`{"id":1}`, `{"id":2}`, `{"name":"no id"}`},
			filtered:      1,
		},
		{
			name:          "empty",
			items:         []string{},
			expectedLines: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", "items.jsonl")

			writer, err := NewJSONLWriter(path, tt.gzip, tt.filter)
			if err != nil {
				t.Fatalf("Failed to create writer: %v", err)
			}
			for _, item := range tt.items {
				if err := writer.Write(json.RawMessage(item)); err != nil {
					t.Fatalf("Failed to write item: %v", err)
				}
			}
			if writer.Count() != len(tt.expectedLines) {
				t.Errorf("Count() = %d, want %d", writer.Count(), len(tt.expectedLines))
			}
			if writer.FilteredCount() != tt.filtered {
				t.Errorf("FilteredCount() = %d, want %d", writer.FilteredCount(), tt.filtered)
			}
			if err := writer.Close(); err != nil {
				t.Fatalf("Failed to close writer: %v", err)
			}

			lines := readLines(t, path, tt.gzip)
			if len(lines) != len(tt.expectedLines) {
				t.Fatalf("Expected %d lines, got %d: %v", len(tt.expectedLines), len(lines), lines)
			}
			for i, line := range lines {
				if line != tt.expectedLines[i] {
					t.Errorf("Line %d: expected %q, got %q", i, tt.expectedLines[i], line)
				}
			}
		})
	}
}

func TestJSONLWriter_WriteAfterClose(t *testing.T) {
	writer, err := NewJSONLWriter(filepath.Join(t.TempDir(), "items.jsonl"), false, nil)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := writer.WriteAny(map[string]int{"id": 1}); err != nil {
		t.Fatalf("Failed to write item: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("Second Close() should be a no-op, got %v", err)
	}
	if err := writer.Write(json.RawMessage(`{"id":2}`)); err == nil {
		t.Error("Expected error writing to closed writer, got nil")
	}
}

func TestParseWhere(t *testing.T) {
	filter, err := ParseWhere([]string{"state=sold", "trip_id = 4"})
	if err != nil {
		t.Fatalf("ParseWhere failed: %v", err)
	}
	if !filter(json.RawMessage(`{"state":"sold","trip_id":4}`)) {
		t.Error("Expected match for sold ticket on trip 4")
	}
	if filter(json.RawMessage(`{"state":"sold","trip_id":5}`)) {
		t.Error("Expected no match for trip 5")
	}
	if filter(json.RawMessage(`[1,2]`)) {
		t.Error("Expected no match for non-object item")
	}

	if _, err := ParseWhere([]string{"state"}); err == nil {
		t.Error("Expected error for expression without '='")
	}
	if f, err := ParseWhere(nil); err != nil || f != nil {
		t.Errorf("ParseWhere(nil) = %v, %v; want nil filter", f, err)
	}
}

func TestItemID(t *testing.T) {
	tests := map[string]string{
		`{"id":12}`:     "12",
		`{"id":"abc"}`:  "abc",
		`{"id":null}`:   "",
		`{"name":"x"}`:  "",
		`not json`:      "",
	}
	for input, want := range tests {
		if got := ItemID(json.RawMessage(input)); got != want {
			t.Errorf("ItemID(%s) = %q, want %q", input, got, want)
		}
	}
}

func TestFileManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	fm, err := NewFileManager(dir, true)
	if err != nil {
		t.Fatalf("Failed to create file manager: %v", err)
	}
	fm.now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC) }

	writer, path, err := fm.GetWriter("tickets", nil)
	if err != nil {
		t.Fatalf("GetWriter failed: %v", err)
	}
	defer writer.Close()

	want := filepath.Join(dir, "tickets_20260301T083000Z.jsonl.gz")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if got := exportFilename("my clients/2", time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC), false); got != "my_clients_2_20260301T083000Z.jsonl" {
		t.Errorf("exportFilename = %q", got)
	}
}
