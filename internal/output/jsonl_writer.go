package output

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/matthieugras/busadmin/internal/logging"
)

// ItemWriter is the interface for writing exported items
type ItemWriter interface {
	Write(data json.RawMessage) error
	Close() error
}

// JSONLWriter writes JSON objects as newline-delimited JSON (JSONL).
// If a filter is provided, only items it accepts are written.
type JSONLWriter struct {
	file       *os.File
	gzipWriter *gzip.Writer  // nil if not compressing
	writer     *bufio.Writer // Buffered writer for better I/O performance
	filter     Filter        // nil = no filtering
	mu         sync.Mutex

	writtenCount  int
	filteredCount int
	closed        bool
}

// NewJSONLWriter creates a new JSONL writer at the specified path.
// If useGzip is true, the output is compressed with gzip.
func NewJSONLWriter(path string, useGzip bool, filter Filter) (*JSONLWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	var gzipWriter *gzip.Writer
	var baseWriter io.Writer = file

	if useGzip {
		gzipWriter = gzip.NewWriter(file)
		baseWriter = gzipWriter
	}

	return &JSONLWriter{
		file:       file,
		gzipWriter: gzipWriter,
		writer:     bufio.NewWriterSize(baseWriter, 64*1024), // 64KB buffer
		filter:     filter,
	}, nil
}

// Write writes one JSON item, unless the filter rejects it
func (w *JSONLWriter) Write(data json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	if w.filter != nil && !w.filter(data) {
		w.filteredCount++
		return nil
	}

	if _, err := w.writer.Write(compact(data)); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	w.writtenCount++
	return nil
}

// WriteAny writes any value as JSON
func (w *JSONLWriter) WriteAny(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return w.Write(data)
}

// WriteAll writes every item and stops at the first error
func (w *JSONLWriter) WriteAll(items []json.RawMessage) error {
	for i, item := range items {
		if err := w.Write(item); err != nil {
			return fmt.Errorf("failed to write item %d: %w", i, err)
		}
	}
	return nil
}

// Count returns the number of items written
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writtenCount
}

// FilteredCount returns the number of items that were filtered out
func (w *JSONLWriter) FilteredCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filteredCount
}

// Close flushes the buffer and closes the writer
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	// Flush buffered data before closing
	if err := w.writer.Flush(); err != nil {
		w.file.Close() // Still try to close file
		return fmt.Errorf("failed to flush buffer: %w", err)
	}

	// Close gzip writer if used (flushes compression buffer)
	if w.gzipWriter != nil {
		if err := w.gzipWriter.Close(); err != nil {
			w.file.Close()
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}

	logging.Debug("Closed %s: %d written, %d filtered", w.file.Name(), w.writtenCount, w.filteredCount)
	return w.file.Close()
}

// compact keeps one item on one line. Invalid JSON is written as-is.
func compact(data json.RawMessage) []byte {
	if !bytes.ContainsAny(data, "\n\r") {
		return data
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}

// FileManager manages export files in one output directory
type FileManager struct {
	outputDir string
	gzip      bool
	now       func() time.Time
}

// NewFileManager creates a new file manager
func NewFileManager(outputDir string, gzip bool) (*FileManager, error) {
	// Ensure output directory exists
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &FileManager{
		outputDir: outputDir,
		gzip:      gzip,
		now:       time.Now,
	}, nil
}

// Gzip returns whether gzip compression is enabled
func (fm *FileManager) Gzip() bool {
	return fm.gzip
}

// OutputDir returns the output directory
func (fm *FileManager) OutputDir() string {
	return fm.outputDir
}

// exportFilename builds "<resource>_<timestamp>.jsonl[.gz]"
func exportFilename(resource string, at time.Time, useGzip bool) string {
	ext := ".jsonl"
	if useGzip {
		ext = ".jsonl.gz"
	}
	return fmt.Sprintf("%s_%s%s", sanitizeFilename(resource), at.UTC().Format("20060102T150405Z"), ext)
}

// GetWriter returns a new writer for a resource export.
// The caller is responsible for closing the writer when done.
func (fm *FileManager) GetWriter(resource string, filter Filter) (*JSONLWriter, string, error) {
	path := filepath.Join(fm.outputDir, exportFilename(resource, fm.now(), fm.gzip))

	writer, err := NewJSONLWriter(path, fm.gzip, filter)
	if err != nil {
		return nil, "", err
	}
	return writer, path, nil
}

// sanitizeFilename replaces invalid filename characters with underscores
func sanitizeFilename(name string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	return result
}
