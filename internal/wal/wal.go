// Package wal journals fetched sync batches to disk before ingestion, so a
// batch lost to a failed upsert can be replayed.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agrisense/mandicast/internal/api"
)

// IngestWAL provides write-ahead logging for sync batches. One file per day;
// each line is a timestamped JSON batch.
type IngestWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Entry is a single journaled batch.
type Entry struct {
	Timestamp    time.Time               `json:"timestamp"`
	Observations []*api.PriceObservation `json:"observations"`
}

// NewIngestWAL creates or opens today's journal file in dirPath.
func NewIngestWAL(dirPath string) (*IngestWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("ingest-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &IngestWAL{
		file: file,
		path: walPath,
	}, nil
}

// Append journals a batch with fsync before the caller ingests it.
func (w *IngestWAL) Append(batch []*api.PriceObservation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(Entry{
		Timestamp:    time.Now(),
		Observations: batch,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	// Durability before ingestion starts.
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the journal.
func (w *IngestWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads all entries from a journal file. Malformed lines are skipped.
func Replay(walPath string) ([]Entry, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Rotate closes the current journal and opens a fresh daily file, returning
// the new journal and the old file's path.
func Rotate(dirPath string, current *IngestWAL) (*IngestWAL, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current WAL: %w", err)
	}

	next, err := NewIngestWAL(dirPath)
	if err != nil {
		return nil, "", err
	}
	return next, oldPath, nil
}
