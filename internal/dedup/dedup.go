// Package dedup makes ETL sync submissions idempotent. Upstream feeds and
// cron retries resend the same batch; a batch ID lets the server replay the
// recorded outcome instead of re-ingesting.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agrisense/mandicast/internal/api"
)

// Store records the outcome of a sync batch by its client-supplied ID.
type Store interface {
	// Get retrieves the recorded stats for a batch ID. Returns nil if the
	// batch has not been seen or its record expired.
	Get(ctx context.Context, batchID string) (*api.SyncStats, error)

	// Set records the stats for a batch with a TTL. First write wins.
	Set(ctx context.Context, batchID string, stats *api.SyncStats, ttl time.Duration) error

	Close() error
}

// MemoryStore is an in-process dedup store with an optional file snapshot so
// a restart does not forget recent batches.
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string
}

type entry struct {
	Stats     *api.SyncStats `json:"stats"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// NewMemoryStore creates an in-memory dedup store. snapshotPath may be empty.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) Get(ctx context.Context, batchID string) (*api.SyncStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[batchID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, nil
	}
	return e.Stats, nil
}

func (m *MemoryStore) Set(ctx context.Context, batchID string, stats *api.SyncStats, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First write wins.
	if e, exists := m.store[batchID]; exists {
		if time.Now().Before(e.ExpiresAt) {
			return nil
		}
	}

	m.store[batchID] = &entry{
		Stats:     stats,
		ExpiresAt: time.Now().Add(ttl),
	}

	if m.snapshot != "" {
		go m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal dedup snapshot: %w", err)
	}

	now := time.Now()
	for k, v := range snapshot {
		if now.Before(v.ExpiresAt) {
			m.store[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	toSave := make(map[string]*entry)
	for k, v := range m.store {
		if now.Before(v.ExpiresAt) {
			toSave[k] = v
		}
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
