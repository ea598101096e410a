package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agrisense/mandicast/internal/api"
)

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore("")
	defer st.Close()

	first := &api.SyncStats{Fetched: 100, TimeseriesUpserted: 100}
	if err := st.Set(ctx, "batch-1", first, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set(ctx, "batch-1", &api.SyncStats{Fetched: 5}, time.Minute); err != nil {
		t.Fatalf("second Set: %v", err)
	}

	got, err := st.Get(ctx, "batch-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Fetched != 100 {
		t.Errorf("got %+v, want the first write", got)
	}
}

func TestMemoryStore_UnknownAndExpired(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore("")
	defer st.Close()

	if got, err := st.Get(ctx, "never-seen"); err != nil || got != nil {
		t.Errorf("unknown batch: got %v, %v", got, err)
	}

	if err := st.Set(ctx, "short", &api.SyncStats{Fetched: 1}, -time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := st.Get(ctx, "short"); got != nil {
		t.Errorf("expired batch still returned: %+v", got)
	}
}

func TestMemoryStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.json")

	st := NewMemoryStore(path)
	if err := st.Set(ctx, "batch-9", &api.SyncStats{Fetched: 42, FeaturesComputed: 42}, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded := NewMemoryStore(path)
	defer reloaded.Close()

	got, err := reloaded.Get(ctx, "batch-9")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got == nil || got.Fetched != 42 || got.FeaturesComputed != 42 {
		t.Errorf("reloaded stats = %+v, want the snapshot contents", got)
	}
}
