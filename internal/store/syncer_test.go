package store

import (
	"context"
	"errors"
	"testing"

	"github.com/agrisense/mandicast/internal/api"
)

func batchFetcher(batch []*api.PriceObservation) Fetcher {
	return FetcherFunc(func(context.Context, FetchQuery) ([]*api.PriceObservation, error) {
		return batch, nil
	})
}

func TestSyncer_CountsAndFeatures(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	var batch []*api.PriceObservation
	for i := 0; i < 10; i++ {
		batch = append(batch, testObs(d(2025, 6, 1+i), 2300+float64(i)))
	}

	stats, err := NewSyncer(st, batchFetcher(batch)).Sync(ctx, FetchQuery{}, true)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if stats.Fetched != 10 || stats.TimeseriesUpserted != 10 {
		t.Errorf("stats = %+v, want fetched=10 upserted=10", stats)
	}
	if stats.FeaturesComputed != 10 {
		t.Errorf("features computed = %d, want one row per observation", stats.FeaturesComputed)
	}
	if stats.ChunksFailed != 0 {
		t.Errorf("chunks failed = %d, want 0", stats.ChunksFailed)
	}
}

func TestSyncer_SkipsFeatures(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	batch := []*api.PriceObservation{testObs(d(2025, 6, 1), 2300)}

	stats, err := NewSyncer(st, batchFetcher(batch)).Sync(ctx, FetchQuery{}, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if stats.FeaturesComputed != 0 {
		t.Errorf("features computed = %d with computeFeatures=false, want 0", stats.FeaturesComputed)
	}
	if stats.TimeseriesUpserted != 1 {
		t.Errorf("upserted = %d, want 1", stats.TimeseriesUpserted)
	}
}

func TestSyncer_FetchErrorAborts(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	fetchErr := errors.New("upstream down")

	fetcher := FetcherFunc(func(context.Context, FetchQuery) ([]*api.PriceObservation, error) {
		return nil, fetchErr
	})

	_, err := NewSyncer(st, fetcher).Sync(ctx, FetchQuery{}, true)
	if !errors.Is(err, fetchErr) {
		t.Fatalf("expected the fetch error to surface, got %v", err)
	}
}

func TestSyncer_EmptyBatch(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	stats, err := NewSyncer(st, batchFetcher(nil)).Sync(ctx, FetchQuery{}, true)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if stats.Fetched != 0 || stats.TimeseriesUpserted != 0 || stats.FeaturesComputed != 0 {
		t.Errorf("stats = %+v, want all zero", stats)
	}
}

// failingFeatureStore wraps MemoryStore and fails every feature write.
type failingFeatureStore struct {
	*MemoryStore
}

func (f *failingFeatureStore) UpsertFeatures(ctx context.Context, recs []*api.FeatureRecord) (int, error) {
	return 0, &api.PersistenceError{Op: "upsert features", Err: errors.New("disk full")}
}

func TestSyncer_FeatureChunkFailureLoggedNotFatal(t *testing.T) {
	ctx := context.Background()
	st := &failingFeatureStore{NewMemoryStore()}
	batch := []*api.PriceObservation{
		testObs(d(2025, 6, 1), 2300),
		testObs(d(2025, 6, 2), 2310),
	}

	stats, err := NewSyncer(st, batchFetcher(batch)).Sync(ctx, FetchQuery{}, true)
	if err != nil {
		t.Fatalf("feature chunk failure must not fail the sync: %v", err)
	}
	if stats.ChunksFailed != 1 {
		t.Errorf("chunks failed = %d, want 1", stats.ChunksFailed)
	}
	if stats.TimeseriesUpserted != 2 {
		t.Errorf("upserted = %d, the time-series write should have succeeded", stats.TimeseriesUpserted)
	}
}

func TestSyncer_FeatureHistoryIsStrictlyOlder(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	// 5 days of rising prices. The newest day's lag_1 must be the day
	// before it, and the oldest day must have no lags at all.
	var batch []*api.PriceObservation
	for i := 0; i < 5; i++ {
		batch = append(batch, testObs(d(2025, 6, 1+i), 2300+float64(i)*10))
	}

	if _, err := NewSyncer(st, batchFetcher(batch)).Sync(ctx, FetchQuery{}, true); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	newest := st.features[testKey.Key()+"|2025-06-05"]
	if newest == nil {
		t.Fatal("feature row for the newest day missing")
	}
	if newest.PriceLag1 == nil || *newest.PriceLag1 != 2330 {
		t.Errorf("newest price_lag_1 = %v, want 2330", newest.PriceLag1)
	}

	oldest := st.features[testKey.Key()+"|2025-06-01"]
	if oldest == nil {
		t.Fatal("feature row for the oldest day missing")
	}
	if oldest.PriceLag1 != nil {
		t.Errorf("oldest price_lag_1 = %v, want nil (no older rows in batch)", *oldest.PriceLag1)
	}
}

func TestSyncer_CrossMarketAverages(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	day := d(2025, 6, 10)

	ludhiana := testObs(day, 2300)
	karnal := testObs(day, 2500)
	karnal.State = "Haryana"
	karnal.District = "Karnal"
	karnal.Market = "Karnal"

	if _, err := NewSyncer(st, batchFetcher([]*api.PriceObservation{ludhiana, karnal})).Sync(ctx, FetchQuery{}, true); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	rec := st.features[testKey.Key()+"|2025-06-10"]
	if rec == nil {
		t.Fatal("feature row missing")
	}
	// State average covers only the Punjab row; the national average spans both.
	if rec.StateAvgPrice == nil || *rec.StateAvgPrice != 2300 {
		t.Errorf("state avg = %v, want 2300", rec.StateAvgPrice)
	}
	if rec.NationalAvgPrice == nil || *rec.NationalAvgPrice != 2400 {
		t.Errorf("national avg = %v, want 2400", rec.NationalAvgPrice)
	}
}
