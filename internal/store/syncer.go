package store

import (
	"context"
	"log"
	"sort"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/features"
	"github.com/agrisense/mandicast/internal/wal"
)

// featureChunkSize bounds the payload of one feature write.
const featureChunkSize = 500

// Fetcher supplies a raw observation batch. The ingestion transport itself
// lives outside this core; the server wires in whatever fetcher the
// deployment uses (government API client, request body, file loader).
type Fetcher interface {
	Fetch(ctx context.Context, q FetchQuery) ([]*api.PriceObservation, error)
}

// FetchQuery narrows a sync run. Zero values mean no filter; Limit caps the
// batch at the caller's bound (the server enforces <=1000).
type FetchQuery struct {
	State     string
	Commodity string
	StartDate string
	EndDate   string
	Limit     int
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, q FetchQuery) ([]*api.PriceObservation, error)

func (f FetcherFunc) Fetch(ctx context.Context, q FetchQuery) ([]*api.PriceObservation, error) {
	return f(ctx, q)
}

// Syncer runs one ETL pass: fetch a batch, upsert the canonical time series,
// then derive and upsert feature rows. Per-row persistence failures are
// logged and skipped; only a fetch failure aborts the run.
type Syncer struct {
	store   Store
	fetcher Fetcher
	journal *wal.IngestWAL
}

func NewSyncer(store Store, fetcher Fetcher) *Syncer {
	return &Syncer{store: store, fetcher: fetcher}
}

// WithJournal journals every fetched batch before ingestion, so a run lost to
// a persistence failure can be replayed from disk.
func (s *Syncer) WithJournal(j *wal.IngestWAL) *Syncer {
	s.journal = j
	return s
}

// Sync executes one batch. computeFeatures=false stops after the time-series
// upsert.
func (s *Syncer) Sync(ctx context.Context, q FetchQuery, computeFeatures bool) (*api.SyncStats, error) {
	batch, err := s.fetcher.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	stats := &api.SyncStats{Fetched: len(batch)}
	if len(batch) == 0 {
		return stats, nil
	}

	if s.journal != nil {
		if err := s.journal.Append(batch); err != nil {
			log.Printf("sync: journal append failed: %v", err)
		}
	}

	upserted, err := s.store.UpsertObservations(ctx, batch)
	stats.TimeseriesUpserted = upserted
	if err != nil {
		log.Printf("sync: observation upsert stopped after %d rows: %v", upserted, err)
	}

	if !computeFeatures {
		return stats, nil
	}

	recs := s.computeFeatures(batch)
	for start := 0; start < len(recs); start += featureChunkSize {
		end := start + featureChunkSize
		if end > len(recs) {
			end = len(recs)
		}
		n, err := s.store.UpsertFeatures(ctx, recs[start:end])
		stats.FeaturesComputed += n
		if err != nil {
			// Chunk failures are skipped, not retried.
			stats.ChunksFailed++
			log.Printf("sync: feature chunk [%d:%d] failed after %d rows: %v", start, end, n, err)
		}
	}
	return stats, nil
}

// computeFeatures groups the batch by series key and derives one feature row
// per observation, supplying up to the 90 most recent strictly-older rows in
// the same group as history. Cross-market averages come from the batch
// itself: same commodity+date within the state, and nationally.
func (s *Syncer) computeFeatures(batch []*api.PriceObservation) []*api.FeatureRecord {
	groups := make(map[string][]*api.PriceObservation)
	for _, o := range batch {
		k := api.SeriesKeyOf(o).Key()
		groups[k] = append(groups[k], o)
	}

	stateAvg, nationalAvg := crossMarketAverages(batch)

	var recs []*api.FeatureRecord
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Date.After(group[j].Date)
		})
		for i, obs := range group {
			history := group[i+1:]
			if len(history) > 90 {
				history = history[:90]
			}
			day := api.Day(obs.Date).Format(api.DateLayout)
			recs = append(recs, features.Compute(obs, history,
				stateAvg[avgKey(obs.State, obs.Commodity, day)],
				nationalAvg[avgKey("", obs.Commodity, day)]))
		}
	}
	return recs
}

func avgKey(state, commodity, day string) string {
	return state + "|" + commodity + "|" + day
}

func crossMarketAverages(batch []*api.PriceObservation) (state, national map[string]*float64) {
	type acc struct {
		sum float64
		n   int
	}
	stateAcc := make(map[string]*acc)
	natAcc := make(map[string]*acc)

	add := func(m map[string]*acc, k string, v float64) {
		a := m[k]
		if a == nil {
			a = &acc{}
			m[k] = a
		}
		a.sum += v
		a.n++
	}

	for _, o := range batch {
		day := api.Day(o.Date).Format(api.DateLayout)
		add(stateAcc, avgKey(o.State, o.Commodity, day), o.ModalPrice)
		add(natAcc, avgKey("", o.Commodity, day), o.ModalPrice)
	}

	mean := func(m map[string]*acc) map[string]*float64 {
		out := make(map[string]*float64, len(m))
		for k, a := range m {
			v := a.sum / float64(a.n)
			out[k] = &v
		}
		return out
	}
	return mean(stateAcc), mean(natAcc)
}
