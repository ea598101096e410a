// Package store persists canonical time-series rows, derived features,
// predictions, performance snapshots, and alerts. Backends share one
// interface: an in-memory store for tests and single-node runs, and a
// Postgres store for deployments. Every upsert is independently atomic;
// no transaction spans components.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agrisense/mandicast/internal/api"
)

// Scope filters predictions and snapshots for evaluation. Zero-valued
// fields match everything.
type Scope struct {
	Commodity   string
	Market      string
	HorizonDays int
}

// Matches reports whether a prediction falls inside the scope.
func (s Scope) Matches(p *api.PredictionRecord) bool {
	if s.Commodity != "" && p.Commodity != s.Commodity {
		return false
	}
	if s.Market != "" && p.Market != s.Market {
		return false
	}
	if s.HorizonDays != 0 && p.HorizonDays != s.HorizonDays {
		return false
	}
	return true
}

// Store is the persistence contract for the forecasting core.
type Store interface {
	// UpsertObservations writes canonical time-series rows keyed by
	// (state, district, market, commodity, variety, date). Re-ingestion of
	// a key overwrites, never duplicates.
	UpsertObservations(ctx context.Context, obs []*api.PriceObservation) (int, error)

	// UpsertFeatures writes derived feature rows by the same natural key.
	UpsertFeatures(ctx context.Context, recs []*api.FeatureRecord) (int, error)

	// History returns up to limit observations for a series, newest first.
	History(ctx context.Context, key api.SeriesKey, limit int) ([]*api.PriceObservation, error)

	// ObservationAt returns the observation for a series on a calendar day,
	// or nil when none exists.
	ObservationAt(ctx context.Context, key api.SeriesKey, date time.Time) (*api.PriceObservation, error)

	// InsertPredictions stores pending prediction rows.
	InsertPredictions(ctx context.Context, recs []*api.PredictionRecord) (int, error)

	// PendingDue returns PENDING predictions whose target date has elapsed.
	PendingDue(ctx context.Context, asOf time.Time) ([]*api.PredictionRecord, error)

	// MarkResolved persists the one-way PENDING→RESOLVED transition.
	MarkResolved(ctx context.Context, rec *api.PredictionRecord) error

	// ResolvedPredictions returns RESOLVED predictions in a scope.
	ResolvedPredictions(ctx context.Context, scope Scope) ([]*api.PredictionRecord, error)

	// AppendPerformance stores a snapshot and makes it the active one for
	// its scope, deactivating any prior active snapshot.
	AppendPerformance(ctx context.Context, rec *api.PerformanceRecord) error

	// ActivePerformance returns the trusted snapshot for a scope, or nil.
	ActivePerformance(ctx context.Context, scope Scope) (*api.PerformanceRecord, error)

	// InsertAlert appends an alert row. Each breach is a new row.
	InsertAlert(ctx context.Context, alert *api.Alert) error

	// OpenAlerts lists unresolved alerts in a scope.
	OpenAlerts(ctx context.Context, scope Scope) ([]*api.Alert, error)

	// Close releases backend resources.
	Close() error
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu           sync.RWMutex
	observations map[string]*api.PriceObservation // natural key → row
	features     map[string]*api.FeatureRecord
	predictions  map[string]*api.PredictionRecord // series|target|horizon → row
	performance  []*api.PerformanceRecord
	alerts       []*api.Alert
	nextID       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		observations: make(map[string]*api.PriceObservation),
		features:     make(map[string]*api.FeatureRecord),
		predictions:  make(map[string]*api.PredictionRecord),
	}
}

func predictionKey(p *api.PredictionRecord) string {
	return p.SeriesKey.Key() + "|" + p.TargetDate.Format(api.DateLayout) + "|" + strconv.Itoa(p.HorizonDays)
}

func (m *MemoryStore) UpsertObservations(ctx context.Context, obs []*api.PriceObservation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range obs {
		c := *o
		c.Date = api.Day(o.Date)
		m.observations[c.NaturalKey()] = &c
	}
	return len(obs), nil
}

func (m *MemoryStore) UpsertFeatures(ctx context.Context, recs []*api.FeatureRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		key := api.SeriesKey{State: r.State, District: r.District, Market: r.Market, Commodity: r.Commodity, Variety: r.Variety}
		m.features[key.Key()+"|"+r.Date.Format(api.DateLayout)] = r
	}
	return len(recs), nil
}

func (m *MemoryStore) History(ctx context.Context, key api.SeriesKey, limit int) ([]*api.PriceObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.PriceObservation
	want := key.Key()
	for _, o := range m.observations {
		if api.SeriesKeyOf(o).Key() == want {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ObservationAt(ctx context.Context, key api.SeriesKey, date time.Time) (*api.PriceObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.observations[key.Key()+"|"+api.Day(date).Format(api.DateLayout)]
	if !ok {
		return nil, nil
	}
	return o, nil
}

func (m *MemoryStore) InsertPredictions(ctx context.Context, recs []*api.PredictionRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.predictions[predictionKey(r)] = r
	}
	return len(recs), nil
}

func (m *MemoryStore) PendingDue(ctx context.Context, asOf time.Time) ([]*api.PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	day := api.Day(asOf)
	var out []*api.PredictionRecord
	for _, p := range m.predictions {
		if p.Status == api.PredictionPending && !p.TargetDate.After(day) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetDate.Before(out[j].TargetDate) })
	return out, nil
}

func (m *MemoryStore) MarkResolved(ctx context.Context, rec *api.PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[predictionKey(rec)] = rec
	return nil
}

func (m *MemoryStore) ResolvedPredictions(ctx context.Context, scope Scope) ([]*api.PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.PredictionRecord
	for _, p := range m.predictions {
		if p.Status == api.PredictionResolved && scope.Matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetDate.Before(out[j].TargetDate) })
	return out, nil
}

func (m *MemoryStore) AppendPerformance(ctx context.Context, rec *api.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, prev := range m.performance {
		if prev.IsActive && prev.Commodity == rec.Commodity && prev.Market == rec.Market && prev.HorizonDays == rec.HorizonDays {
			prev.IsActive = false
		}
	}
	m.nextID++
	rec.ID = m.nextID
	rec.IsActive = true
	m.performance = append(m.performance, rec)
	return nil
}

func (m *MemoryStore) ActivePerformance(ctx context.Context, scope Scope) (*api.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.performance) - 1; i >= 0; i-- {
		p := m.performance[i]
		if p.IsActive && p.Commodity == scope.Commodity && p.Market == scope.Market && p.HorizonDays == scope.HorizonDays {
			return p, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) InsertAlert(ctx context.Context, alert *api.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	alert.ID = m.nextID
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryStore) OpenAlerts(ctx context.Context, scope Scope) ([]*api.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.Alert
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		if scope.Commodity != "" && a.Commodity != scope.Commodity {
			continue
		}
		if scope.Market != "" && a.Market != scope.Market {
			continue
		}
		if scope.HorizonDays != 0 && a.HorizonDays != scope.HorizonDays {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
