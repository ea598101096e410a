// Package monitor resolves pending predictions against observed prices and
// evaluates forecast accuracy over resolved scopes.
package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/store"
)

// DefaultMAPEThreshold is the alerting threshold when the caller supplies none.
const DefaultMAPEThreshold = 15.0

// Monitor runs the prediction accuracy lifecycle.
type Monitor struct {
	store store.Store
	now   func() time.Time
}

// New creates a monitor with an injectable clock.
func New(s store.Store, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{store: s, now: now}
}

// UpdateResult reports one update_actuals pass.
type UpdateResult struct {
	Resolved     int `json:"resolved"`
	StillPending int `json:"still_pending"`
}

// UpdateActuals resolves every PENDING prediction whose target date has
// passed and for which a matching observation exists. Records without a
// matching actual stay pending indefinitely. Resolution is one-way.
func (m *Monitor) UpdateActuals(ctx context.Context) (*UpdateResult, error) {
	due, err := m.store.PendingDue(ctx, m.now())
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{}
	for _, rec := range due {
		obs, err := m.store.ObservationAt(ctx, rec.SeriesKey, rec.TargetDate)
		if err != nil {
			log.Printf("monitor: lookup actual for %s @ %s: %v",
				rec.SeriesKey.Key(), rec.TargetDate.Format(api.DateLayout), err)
			result.StillPending++
			continue
		}
		if obs == nil {
			result.StillPending++
			continue
		}

		actual := obs.ModalPrice
		absErr := math.Abs(rec.EnsemblePrice - actual)
		var pctErr float64
		if actual != 0 {
			pctErr = absErr / actual * 100
		}
		resolvedAt := m.now()

		rec.Status = api.PredictionResolved
		rec.ActualPrice = &actual
		rec.AbsError = &absErr
		rec.PctError = &pctErr
		rec.ResolvedAt = &resolvedAt

		if err := m.store.MarkResolved(ctx, rec); err != nil {
			log.Printf("monitor: resolve %s h=%d: %v", rec.SeriesKey.Key(), rec.HorizonDays, err)
			result.StillPending++
			continue
		}
		result.Resolved++
	}
	return result, nil
}

// EvalResult is one evaluation outcome, including any alert raised.
type EvalResult struct {
	Performance *api.PerformanceRecord `json:"performance"`
	Alert       *api.Alert             `json:"alert,omitempty"`
}

// Evaluate computes MAE/RMSE/MAPE/R2 over the resolved predictions in scope,
// appends a performance snapshot, and raises an alert when MAPE breaches the
// threshold. thresholdMAPE <= 0 selects the default.
func (m *Monitor) Evaluate(ctx context.Context, scope store.Scope, thresholdMAPE float64) (*EvalResult, error) {
	if thresholdMAPE <= 0 {
		thresholdMAPE = DefaultMAPEThreshold
	}

	resolved, err := m.store.ResolvedPredictions(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, &api.InsufficientDataError{Points: 0, Required: 1}
	}

	perf := computeMetrics(resolved, scope)
	perf.CreatedAt = m.now()
	if err := m.store.AppendPerformance(ctx, perf); err != nil {
		return nil, err
	}

	result := &EvalResult{Performance: perf}
	if perf.MAPE > thresholdMAPE {
		severity := api.SeverityWarning
		if perf.MAPE > 1.5*thresholdMAPE {
			severity = api.SeverityCritical
		}
		alert := &api.Alert{
			Commodity:   scope.Commodity,
			Market:      scope.Market,
			HorizonDays: scope.HorizonDays,
			MAPE:        perf.MAPE,
			Threshold:   thresholdMAPE,
			Severity:    severity,
			Message: fmt.Sprintf("forecast MAPE %.2f%% exceeds threshold %.2f%% over %d predictions",
				perf.MAPE, thresholdMAPE, perf.SampleCount),
			CreatedAt: m.now(),
		}
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			log.Printf("monitor: insert alert: %v", err)
		} else {
			result.Alert = alert
		}
	}
	return result, nil
}

// CheckAlerts lists unresolved alerts for a scope.
func (m *Monitor) CheckAlerts(ctx context.Context, scope store.Scope) ([]*api.Alert, error) {
	return m.store.OpenAlerts(ctx, scope)
}

// GetPerformance returns the active performance snapshot for a scope, or nil.
func (m *Monitor) GetPerformance(ctx context.Context, scope store.Scope) (*api.PerformanceRecord, error) {
	return m.store.ActivePerformance(ctx, scope)
}

func computeMetrics(resolved []*api.PredictionRecord, scope store.Scope) *api.PerformanceRecord {
	var sumAbs, sumSq, sumPct, sumActual float64
	windowStart := resolved[0].TargetDate
	windowEnd := resolved[0].TargetDate

	for _, r := range resolved {
		err := r.EnsemblePrice - *r.ActualPrice
		sumAbs += math.Abs(err)
		sumSq += err * err
		sumPct += *r.PctError
		sumActual += *r.ActualPrice
		if r.TargetDate.Before(windowStart) {
			windowStart = r.TargetDate
		}
		if r.TargetDate.After(windowEnd) {
			windowEnd = r.TargetDate
		}
	}

	n := float64(len(resolved))
	meanActual := sumActual / n

	var ssRes, ssTot float64
	for _, r := range resolved {
		err := r.EnsemblePrice - *r.ActualPrice
		ssRes += err * err
		d := *r.ActualPrice - meanActual
		ssTot += d * d
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	return &api.PerformanceRecord{
		Commodity:   scope.Commodity,
		Market:      scope.Market,
		HorizonDays: scope.HorizonDays,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		SampleCount: len(resolved),
		MAE:         sumAbs / n,
		RMSE:        math.Sqrt(sumSq / n),
		MAPE:        sumPct / n,
		R2:          r2,
	}
}
