// Package features derives the per-observation feature rows consumed by the
// statistical forecaster. Compute is a pure function: history may arrive in
// any order, only observations strictly before the current date are used,
// and every lag or rolling feature is nil (not zero) when the window cannot
// be filled.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/calendar"
)

// Compute builds the feature row for one observation given its trailing
// history. stateAvg and nationalAvg are cross-market aggregates supplied by
// the caller; nil when unavailable.
func Compute(current *api.PriceObservation, history []*api.PriceObservation, stateAvg, nationalAvg *float64) *api.FeatureRecord {
	prior := priorDescending(current.Date, history)

	rec := &api.FeatureRecord{
		State:         current.State,
		District:      current.District,
		Market:        current.Market,
		Commodity:     current.Commodity,
		Variety:       current.Variety,
		Date:          api.Day(current.Date),
		ModalPrice:    current.ModalPrice,
		ArrivalTonnes: current.ArrivalTonnes,

		StateAvgPrice:    stateAvg,
		NationalAvgPrice: nationalAvg,
	}

	// Lags: k-th most recent strictly-prior observation.
	rec.PriceLag1 = lagPrice(prior, 1)
	rec.PriceLag7 = lagPrice(prior, 7)
	rec.PriceLag30 = lagPrice(prior, 30)
	rec.ArrivalLag1 = lagArrival(prior, 1)
	rec.ArrivalLag7 = lagArrival(prior, 7)

	// Rolling statistics over the most recent min(W, available) prior rows.
	rec.RollingMean7, rec.RollingStd7 = rollingStats(prior, 7)
	rec.RollingMean30, rec.RollingStd30 = rollingStats(prior, 30)
	rec.RollingMean90, rec.RollingStd90 = rollingStats(prior, 90)

	rec.Momentum7 = momentum(current.ModalPrice, rec.RollingMean7)
	rec.Momentum30 = momentum(current.ModalPrice, rec.RollingMean30)
	rec.Volatility7 = volatility(rec.RollingStd7, rec.RollingMean7)
	rec.Volatility30 = volatility(rec.RollingStd30, rec.RollingMean30)

	// MSP gap; absent commodity leaves both fields nil.
	if msp, ok := calendar.MSP(current.Commodity); ok {
		gap := current.ModalPrice - msp
		rec.MSPGap = f(gap)
		if msp != 0 {
			rec.MSPGapPct = f(gap / msp * 100)
		}
	}

	rec.ArrivalDeviation, rec.ArrivalZScore = arrivalStats(current.ArrivalTonnes, prior)

	rec.Rainfall7 = cumulativeRainfall(prior, 7)
	rec.Rainfall30 = cumulativeRainfall(prior, 30)

	fillCalendar(rec, current)
	fillInteractions(rec)

	return rec
}

// priorDescending sorts history by date descending and keeps only
// observations strictly before cutoff.
func priorDescending(cutoff time.Time, history []*api.PriceObservation) []*api.PriceObservation {
	day := api.Day(cutoff)
	prior := make([]*api.PriceObservation, 0, len(history))
	for _, h := range history {
		if api.Day(h.Date).Before(day) {
			prior = append(prior, h)
		}
	}
	sort.Slice(prior, func(i, j int) bool {
		return prior[i].Date.After(prior[j].Date)
	})
	return prior
}

func lagPrice(prior []*api.PriceObservation, k int) *float64 {
	if len(prior) < k {
		return nil
	}
	return f(prior[k-1].ModalPrice)
}

func lagArrival(prior []*api.PriceObservation, k int) *float64 {
	if len(prior) < k {
		return nil
	}
	return f(prior[k-1].ArrivalTonnes)
}

// rollingStats returns mean and population std over the most recent
// min(window, available) prior prices. Mean needs ≥1 point, std ≥2.
func rollingStats(prior []*api.PriceObservation, window int) (*float64, *float64) {
	n := len(prior)
	if n == 0 {
		return nil, nil
	}
	if n > window {
		n = window
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += prior[i].ModalPrice
	}
	mean := sum / float64(n)

	if n < 2 {
		return f(mean), nil
	}

	// Population variance: mean of squared deviations, no Bessel correction.
	ss := 0.0
	for i := 0; i < n; i++ {
		d := prior[i].ModalPrice - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n))

	return f(mean), f(std)
}

func momentum(price float64, mean *float64) *float64 {
	if mean == nil {
		return nil
	}
	return f(price - *mean)
}

// volatility is std/mean; nil when either operand is nil or the mean is
// zero. This deliberately differs from the arrivals z-score policy below.
func volatility(std, mean *float64) *float64 {
	if std == nil || mean == nil || *mean == 0 {
		return nil
	}
	return f(*std / *mean)
}

// arrivalStats computes deviation and z-score of the current arrival volume
// against the trailing 7-day window. A zero or undefined std defaults to 1
// so the z-score stays defined.
func arrivalStats(arrival float64, prior []*api.PriceObservation) (*float64, *float64) {
	n := len(prior)
	if n == 0 {
		return nil, nil
	}
	if n > 7 {
		n = 7
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += prior[i].ArrivalTonnes
	}
	mean := sum / float64(n)

	ss := 0.0
	for i := 0; i < n; i++ {
		d := prior[i].ArrivalTonnes - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n))
	if std == 0 {
		std = 1
	}

	dev := arrival - mean
	return f(dev), f(dev / std)
}

// cumulativeRainfall sums recorded rainfall over the trailing window; nil
// when no prior observation in the window carries a reading.
func cumulativeRainfall(prior []*api.PriceObservation, window int) *float64 {
	n := len(prior)
	if n > window {
		n = window
	}
	sum := 0.0
	seen := false
	for i := 0; i < n; i++ {
		if prior[i].RainfallMM != nil {
			sum += *prior[i].RainfallMM
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return f(sum)
}

func fillCalendar(rec *api.FeatureRecord, current *api.PriceObservation) {
	d := api.Day(current.Date)
	_, week := d.ISOWeek()

	rec.DayOfWeek = int(d.Weekday())
	rec.WeekOfYear = week
	rec.Month = int(d.Month())
	rec.Quarter = (int(d.Month())-1)/3 + 1
	rec.IsWeekend = d.Weekday() == time.Saturday || d.Weekday() == time.Sunday
	rec.IsMonthStart = d.Day() <= 3
	rec.IsMonthEnd = d.Day() >= daysInMonth(d)-2
	rec.IsFestival = calendar.IsFestival(d)
	rec.IsSowing = calendar.IsSowing(current.Commodity, d)
	rec.IsHarvest = calendar.IsHarvest(current.Commodity, d)
}

func daysInMonth(d time.Time) int {
	return time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func fillInteractions(rec *api.FeatureRecord) {
	if rec.Rainfall7 != nil {
		sign := -1.0
		if rec.IsHarvest {
			sign = 1.0
		}
		rec.RainfallHarvest = f(*rec.Rainfall7 * sign)
	}
	if rec.MSPGap != nil {
		rec.ArrivalMSPGap = f(rec.ArrivalTonnes * *rec.MSPGap)
	}
	if rec.Volatility7 != nil {
		rec.VolatilityArrival = f(*rec.Volatility7 * rec.ArrivalTonnes)
	}
}

func f(v float64) *float64 { return &v }
