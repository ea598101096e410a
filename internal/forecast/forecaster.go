// Package forecast implements the statistical ensemble forecaster: an OLS
// trend, a 7-slot day-of-week seasonal profile, and momentum/volatility
// signals projected forward with widening confidence bounds. The
// "arima"/"xgboost"/"lstm" component names are labels on derivations of the
// same underlying signal, not fitted models.
package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/calendar"
)

// MinHistory is the hard precondition on forecast input length.
const MinHistory = 7

// Driver gating thresholds.
const (
	trendR2Threshold      = 0.30
	momentumThreshold     = 0.02
	volatilityBaselineMul = 1.5
	seasonalAmpFraction   = 0.01
)

// Ensemble component weights (fixed contract).
const (
	weightARIMA   = 0.30
	weightXGBoost = 0.45
	weightLSTM    = 0.25
)

// Result is the full output of one statistical forecast.
type Result struct {
	Steps      []api.ForecastStep
	Components []api.EnsembleComponent
	Importance api.FeatureImportance
	Drivers    []api.Driver
	Statistics api.ForecastStatistics
	ModelName  string
}

// Engine fits and projects one commodity series.
type Engine struct {
	cfg calendar.CommodityConfig
}

// New creates an engine bound to a commodity's price-model constants.
func New(cfg calendar.CommodityConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Forecast projects prices for horizonDays (1..30) from the given history.
// It returns InsufficientDataError when fewer than MinHistory points are
// supplied; it never synthesizes data on its own.
func (e *Engine) Forecast(history []*api.PriceObservation, horizonDays int) (*Result, error) {
	if len(history) < MinHistory {
		return nil, &api.InsufficientDataError{Points: len(history), Required: MinHistory}
	}
	if horizonDays < 1 || horizonDays > 30 {
		return nil, &api.ValidationError{Field: "horizon", Reason: "horizon must be in 1..30"}
	}

	ordered := make([]*api.PriceObservation, len(history))
	copy(ordered, history)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})

	prices := make([]float64, len(ordered))
	for i, o := range ordered {
		prices[i] = o.ModalPrice
	}
	n := len(prices)
	last := prices[n-1]
	lastDate := api.Day(ordered[n-1].Date)

	slope, intercept, sxx, r2 := fitTrend(prices)
	seasonal := fitSeasonal(prices, slope, intercept)
	mom := fitMomentum(prices)
	recentVol := recentVolatility(prices)
	histStd := popStd(prices)

	steps := make([]api.ForecastStep, 0, horizonDays)
	for h := 1; h <= horizonDays; h++ {
		decay := math.Exp(-0.2 * float64(h))
		pred := last + slope*float64(h) + 0.5*seasonal[(n-1+h)%7] + mom*last*decay
		if pred < 1 {
			pred = 1
		}

		half := 1.96 * histStd * math.Sqrt(1+1/float64(n)+float64(h*h)/sxx) * math.Sqrt(float64(h))
		lower := pred - half
		upper := pred + half

		// Bounds stay within ±5% of the commodity ratio band around the
		// point estimate.
		if floor := pred * (e.cfg.MinRatio - 0.05); lower < floor {
			lower = floor
		}
		if ceil := pred * (e.cfg.MaxRatio + 0.05); upper > ceil {
			upper = ceil
		}

		steps = append(steps, api.ForecastStep{
			TargetDate:      lastDate.AddDate(0, 0, h),
			HorizonDays:     h,
			PredictedMin:    round2(pred * e.cfg.MinRatio),
			PredictedModal:  round2(pred),
			PredictedMax:    round2(pred * e.cfg.MaxRatio),
			ConfidenceLower: round2(lower),
			ConfidenceUpper: round2(upper),
			ConfidenceLevel: 0.95,
		})
	}

	stats := api.ForecastStatistics{
		Slope:            slope,
		Intercept:        intercept,
		RSquared:         r2,
		Momentum:         mom,
		RecentVolatility: recentVol,
		HistoryPoints:    n,
		LastPrice:        last,
	}

	return &Result{
		Steps:      steps,
		Components: e.components(prices, slope, seasonal, mom),
		Importance: importance(slope, horizonDays, seasonal, mom, last, recentVol),
		Drivers:    e.drivers(slope, r2, mom, recentVol, seasonal, prices),
		Statistics: stats,
		ModelName:  "statistical-ensemble-v1",
	}, nil
}

// fitTrend runs closed-form OLS over the index-centred series and returns
// slope, intercept (in original index coordinates), Sxx, and R².
func fitTrend(prices []float64) (slope, intercept, sxx, r2 float64) {
	n := float64(len(prices))
	xm := (n - 1) / 2

	ym := 0.0
	for _, p := range prices {
		ym += p
	}
	ym /= n

	sxy := 0.0
	for i, p := range prices {
		dx := float64(i) - xm
		sxx += dx * dx
		sxy += dx * (p - ym)
	}
	if sxx == 0 {
		return 0, ym, 1, 0
	}
	slope = sxy / sxx
	intercept = ym - slope*xm

	ssRes, ssTot := 0.0, 0.0
	for i, p := range prices {
		fit := intercept + slope*float64(i)
		ssRes += (p - fit) * (p - fit)
		ssTot += (p - ym) * (p - ym)
	}
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return slope, intercept, sxx, r2
}

// fitSeasonal averages detrended residuals into 7 slots keyed by index mod 7.
func fitSeasonal(prices []float64, slope, intercept float64) [7]float64 {
	var sums, counts [7]float64
	for i, p := range prices {
		slot := i % 7
		sums[slot] += p - (intercept + slope*float64(i))
		counts[slot]++
	}
	var slots [7]float64
	for s := 0; s < 7; s++ {
		if counts[s] > 0 {
			slots[s] = sums[s] / counts[s]
		}
	}
	return slots
}

// fitMomentum compares the last 7-day mean to the prior 7-day mean, falling
// back to the overall mean when fewer than 14 points exist.
func fitMomentum(prices []float64) float64 {
	n := len(prices)
	recent := mean(prices[n-7:])

	var prior float64
	if n >= 14 {
		prior = mean(prices[n-14 : n-7])
	} else {
		prior = mean(prices)
	}
	if prior == 0 {
		return 0
	}
	return (recent - prior) / prior
}

func recentVolatility(prices []float64) float64 {
	last7 := prices[len(prices)-7:]
	m := mean(last7)
	if m == 0 {
		return 0
	}
	return popStd(last7) / m
}

// components reports the three tagged derivations of the fitted signal.
// ARIMA-labelled: trend only with heavy smoothing; XGBoost-labelled: the
// full trend+seasonal+momentum signal; LSTM-labelled: momentum-weighted
// recent level.
func (e *Engine) components(prices []float64, slope float64, seasonal [7]float64, mom float64) []api.EnsembleComponent {
	n := len(prices)
	last := prices[n-1]
	decay := math.Exp(-0.2)

	smoothed := ema(prices, 0.3)
	arima := smoothed + slope
	xgboost := last + slope + 0.5*seasonal[n%7] + mom*last*decay
	lstm := ema(prices, 0.6) * (1 + mom*decay)

	return []api.EnsembleComponent{
		{Name: "arima", Weight: weightARIMA, Estimate: round2(arima)},
		{Name: "xgboost", Weight: weightXGBoost, Estimate: round2(xgboost)},
		{Name: "lstm", Weight: weightLSTM, Estimate: round2(lstm)},
	}
}

// importance normalises the four signal magnitudes to integer percentages
// summing to exactly 100; the rounding remainder lands in the trend bucket.
func importance(slope float64, horizon int, seasonal [7]float64, mom, last, vol float64) api.FeatureImportance {
	wTrend := math.Abs(slope * float64(horizon))
	wSeason := maxAbs(seasonal[:])
	wMom := math.Abs(mom * last)
	wVol := vol * last

	total := wTrend + wSeason + wMom + wVol
	if total == 0 {
		return api.FeatureImportance{Trend: 100}
	}

	s := int(math.Floor(wSeason / total * 100))
	m := int(math.Floor(wMom / total * 100))
	v := int(math.Floor(wVol / total * 100))
	return api.FeatureImportance{
		Trend:       100 - s - m - v,
		Seasonality: s,
		Momentum:    m,
		Volatility:  v,
	}
}

// drivers emits up to four ranked qualitative explanations gated by fixed
// thresholds.
func (e *Engine) drivers(slope, r2, mom, vol float64, seasonal [7]float64, prices []float64) []api.Driver {
	var out []api.Driver

	if r2 > trendR2Threshold && slope != 0 {
		name, dir := "Upward price trend", "positive"
		if slope < 0 {
			name, dir = "Downward price trend", "negative"
		}
		out = append(out, api.Driver{Name: name, Direction: dir, Strength: clampStrength(r2 * 100)})
	}

	if math.Abs(mom) > momentumThreshold {
		name, dir := "Positive 7-day momentum", "positive"
		if mom < 0 {
			name, dir = "Negative 7-day momentum", "negative"
		}
		out = append(out, api.Driver{Name: name, Direction: dir, Strength: clampStrength(math.Abs(mom) * 400)})
	}

	if vol > e.cfg.Volatility*volatilityBaselineMul {
		out = append(out, api.Driver{
			Name:      "High market volatility",
			Direction: "uncertain",
			Strength:  clampStrength(vol / (e.cfg.Volatility * 3) * 100),
		})
	}

	if m := mean(prices); m > 0 {
		if amp := maxAbs(seasonal[:]); amp > seasonalAmpFraction*m {
			out = append(out, api.Driver{
				Name:      "Weekly seasonal pattern",
				Direction: "uncertain",
				Strength:  clampStrength(amp / m * 1000),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// ToResponse converts a result into the wire shape with a source tag.
func (r *Result) ToResponse(source string) *api.ForecastResponse {
	return &api.ForecastResponse{
		Success:    true,
		Source:     source,
		Forecasts:  r.Steps,
		ModelName:  r.ModelName,
		Components: r.Components,
		Importance: r.Importance,
		Drivers:    r.Drivers,
		Statistics: r.Statistics,
	}
}

// ToRecords expands a result into one pending prediction row per step.
func (r *Result) ToRecords(key api.SeriesKey, predictedAt time.Time, source string) []*api.PredictionRecord {
	recs := make([]*api.PredictionRecord, 0, len(r.Steps))
	for _, s := range r.Steps {
		recs = append(recs, &api.PredictionRecord{
			SeriesKey:       key,
			PredictionDate:  api.Day(predictedAt),
			TargetDate:      s.TargetDate,
			HorizonDays:     s.HorizonDays,
			Components:      r.Components,
			EnsemblePrice:   s.PredictedModal,
			ConfidenceLower: s.ConfidenceLower,
			ConfidenceUpper: s.ConfidenceUpper,
			Importance:      r.Importance,
			Drivers:         r.Drivers,
			Source:          source,
			Status:          api.PredictionPending,
		})
	}
	return recs
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// popStd is the population standard deviation (no Bessel correction).
func popStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func ema(xs []float64, alpha float64) float64 {
	level := xs[0]
	for _, x := range xs[1:] {
		level = alpha*x + (1-alpha)*level
	}
	return level
}

func maxAbs(xs []float64) float64 {
	m := 0.0
	for _, x := range xs {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}

func clampStrength(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
