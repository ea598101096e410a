package api

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical day format for all series keys.
const DateLayout = "2006-01-02"

// PriceObservation is one market-day record from a mandi. Immutable once
// ingested; re-ingestion of the same natural key overwrites, never duplicates.
type PriceObservation struct {
	State     string    `json:"state"`
	District  string    `json:"district"`
	Market    string    `json:"market"`
	Commodity string    `json:"commodity"`
	Variety   string    `json:"variety,omitempty"`
	Date      time.Time `json:"date"`

	MinPrice   float64 `json:"min_price"`
	MaxPrice   float64 `json:"max_price"`
	ModalPrice float64 `json:"modal_price"`

	ArrivalTonnes float64 `json:"arrival_tonnes"`

	RainfallMM   *float64 `json:"rainfall_mm,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
}

// SeriesKey identifies one (region, market, commodity, variety) time series.
type SeriesKey struct {
	State     string `json:"state"`
	District  string `json:"district"`
	Market    string `json:"market"`
	Commodity string `json:"commodity"`
	Variety   string `json:"variety,omitempty"`
}

// Key returns the composite series key for grouping and caching.
func (k SeriesKey) Key() string {
	return strings.Join([]string{k.State, k.District, k.Market, k.Commodity, k.Variety}, "|")
}

// SeriesKeyOf extracts the series key from an observation.
func SeriesKeyOf(o *PriceObservation) SeriesKey {
	return SeriesKey{
		State:     o.State,
		District:  o.District,
		Market:    o.Market,
		Commodity: o.Commodity,
		Variety:   o.Variety,
	}
}

// NaturalKey returns the full upsert key including the observation date.
func (o *PriceObservation) NaturalKey() string {
	return SeriesKeyOf(o).Key() + "|" + o.Date.Format(DateLayout)
}

// FeatureRecord is one derived row per PriceObservation. Rolling and lag
// fields are nil when insufficient history exists, never zero.
type FeatureRecord struct {
	State     string    `json:"state"`
	District  string    `json:"district"`
	Market    string    `json:"market"`
	Commodity string    `json:"commodity"`
	Variety   string    `json:"variety,omitempty"`
	Date      time.Time `json:"date"`

	ModalPrice    float64 `json:"modal_price"`
	ArrivalTonnes float64 `json:"arrival_tonnes"`

	// Lags
	PriceLag1   *float64 `json:"price_lag_1,omitempty"`
	PriceLag7   *float64 `json:"price_lag_7,omitempty"`
	PriceLag30  *float64 `json:"price_lag_30,omitempty"`
	ArrivalLag1 *float64 `json:"arrival_lag_1,omitempty"`
	ArrivalLag7 *float64 `json:"arrival_lag_7,omitempty"`

	// Rolling windows over strictly-prior observations
	RollingMean7  *float64 `json:"rolling_mean_7,omitempty"`
	RollingStd7   *float64 `json:"rolling_std_7,omitempty"`
	RollingMean30 *float64 `json:"rolling_mean_30,omitempty"`
	RollingStd30  *float64 `json:"rolling_std_30,omitempty"`
	RollingMean90 *float64 `json:"rolling_mean_90,omitempty"`
	RollingStd90  *float64 `json:"rolling_std_90,omitempty"`

	// Momentum and volatility
	Momentum7    *float64 `json:"momentum_7,omitempty"`
	Momentum30   *float64 `json:"momentum_30,omitempty"`
	Volatility7  *float64 `json:"volatility_7,omitempty"`
	Volatility30 *float64 `json:"volatility_30,omitempty"`

	// MSP gap
	MSPGap    *float64 `json:"msp_gap,omitempty"`
	MSPGapPct *float64 `json:"msp_gap_pct,omitempty"`

	// Arrivals vs trailing week
	ArrivalDeviation *float64 `json:"arrival_deviation,omitempty"`
	ArrivalZScore    *float64 `json:"arrival_zscore,omitempty"`

	// Weather cumulations
	Rainfall7  *float64 `json:"rainfall_7,omitempty"`
	Rainfall30 *float64 `json:"rainfall_30,omitempty"`

	// Cross-market aggregates supplied by the caller
	StateAvgPrice    *float64 `json:"state_avg_price,omitempty"`
	NationalAvgPrice *float64 `json:"national_avg_price,omitempty"`

	// Calendar flags (always populated)
	DayOfWeek    int  `json:"day_of_week"`
	WeekOfYear   int  `json:"week_of_year"`
	Month        int  `json:"month"`
	Quarter      int  `json:"quarter"`
	IsWeekend    bool `json:"is_weekend"`
	IsMonthStart bool `json:"is_month_start"`
	IsMonthEnd   bool `json:"is_month_end"`
	IsFestival   bool `json:"is_festival"`
	IsSowing     bool `json:"is_sowing"`
	IsHarvest    bool `json:"is_harvest"`

	// Interaction terms
	RainfallHarvest   *float64 `json:"rainfall_harvest,omitempty"`
	ArrivalMSPGap     *float64 `json:"arrival_msp_gap,omitempty"`
	VolatilityArrival *float64 `json:"volatility_arrival,omitempty"`
}

// PredictionStatus tracks the accuracy-resolution lifecycle of a prediction.
type PredictionStatus string

const (
	PredictionPending  PredictionStatus = "PENDING"
	PredictionResolved PredictionStatus = "RESOLVED"
)

// ForecastStep is one horizon step of a forecast.
type ForecastStep struct {
	TargetDate      time.Time `json:"target_date"`
	HorizonDays     int       `json:"horizon_days"`
	PredictedMin    float64   `json:"predicted_min"`
	PredictedModal  float64   `json:"predicted_modal"`
	PredictedMax    float64   `json:"predicted_max"`
	ConfidenceLower float64   `json:"confidence_lower"`
	ConfidenceUpper float64   `json:"confidence_upper"`
	ConfidenceLevel float64   `json:"confidence_level"`
}

// EnsembleComponent is one tagged sub-signal of the virtual ensemble. The
// "arima"/"xgboost"/"lstm" names are labels on formulaic derivations, not
// fitted models.
type EnsembleComponent struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	Estimate float64 `json:"estimate"`
}

// FeatureImportance holds integer percentages that sum to exactly 100.
// Rounding remainder is absorbed into Trend.
type FeatureImportance struct {
	Trend       int `json:"trend"`
	Seasonality int `json:"seasonality"`
	Momentum    int `json:"momentum"`
	Volatility  int `json:"volatility"`
}

// Sum returns the total of the four buckets (always 100 for valid output).
func (fi FeatureImportance) Sum() int {
	return fi.Trend + fi.Seasonality + fi.Momentum + fi.Volatility
}

// Driver is one ranked qualitative explanation of the forecast.
type Driver struct {
	Rank      int     `json:"rank"`
	Name      string  `json:"name"`
	Direction string  `json:"direction"` // "positive", "negative", "uncertain"
	Strength  float64 `json:"strength"`  // clamped to [0, 100]
}

// ForecastStatistics summarises the fitted signals.
type ForecastStatistics struct {
	Slope            float64 `json:"slope"`
	Intercept        float64 `json:"intercept"`
	RSquared         float64 `json:"r_squared"`
	Momentum         float64 `json:"momentum"`
	RecentVolatility float64 `json:"recent_volatility"`
	HistoryPoints    int     `json:"history_points"`
	LastPrice        float64 `json:"last_price"`
}

// PredictionRecord is one persisted forecast row per (series, prediction
// date, horizon). Created PENDING; mutated exactly once by the accuracy
// monitor when the target date passes and an actual exists.
type PredictionRecord struct {
	SeriesKey
	PredictionDate time.Time `json:"prediction_date"`
	TargetDate     time.Time `json:"target_date"`
	HorizonDays    int       `json:"horizon_days"`

	Components      []EnsembleComponent `json:"components"`
	EnsemblePrice   float64             `json:"ensemble_price"`
	ConfidenceLower float64             `json:"confidence_lower"`
	ConfidenceUpper float64             `json:"confidence_upper"`
	Importance      FeatureImportance   `json:"feature_importance"`
	Drivers         []Driver            `json:"top_drivers"`
	Source          string              `json:"source"`

	Status      PredictionStatus `json:"status"`
	ActualPrice *float64         `json:"actual_price,omitempty"`
	AbsError    *float64         `json:"abs_error,omitempty"`
	PctError    *float64         `json:"pct_error,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// PerformanceRecord is one append-only evaluation snapshot over a scope.
type PerformanceRecord struct {
	ID          int64     `json:"id"`
	Commodity   string    `json:"commodity,omitempty"`
	Market      string    `json:"market,omitempty"`
	HorizonDays int       `json:"horizon_days,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SampleCount int       `json:"sample_count"`
	MAE         float64   `json:"mae"`
	RMSE        float64   `json:"rmse"`
	MAPE        float64   `json:"mape"`
	R2          float64   `json:"r2"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertSeverity grades a threshold breach.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised when an evaluation's MAPE exceeds its threshold. Each
// breach creates a new row; resolution is out-of-band by an operator.
type Alert struct {
	ID          int64         `json:"id"`
	Commodity   string        `json:"commodity,omitempty"`
	Market      string        `json:"market,omitempty"`
	HorizonDays int           `json:"horizon_days,omitempty"`
	MAPE        float64       `json:"mape"`
	Threshold   float64       `json:"threshold"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	CreatedAt   time.Time     `json:"created_at"`
	Resolved    bool          `json:"resolved"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// ForecastRequest is the logical shape of a forecast call.
type ForecastRequest struct {
	State             string `json:"state"`
	District          string `json:"district"`
	Market            string `json:"market"`
	Commodity         string `json:"commodity"`
	Variety           string `json:"variety,omitempty"`
	HorizonDays       int    `json:"horizon"`
	ExternalSourceURL string `json:"external_source_url,omitempty"`
}

// Validate performs basic structural validation of a forecast request.
func (r *ForecastRequest) Validate() error {
	if strings.TrimSpace(r.State) == "" {
		return &ValidationError{Field: "state", Reason: "state is required"}
	}
	if strings.TrimSpace(r.District) == "" {
		return &ValidationError{Field: "district", Reason: "district is required"}
	}
	if strings.TrimSpace(r.Market) == "" {
		return &ValidationError{Field: "market", Reason: "market is required"}
	}
	if strings.TrimSpace(r.Commodity) == "" {
		return &ValidationError{Field: "commodity", Reason: "commodity is required"}
	}
	if r.HorizonDays < 1 || r.HorizonDays > 30 {
		return &ValidationError{
			Field:  "horizon",
			Reason: fmt.Sprintf("horizon must be in 1..30, got %d", r.HorizonDays),
		}
	}
	return nil
}

// ToSeriesKey derives the series key for the requested forecast.
func (r *ForecastRequest) ToSeriesKey() SeriesKey {
	return SeriesKey{
		State:     r.State,
		District:  r.District,
		Market:    r.Market,
		Commodity: r.Commodity,
		Variety:   r.Variety,
	}
}

// ForecastResponse is the wire shape returned to callers regardless of which
// path (external or statistical) produced it.
type ForecastResponse struct {
	Success    bool                `json:"success"`
	Source     string              `json:"source"`
	Forecasts  []ForecastStep      `json:"forecasts"`
	ModelName  string              `json:"model_name"`
	Components []EnsembleComponent `json:"ensemble_components"`
	Importance FeatureImportance   `json:"feature_importance"`
	Drivers    []Driver            `json:"top_drivers"`
	Statistics ForecastStatistics  `json:"statistics"`
}

// SyncStats reports the partial-success counters of one ETL run.
type SyncStats struct {
	Fetched            int `json:"fetched"`
	TimeseriesUpserted int `json:"timeseries_upserted"`
	FeaturesComputed   int `json:"features_computed"`
	ChunksFailed       int `json:"chunks_failed"`
}

// Day truncates a timestamp to UTC midnight, the canonical series grain.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
