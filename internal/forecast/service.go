package forecast

import (
	"context"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/cache"
	"github.com/agrisense/mandicast/internal/calendar"
	"github.com/agrisense/mandicast/internal/metrics"
	"github.com/agrisense/mandicast/internal/store"
	"github.com/agrisense/mandicast/internal/synth"
	"github.com/agrisense/mandicast/pkg/otel"
)

// Source tags distinguish which path produced a forecast response.
const (
	SourceExternal  = "external"
	SourceStat      = "statistical"
	SourceSynthStat = "synthetic_statistical"
)

// Service orchestrates one forecast: validate, optionally try the external
// source, load or synthesize history, run the statistical engine, persist
// prediction records, cache the response.
type Service struct {
	store    store.Store
	synth    *synth.Synthesizer
	external *ExternalClient
	cache    *cache.LRUWithTTL[string, *api.ForecastResponse]
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService wires the forecast pipeline. cache and metrics may be nil.
func NewService(s store.Store, respCache *cache.LRUWithTTL[string, *api.ForecastResponse], m *metrics.Metrics, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    s,
		synth:    synth.New(now),
		external: NewExternalClient(),
		cache:    respCache,
		metrics:  m,
		now:      now,
	}
}

// Forecast serves one request. ValidationError is the only error surfaced;
// external-source and persistence failures degrade without failing the call.
func (s *Service) Forecast(ctx context.Context, req *api.ForecastRequest) (*api.ForecastResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, "forecast", "forecast.serve",
		otel.SeriesAttributes(req.State, req.Market, req.Commodity, req.HorizonDays)...)
	defer span.End()

	if req.ExternalSourceURL != "" {
		resp, err := s.tryExternal(ctx, req)
		if err != nil {
			return nil, err // ValidationError from the SSRF guard
		}
		if resp != nil {
			s.countSource(SourceExternal)
			return resp, nil
		}
		// Any other external failure falls through silently.
	}

	key := req.ToSeriesKey()
	cacheKey := key.Key() + "|" + strconv.Itoa(req.HorizonDays)
	if s.cache != nil {
		if resp, ok := s.cache.Get(cacheKey); ok {
			if s.metrics != nil {
				s.metrics.CacheHits.Inc()
			}
			return resp, nil
		}
	}

	history, err := s.store.History(ctx, key, synth.HistoryDays)
	if err != nil {
		log.Printf("forecast: history load for %s: %v", key.Key(), err)
		history = nil
	}

	source := SourceStat
	if len(history) < synth.MinRealHistory {
		otel.AddEvent(span, "history.synthesized",
			attribute.Int("real_rows", len(history)))
		history = s.synth.Synthesize(req.State, req.District, req.Market, req.Commodity)
		source = SourceSynthStat
	}

	engine := New(calendar.ConfigFor(req.Commodity))
	result, err := engine.Forecast(history, req.HorizonDays)
	if err != nil {
		return nil, err
	}

	records := result.ToRecords(key, s.now(), source)
	if _, err := s.store.InsertPredictions(ctx, records); err != nil {
		// Persisted predictions feed the accuracy monitor; the forecast
		// itself still succeeds.
		log.Printf("forecast: persist predictions for %s: %v", key.Key(), err)
	}

	resp := result.ToResponse(source)
	if s.cache != nil {
		s.cache.Set(cacheKey, resp)
	}
	s.countSource(source)
	return resp, nil
}

// tryExternal validates the caller-supplied URL and proxies the request.
// Returns (nil, nil) when the source failed and the statistical path should
// take over; returns an error only for the pre-dial validation failure.
func (s *Service) tryExternal(ctx context.Context, req *api.ForecastRequest) (*api.ForecastResponse, error) {
	if err := s.external.ValidateSourceURL(ctx, req.ExternalSourceURL); err != nil {
		if api.IsValidation(err) {
			return nil, err
		}
		log.Printf("forecast: external source %q rejected: %v", req.ExternalSourceURL, err)
		s.countFallback()
		return nil, nil
	}

	resp, err := s.external.TryExternal(ctx, req.ExternalSourceURL, req)
	if err != nil {
		log.Printf("forecast: external source %q failed, using statistical: %v", req.ExternalSourceURL, err)
		s.countFallback()
		return nil, nil
	}
	return resp, nil
}

func (s *Service) countSource(source string) {
	if s.metrics != nil {
		s.metrics.ForecastBySource.WithLabelValues(source).Inc()
	}
}

func (s *Service) countFallback() {
	if s.metrics != nil {
		s.metrics.ExternalFallbacks.Inc()
	}
}
