package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/cache"
	"github.com/agrisense/mandicast/internal/store"
)

func serviceReq() *api.ForecastRequest {
	return &api.ForecastRequest{
		State:       "Punjab",
		District:    "Ludhiana",
		Market:      "Ludhiana",
		Commodity:   "wheat",
		HorizonDays: 7,
	}
}

func seedHistory(t *testing.T, st store.Store, n int) {
	t.Helper()
	var batch []*api.PriceObservation
	end := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		modal := 2300 + float64(i)*3
		batch = append(batch, &api.PriceObservation{
			State:         "Punjab",
			District:      "Ludhiana",
			Market:        "Ludhiana",
			Commodity:     "wheat",
			Date:          end.AddDate(0, 0, -i),
			MinPrice:      modal * 0.95,
			MaxPrice:      modal * 1.05,
			ModalPrice:    modal,
			ArrivalTonnes: 100,
		})
	}
	if _, err := st.UpsertObservations(context.Background(), batch); err != nil {
		t.Fatalf("seed history: %v", err)
	}
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
}

func TestService_SyntheticFallbackWhenHistoryShort(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil, nil, fixedNow)

	resp, err := svc.Forecast(ctx, serviceReq())
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if resp.Source != SourceSynthStat {
		t.Errorf("source = %q for an empty store, want %q", resp.Source, SourceSynthStat)
	}
	if len(resp.Forecasts) != 7 {
		t.Errorf("got %d steps, want 7", len(resp.Forecasts))
	}
}

func TestService_RealHistoryUsesStatistical(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedHistory(t, st, 30)
	svc := NewService(st, nil, nil, fixedNow)

	resp, err := svc.Forecast(ctx, serviceReq())
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if resp.Source != SourceStat {
		t.Errorf("source = %q with 30 real rows, want %q", resp.Source, SourceStat)
	}
}

func TestService_PersistsPendingPredictions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedHistory(t, st, 30)
	svc := NewService(st, nil, nil, fixedNow)

	if _, err := svc.Forecast(ctx, serviceReq()); err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}

	due, err := st.PendingDue(ctx, fixedNow().AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("PendingDue failed: %v", err)
	}
	if len(due) != 7 {
		t.Fatalf("persisted %d pending records, want 7", len(due))
	}
	for _, rec := range due {
		if rec.Status != api.PredictionPending {
			t.Errorf("record h=%d status = %s, want PENDING", rec.HorizonDays, rec.Status)
		}
		if rec.Source != SourceStat {
			t.Errorf("record h=%d source = %q, want %q", rec.HorizonDays, rec.Source, SourceStat)
		}
	}
}

func TestService_CacheHitReturnsSameResponse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedHistory(t, st, 30)

	respCache, err := cache.NewLRUWithTTL[string, *api.ForecastResponse](16, time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer respCache.Close()

	svc := NewService(st, respCache, nil, fixedNow)

	first, err := svc.Forecast(ctx, serviceReq())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := svc.Forecast(ctx, serviceReq())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second {
		t.Error("second call missed the cache")
	}

	// A different horizon is a different cache entry.
	other := serviceReq()
	other.HorizonDays = 14
	third, err := svc.Forecast(ctx, other)
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if third == first {
		t.Error("horizon 14 served the horizon 7 entry")
	}
}

func TestService_ValidationRejected(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, nil, fixedNow)

	req := serviceReq()
	req.HorizonDays = 31
	if _, err := svc.Forecast(context.Background(), req); !api.IsValidation(err) {
		t.Errorf("horizon 31: got %v, want validation error", err)
	}

	req = serviceReq()
	req.Commodity = ""
	if _, err := svc.Forecast(context.Background(), req); !api.IsValidation(err) {
		t.Errorf("empty commodity: got %v, want validation error", err)
	}
}

func TestService_SSRFGuardSurfaces(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, nil, fixedNow)

	req := serviceReq()
	req.ExternalSourceURL = "https://169.254.169.254/latest/meta-data"
	if _, err := svc.Forecast(context.Background(), req); !api.IsValidation(err) {
		t.Errorf("metadata URL: got %v, want validation error", err)
	}

	req.ExternalSourceURL = "http://forecasts.example.com/v1"
	if _, err := svc.Forecast(context.Background(), req); !api.IsValidation(err) {
		t.Errorf("http URL: got %v, want validation error", err)
	}
}

// roundTripperFunc stubs the external HTTP source without a network.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// stubExternal points the service's external client at a canned transport and
// a resolver that reports a public address.
func stubExternal(svc *Service, rt roundTripperFunc) {
	svc.external.client = &http.Client{Transport: rt}
	svc.external.resolve = func(context.Context, string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("203.0.113.10")}, nil
	}
}

func TestService_ExternalSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil, nil, fixedNow)

	upstream := &api.ForecastResponse{
		Success:   true,
		ModelName: "partner-model",
		Forecasts: []api.ForecastStep{{
			TargetDate:     time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
			HorizonDays:    1,
			PredictedModal: 2400,
		}},
	}
	body, _ := json.Marshal(upstream)

	stubExternal(svc, func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Header:     http.Header{"Content-Type": []string{"application/json"}},
		}, nil
	})

	req := serviceReq()
	req.ExternalSourceURL = "https://forecasts.example.com/v1"
	resp, err := svc.Forecast(ctx, req)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if resp.Source != SourceExternal {
		t.Errorf("source = %q, want %q", resp.Source, SourceExternal)
	}
	if resp.ModelName != "partner-model" {
		t.Errorf("model = %q, external response was not forwarded", resp.ModelName)
	}

	// Externally produced forecasts are not tracked by the accuracy monitor.
	due, _ := st.PendingDue(ctx, fixedNow().AddDate(0, 0, 30))
	if len(due) != 0 {
		t.Errorf("external path persisted %d prediction records, want 0", len(due))
	}
}

func TestService_ExternalFailureFallsBackSilently(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedHistory(t, st, 30)

	tests := []struct {
		name string
		rt   roundTripperFunc
	}{
		{"server error", func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(bytes.NewReader(nil)),
			}, nil
		}},
		{"dial failure", func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}},
		{"malformed body", func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(bytes.NewReader([]byte("not json"))),
			}, nil
		}},
		{"unusable payload", func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(bytes.NewReader([]byte(`{"success":false}`))),
			}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(st, nil, nil, fixedNow)
			stubExternal(svc, tt.rt)

			req := serviceReq()
			req.ExternalSourceURL = "https://forecasts.example.com/v1"
			resp, err := svc.Forecast(ctx, req)
			if err != nil {
				t.Fatalf("fallback surfaced an error: %v", err)
			}
			if resp.Source != SourceStat {
				t.Errorf("source = %q, want %q after external failure", resp.Source, SourceStat)
			}
		})
	}
}
