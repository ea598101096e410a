package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/auth"
	"github.com/agrisense/mandicast/internal/cache"
	"github.com/agrisense/mandicast/internal/dedup"
	"github.com/agrisense/mandicast/internal/forecast"
	"github.com/agrisense/mandicast/internal/metrics"
	"github.com/agrisense/mandicast/internal/monitor"
	"github.com/agrisense/mandicast/internal/ratelimit"
	"github.com/agrisense/mandicast/internal/store"
	"github.com/agrisense/mandicast/internal/wal"
	"github.com/agrisense/mandicast/pkg/otel"
)

type Server struct {
	store        store.Store
	forecasts    *forecast.Service
	monitor      *monitor.Monitor
	metrics      *metrics.Metrics
	limiter      *rate.Limiter
	clientLimit  ratelimit.Limiter
	syncDedup    dedup.Store
	syncDedupTTL time.Duration
	journal      *wal.IngestWAL
	metricsAuth  struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Setup store backend
	backend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch backend {
	case "memory":
		st = store.NewMemoryStore()
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		st, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Setup metrics
	m := metrics.New()

	// Forecast response cache
	cacheSize := getEnvInt("FORECAST_CACHE_SIZE", 1024)
	cacheTTL := time.Duration(getEnvInt("FORECAST_CACHE_TTL_SEC", 300)) * time.Second
	respCache, err := cache.NewLRUWithTTL[string, *api.ForecastResponse](cacheSize, cacheTTL)
	if err != nil {
		log.Fatalf("Failed to create forecast cache: %v", err)
	}

	// Global rate limiter plus per-client fixed window
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	clientRate := getEnvInt("CLIENT_RATE_PER_MIN", 30)
	var clientLimit ratelimit.Limiter
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		clientLimit = ratelimit.NewRedisLimiter(rdb, clientRate)
	} else {
		clientLimit = ratelimit.NewMemoryLimiter(clientRate, nil)
	}

	// Optional tracing
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "false") == "true" {
		cfg := otel.DefaultConfig("mandicast")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		provider, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Printf("Tracing disabled: %v", err)
		} else {
			tp = provider
		}
	}

	// Sync-batch idempotency store; Redis when available, so retried
	// batches dedup across instances.
	var syncDedup dedup.Store
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		syncDedup, err = dedup.NewAtomicRedisStore(redisAddr, getEnv("REDIS_PASSWORD", ""), 0)
		if err != nil {
			log.Printf("Redis dedup unavailable, using memory: %v", err)
			syncDedup = dedup.NewMemoryStore(getEnv("DEDUP_SNAPSHOT", ""))
		}
	} else {
		syncDedup = dedup.NewMemoryStore(getEnv("DEDUP_SNAPSHOT", ""))
	}
	dedupTTL := time.Duration(getEnvInt("DEDUP_TTL_SEC", 86400)) * time.Second

	// Optional ingest journal
	var journal *wal.IngestWAL
	if dir := getEnv("SYNC_JOURNAL_DIR", ""); dir != "" {
		journal, err = wal.NewIngestWAL(dir)
		if err != nil {
			log.Fatalf("Failed to open ingest journal: %v", err)
		}
	}

	srv := &Server{
		store:        st,
		forecasts:    forecast.NewService(st, respCache, m, nil),
		monitor:      monitor.New(st, nil),
		metrics:      m,
		limiter:      limiter,
		clientLimit:  clientLimit,
		syncDedup:    syncDedup,
		syncDedupTTL: dedupTTL,
		journal:      journal,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/forecast", srv.handleForecast)
	mux.HandleFunc("/v1/etl/sync", auth.RequireAdmin(srv.handleSync))
	mux.HandleFunc("/v1/monitor", auth.RequireAdmin(srv.handleMonitor))
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	var handler http.Handler = mux
	if getEnv("AUTH_ENABLED", "false") == "true" {
		handler = auth.Middleware(auth.DefaultConfig())(mux)
	}

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store=%s)", port, backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("Journal close error: %v", err)
		}
	}
	if err := syncDedup.Close(); err != nil {
		log.Printf("Dedup store close error: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Global then per-client rate limiting
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	allowed, retryAfter, err := s.clientLimit.Allow(r.Context(), clientID(r))
	if err != nil {
		log.Printf("Rate limiter error: %v", err)
	} else if !allowed {
		s.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.metrics.ForecastTotal.Inc()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var req api.ForecastRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	resp, err := s.forecasts.Forecast(r.Context(), &req)
	if err != nil {
		switch {
		case api.IsValidation(err):
			s.metrics.ValidationErr.Inc()
			sendJSONError(w, http.StatusBadRequest, err.Error())
		case api.IsInsufficientData(err):
			sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("Forecast error: %v", err)
			sendJSONError(w, http.StatusInternalServerError, "forecast failed")
		}
		return
	}

	s.metrics.ForecastDuration.Observe(time.Since(start).Seconds())
	respondJSON(w, http.StatusOK, resp)
}

// syncRequest is the ETL trigger body. Records may be supplied inline;
// otherwise the configured upstream source is queried with the filters.
type syncRequest struct {
	BatchID         string                  `json:"batchId,omitempty"`
	State           string                  `json:"state,omitempty"`
	Commodity       string                  `json:"commodity,omitempty"`
	StartDate       string                  `json:"startDate,omitempty"`
	EndDate         string                  `json:"endDate,omitempty"`
	ComputeFeatures *bool                   `json:"computeFeatures,omitempty"`
	Limit           int                     `json:"limit,omitempty"`
	Records         []*api.PriceObservation `json:"records,omitempty"`
}

const maxSyncBatch = 1000

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > maxSyncBatch {
		limit = maxSyncBatch
	}

	// Idempotent replay of an already-ingested batch.
	if req.BatchID != "" {
		if prior, err := s.syncDedup.Get(r.Context(), req.BatchID); err != nil {
			log.Printf("Dedup lookup error: %v", err)
		} else if prior != nil {
			respondJSON(w, http.StatusOK, map[string]any{
				"success":      true,
				"deduplicated": true,
				"stats":        prior,
			})
			return
		}
	}

	fetcher := s.fetcherFor(&req)
	if fetcher == nil {
		sendJSONError(w, http.StatusBadRequest, "no records supplied and no SYNC_SOURCE_URL configured")
		return
	}

	computeFeatures := true
	if req.ComputeFeatures != nil {
		computeFeatures = *req.ComputeFeatures
	}

	syncer := store.NewSyncer(s.store, fetcher)
	if s.journal != nil {
		syncer.WithJournal(s.journal)
	}
	q := store.FetchQuery{
		State:     req.State,
		Commodity: req.Commodity,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Limit:     limit,
	}

	s.metrics.SyncRuns.Inc()
	stats, err := syncer.Sync(r.Context(), q, computeFeatures)
	if err != nil {
		log.Printf("Sync fetch error: %v", err)
		sendJSONError(w, http.StatusBadGateway, "fetch failed")
		return
	}
	s.metrics.SyncRowsUpserted.Add(float64(stats.TimeseriesUpserted))
	s.metrics.SyncChunksFailed.Add(float64(stats.ChunksFailed))

	if req.BatchID != "" {
		if err := s.syncDedup.Set(r.Context(), req.BatchID, stats, s.syncDedupTTL); err != nil {
			log.Printf("Dedup record error: %v", err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

// fetcherFor prefers inline records; falls back to the configured upstream.
func (s *Server) fetcherFor(req *syncRequest) store.Fetcher {
	if len(req.Records) > 0 {
		records := req.Records
		return store.FetcherFunc(func(_ context.Context, q store.FetchQuery) ([]*api.PriceObservation, error) {
			out := make([]*api.PriceObservation, 0, len(records))
			for _, rec := range records {
				if q.State != "" && rec.State != q.State {
					continue
				}
				if q.Commodity != "" && rec.Commodity != q.Commodity {
					continue
				}
				out = append(out, rec)
				if q.Limit > 0 && len(out) >= q.Limit {
					break
				}
			}
			return out, nil
		})
	}

	sourceURL := getEnv("SYNC_SOURCE_URL", "")
	if sourceURL == "" {
		return nil
	}
	return store.FetcherFunc(func(ctx context.Context, q store.FetchQuery) ([]*api.PriceObservation, error) {
		return fetchUpstream(ctx, sourceURL, q)
	})
}

// fetchUpstream pulls a raw batch from the configured ingestion endpoint.
func fetchUpstream(ctx context.Context, sourceURL string, q store.FetchQuery) ([]*api.PriceObservation, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("bad SYNC_SOURCE_URL: %w", err)
	}
	qs := u.Query()
	if q.State != "" {
		qs.Set("state", q.State)
	}
	if q.Commodity != "" {
		qs.Set("commodity", q.Commodity)
	}
	if q.StartDate != "" {
		qs.Set("start_date", q.StartDate)
	}
	if q.EndDate != "" {
		qs.Set("end_date", q.EndDate)
	}
	qs.Set("limit", strconv.Itoa(q.Limit))
	u.RawQuery = qs.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream fetch: status %d", resp.StatusCode)
	}

	var batch []*api.PriceObservation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&batch); err != nil {
		return nil, fmt.Errorf("upstream decode: %w", err)
	}
	if q.Limit > 0 && len(batch) > q.Limit {
		batch = batch[:q.Limit]
	}
	return batch, nil
}

// monitorRequest is the accuracy-monitor trigger body.
type monitorRequest struct {
	Action        string  `json:"action"`
	Commodity     string  `json:"commodity,omitempty"`
	Market        string  `json:"market,omitempty"`
	Horizon       int     `json:"horizon,omitempty"`
	ThresholdMAPE float64 `json:"threshold_mape,omitempty"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req monitorRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	scope := store.Scope{
		Commodity:   req.Commodity,
		Market:      req.Market,
		HorizonDays: req.Horizon,
	}
	ctx := r.Context()

	switch req.Action {
	case "update_actuals":
		result, err := s.monitor.UpdateActuals(ctx)
		if err != nil {
			log.Printf("Monitor update_actuals error: %v", err)
			sendJSONError(w, http.StatusInternalServerError, "update_actuals failed")
			return
		}
		s.metrics.PredictionsResolved.Add(float64(result.Resolved))
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})

	case "evaluate":
		result, err := s.monitor.Evaluate(ctx, scope, req.ThresholdMAPE)
		if err != nil {
			var insufficient *api.InsufficientDataError
			if errors.As(err, &insufficient) {
				sendJSONError(w, http.StatusUnprocessableEntity, "no resolved predictions in scope")
				return
			}
			log.Printf("Monitor evaluate error: %v", err)
			sendJSONError(w, http.StatusInternalServerError, "evaluate failed")
			return
		}
		if result.Alert != nil {
			s.metrics.AlertsRaised.WithLabelValues(string(result.Alert.Severity)).Inc()
		}
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})

	case "check_alerts":
		alerts, err := s.monitor.CheckAlerts(ctx, scope)
		if err != nil {
			log.Printf("Monitor check_alerts error: %v", err)
			sendJSONError(w, http.StatusInternalServerError, "check_alerts failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "alerts": alerts})

	case "get_performance":
		perf, err := s.monitor.GetPerformance(ctx, scope)
		if err != nil {
			log.Printf("Monitor get_performance error: %v", err)
			sendJSONError(w, http.StatusInternalServerError, "get_performance failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "performance": perf})

	default:
		sendJSONError(w, http.StatusBadRequest, "unknown action: "+req.Action)
	}
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// clientID identifies a caller for rate limiting: gateway identity when
// present, remote address otherwise.
func clientID(r *http.Request) string {
	if id, ok := auth.GetUserID(r.Context()); ok {
		return id
	}
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   true,
		"status":  status,
		"message": message,
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
