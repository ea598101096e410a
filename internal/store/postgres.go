package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/calendar"
)

// PostgresStore implements Store over pgx with ON CONFLICT upserts.
//
// Schema:
//
//	CREATE TABLE price_observations (
//	  state VARCHAR(64), district VARCHAR(64), market VARCHAR(128),
//	  commodity VARCHAR(64), variety VARCHAR(64) DEFAULT '',
//	  obs_date DATE NOT NULL,
//	  min_price DOUBLE PRECISION, max_price DOUBLE PRECISION,
//	  modal_price DOUBLE PRECISION, arrival_tonnes DOUBLE PRECISION,
//	  rainfall_mm DOUBLE PRECISION, temperature_c DOUBLE PRECISION,
//	  humidity_pct DOUBLE PRECISION,
//	  msp DOUBLE PRECISION, is_festival BOOLEAN,
//	  is_sowing BOOLEAN, is_harvest BOOLEAN,
//	  PRIMARY KEY (state, district, market, commodity, variety, obs_date)
//	);
//
//	CREATE TABLE price_features (
//	  state VARCHAR(64), district VARCHAR(64), market VARCHAR(128),
//	  commodity VARCHAR(64), variety VARCHAR(64) DEFAULT '',
//	  obs_date DATE NOT NULL,
//	  features JSONB NOT NULL,
//	  PRIMARY KEY (state, district, market, commodity, variety, obs_date)
//	);
//
//	CREATE TABLE price_predictions (
//	  state VARCHAR(64), district VARCHAR(64), market VARCHAR(128),
//	  commodity VARCHAR(64), variety VARCHAR(64) DEFAULT '',
//	  prediction_date DATE, target_date DATE, horizon_days INT,
//	  payload JSONB NOT NULL, status VARCHAR(16) NOT NULL,
//	  actual_price DOUBLE PRECISION, abs_error DOUBLE PRECISION,
//	  pct_error DOUBLE PRECISION, resolved_at TIMESTAMPTZ,
//	  PRIMARY KEY (state, district, market, commodity, variety, target_date, horizon_days)
//	);
//
//	CREATE TABLE forecast_performance (
//	  id BIGSERIAL PRIMARY KEY, commodity VARCHAR(64), market VARCHAR(128),
//	  horizon_days INT, window_start DATE, window_end DATE,
//	  sample_count INT, mae DOUBLE PRECISION, rmse DOUBLE PRECISION,
//	  mape DOUBLE PRECISION, r2 DOUBLE PRECISION,
//	  is_active BOOLEAN, created_at TIMESTAMPTZ DEFAULT NOW()
//	);
//
//	CREATE TABLE forecast_alerts (
//	  id BIGSERIAL PRIMARY KEY, commodity VARCHAR(64), market VARCHAR(128),
//	  horizon_days INT, mape DOUBLE PRECISION, threshold DOUBLE PRECISION,
//	  severity VARCHAR(16), message TEXT,
//	  created_at TIMESTAMPTZ DEFAULT NOW(),
//	  resolved BOOLEAN DEFAULT FALSE, resolved_at TIMESTAMPTZ
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and verifies it with a ping.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) UpsertObservations(ctx context.Context, obs []*api.PriceObservation) (int, error) {
	const query = `
		INSERT INTO price_observations
		  (state, district, market, commodity, variety, obs_date,
		   min_price, max_price, modal_price, arrival_tonnes,
		   rainfall_mm, temperature_c, humidity_pct,
		   msp, is_festival, is_sowing, is_harvest)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (state, district, market, commodity, variety, obs_date)
		DO UPDATE SET
		  min_price = EXCLUDED.min_price, max_price = EXCLUDED.max_price,
		  modal_price = EXCLUDED.modal_price, arrival_tonnes = EXCLUDED.arrival_tonnes,
		  rainfall_mm = EXCLUDED.rainfall_mm, temperature_c = EXCLUDED.temperature_c,
		  humidity_pct = EXCLUDED.humidity_pct,
		  msp = EXCLUDED.msp, is_festival = EXCLUDED.is_festival,
		  is_sowing = EXCLUDED.is_sowing, is_harvest = EXCLUDED.is_harvest
	`

	count := 0
	for _, o := range obs {
		day := api.Day(o.Date)

		// Static domain annotations live on the canonical row.
		var msp *float64
		if v, ok := calendar.MSP(o.Commodity); ok {
			msp = &v
		}

		_, err := p.pool.Exec(ctx, query,
			o.State, o.District, o.Market, o.Commodity, o.Variety, day,
			o.MinPrice, o.MaxPrice, o.ModalPrice, o.ArrivalTonnes,
			o.RainfallMM, o.TemperatureC, o.HumidityPct,
			msp, calendar.IsFestival(day),
			calendar.IsSowing(o.Commodity, day), calendar.IsHarvest(o.Commodity, day),
		)
		if err != nil {
			return count, &api.PersistenceError{Op: "upsert observation", Err: err}
		}
		count++
	}
	return count, nil
}

func (p *PostgresStore) UpsertFeatures(ctx context.Context, recs []*api.FeatureRecord) (int, error) {
	const query = `
		INSERT INTO price_features
		  (state, district, market, commodity, variety, obs_date, features)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (state, district, market, commodity, variety, obs_date)
		DO UPDATE SET features = EXCLUDED.features
	`

	count := 0
	for _, r := range recs {
		blob, err := json.Marshal(r)
		if err != nil {
			return count, &api.PersistenceError{Op: "marshal features", Err: err}
		}
		_, err = p.pool.Exec(ctx, query,
			r.State, r.District, r.Market, r.Commodity, r.Variety, api.Day(r.Date), blob)
		if err != nil {
			return count, &api.PersistenceError{Op: "upsert features", Err: err}
		}
		count++
	}
	return count, nil
}

func (p *PostgresStore) History(ctx context.Context, key api.SeriesKey, limit int) ([]*api.PriceObservation, error) {
	const query = `
		SELECT state, district, market, commodity, variety, obs_date,
		       min_price, max_price, modal_price, arrival_tonnes,
		       rainfall_mm, temperature_c, humidity_pct
		FROM price_observations
		WHERE state=$1 AND district=$2 AND market=$3 AND commodity=$4 AND variety=$5
		ORDER BY obs_date DESC
		LIMIT $6
	`

	rows, err := p.pool.Query(ctx, query,
		key.State, key.District, key.Market, key.Commodity, key.Variety, limit)
	if err != nil {
		return nil, &api.PersistenceError{Op: "query history", Err: err}
	}
	defer rows.Close()

	var out []*api.PriceObservation
	for rows.Next() {
		var o api.PriceObservation
		if err := rows.Scan(
			&o.State, &o.District, &o.Market, &o.Commodity, &o.Variety, &o.Date,
			&o.MinPrice, &o.MaxPrice, &o.ModalPrice, &o.ArrivalTonnes,
			&o.RainfallMM, &o.TemperatureC, &o.HumidityPct,
		); err != nil {
			return nil, &api.PersistenceError{Op: "scan history", Err: err}
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ObservationAt(ctx context.Context, key api.SeriesKey, date time.Time) (*api.PriceObservation, error) {
	const query = `
		SELECT state, district, market, commodity, variety, obs_date,
		       min_price, max_price, modal_price, arrival_tonnes,
		       rainfall_mm, temperature_c, humidity_pct
		FROM price_observations
		WHERE state=$1 AND district=$2 AND market=$3 AND commodity=$4 AND variety=$5
		  AND obs_date=$6
	`

	var o api.PriceObservation
	err := p.pool.QueryRow(ctx, query,
		key.State, key.District, key.Market, key.Commodity, key.Variety, api.Day(date)).Scan(
		&o.State, &o.District, &o.Market, &o.Commodity, &o.Variety, &o.Date,
		&o.MinPrice, &o.MaxPrice, &o.ModalPrice, &o.ArrivalTonnes,
		&o.RainfallMM, &o.TemperatureC, &o.HumidityPct,
	)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, &api.PersistenceError{Op: "query observation", Err: err}
	}
	return &o, nil
}

func (p *PostgresStore) InsertPredictions(ctx context.Context, recs []*api.PredictionRecord) (int, error) {
	const query = `
		INSERT INTO price_predictions
		  (state, district, market, commodity, variety,
		   prediction_date, target_date, horizon_days, payload, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (state, district, market, commodity, variety, target_date, horizon_days)
		DO UPDATE SET
		  prediction_date = EXCLUDED.prediction_date,
		  payload = EXCLUDED.payload, status = EXCLUDED.status
	`

	count := 0
	for _, r := range recs {
		blob, err := json.Marshal(r)
		if err != nil {
			return count, &api.PersistenceError{Op: "marshal prediction", Err: err}
		}
		_, err = p.pool.Exec(ctx, query,
			r.State, r.District, r.Market, r.Commodity, r.Variety,
			r.PredictionDate, r.TargetDate, r.HorizonDays, blob, string(r.Status))
		if err != nil {
			return count, &api.PersistenceError{Op: "insert prediction", Err: err}
		}
		count++
	}
	return count, nil
}

func (p *PostgresStore) PendingDue(ctx context.Context, asOf time.Time) ([]*api.PredictionRecord, error) {
	const query = `
		SELECT payload FROM price_predictions
		WHERE status = 'PENDING' AND target_date <= $1
		ORDER BY target_date
	`
	return p.scanPredictions(ctx, query, api.Day(asOf))
}

func (p *PostgresStore) MarkResolved(ctx context.Context, rec *api.PredictionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return &api.PersistenceError{Op: "marshal resolved prediction", Err: err}
	}

	const query = `
		UPDATE price_predictions
		SET payload=$1, status=$2, actual_price=$3, abs_error=$4,
		    pct_error=$5, resolved_at=$6
		WHERE state=$7 AND district=$8 AND market=$9 AND commodity=$10
		  AND variety=$11 AND target_date=$12 AND horizon_days=$13
		  AND status = 'PENDING'
	`
	_, err = p.pool.Exec(ctx, query,
		blob, string(rec.Status), rec.ActualPrice, rec.AbsError, rec.PctError, rec.ResolvedAt,
		rec.State, rec.District, rec.Market, rec.Commodity, rec.Variety,
		rec.TargetDate, rec.HorizonDays)
	if err != nil {
		return &api.PersistenceError{Op: "resolve prediction", Err: err}
	}
	return nil
}

func (p *PostgresStore) ResolvedPredictions(ctx context.Context, scope Scope) ([]*api.PredictionRecord, error) {
	const query = `
		SELECT payload FROM price_predictions
		WHERE status = 'RESOLVED'
		  AND ($1 = '' OR commodity = $1)
		  AND ($2 = '' OR market = $2)
		  AND ($3 = 0 OR horizon_days = $3)
		ORDER BY target_date
	`
	return p.scanPredictions(ctx, query, scope.Commodity, scope.Market, scope.HorizonDays)
}

func (p *PostgresStore) scanPredictions(ctx context.Context, query string, args ...any) ([]*api.PredictionRecord, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &api.PersistenceError{Op: "query predictions", Err: err}
	}
	defer rows.Close()

	var out []*api.PredictionRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, &api.PersistenceError{Op: "scan prediction", Err: err}
		}
		var rec api.PredictionRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, &api.PersistenceError{Op: "unmarshal prediction", Err: err}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendPerformance(ctx context.Context, rec *api.PerformanceRecord) error {
	const deactivate = `
		UPDATE forecast_performance SET is_active = FALSE
		WHERE is_active AND commodity=$1 AND market=$2 AND horizon_days=$3
	`
	if _, err := p.pool.Exec(ctx, deactivate, rec.Commodity, rec.Market, rec.HorizonDays); err != nil {
		return &api.PersistenceError{Op: "deactivate performance", Err: err}
	}

	const insert = `
		INSERT INTO forecast_performance
		  (commodity, market, horizon_days, window_start, window_end,
		   sample_count, mae, rmse, mape, r2, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE,$11)
		RETURNING id
	`
	rec.IsActive = true
	err := p.pool.QueryRow(ctx, insert,
		rec.Commodity, rec.Market, rec.HorizonDays, rec.WindowStart, rec.WindowEnd,
		rec.SampleCount, rec.MAE, rec.RMSE, rec.MAPE, rec.R2, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return &api.PersistenceError{Op: "insert performance", Err: err}
	}
	return nil
}

func (p *PostgresStore) ActivePerformance(ctx context.Context, scope Scope) (*api.PerformanceRecord, error) {
	const query = `
		SELECT id, commodity, market, horizon_days, window_start, window_end,
		       sample_count, mae, rmse, mape, r2, is_active, created_at
		FROM forecast_performance
		WHERE is_active AND commodity=$1 AND market=$2 AND horizon_days=$3
		ORDER BY created_at DESC LIMIT 1
	`

	var rec api.PerformanceRecord
	err := p.pool.QueryRow(ctx, query, scope.Commodity, scope.Market, scope.HorizonDays).Scan(
		&rec.ID, &rec.Commodity, &rec.Market, &rec.HorizonDays,
		&rec.WindowStart, &rec.WindowEnd, &rec.SampleCount,
		&rec.MAE, &rec.RMSE, &rec.MAPE, &rec.R2, &rec.IsActive, &rec.CreatedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, &api.PersistenceError{Op: "query performance", Err: err}
	}
	return &rec, nil
}

func (p *PostgresStore) InsertAlert(ctx context.Context, alert *api.Alert) error {
	const query = `
		INSERT INTO forecast_alerts
		  (commodity, market, horizon_days, mape, threshold, severity, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`
	err := p.pool.QueryRow(ctx, query,
		alert.Commodity, alert.Market, alert.HorizonDays, alert.MAPE,
		alert.Threshold, string(alert.Severity), alert.Message, alert.CreatedAt).Scan(&alert.ID)
	if err != nil {
		return &api.PersistenceError{Op: "insert alert", Err: err}
	}
	return nil
}

func (p *PostgresStore) OpenAlerts(ctx context.Context, scope Scope) ([]*api.Alert, error) {
	const query = `
		SELECT id, commodity, market, horizon_days, mape, threshold,
		       severity, message, created_at, resolved, resolved_at
		FROM forecast_alerts
		WHERE NOT resolved
		  AND ($1 = '' OR commodity = $1)
		  AND ($2 = '' OR market = $2)
		  AND ($3 = 0 OR horizon_days = $3)
		ORDER BY created_at DESC
	`

	rows, err := p.pool.Query(ctx, query, scope.Commodity, scope.Market, scope.HorizonDays)
	if err != nil {
		return nil, &api.PersistenceError{Op: "query alerts", Err: err}
	}
	defer rows.Close()

	var out []*api.Alert
	for rows.Next() {
		var a api.Alert
		var severity string
		if err := rows.Scan(&a.ID, &a.Commodity, &a.Market, &a.HorizonDays,
			&a.MAPE, &a.Threshold, &severity, &a.Message,
			&a.CreatedAt, &a.Resolved, &a.ResolvedAt); err != nil {
			return nil, &api.PersistenceError{Op: "scan alert", Err: err}
		}
		a.Severity = api.AlertSeverity(severity)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
