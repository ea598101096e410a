package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrisense/mandicast/internal/api"
)

// AtomicRedisStore implements Store using Redis SETNX, so concurrent retries
// of the same batch across server instances record exactly one outcome.
type AtomicRedisStore struct {
	client *redis.Client
}

// NewAtomicRedisStore creates a Redis-backed dedup store. password may be
// empty; db is the Redis database number.
func NewAtomicRedisStore(addr, password string, db int) (*AtomicRedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &AtomicRedisStore{client: client}, nil
}

func (r *AtomicRedisStore) Get(ctx context.Context, batchID string) (*api.SyncStats, error) {
	key := fmt.Sprintf("syncbatch:%s", batchID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var stats api.SyncStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return &stats, nil
}

func (r *AtomicRedisStore) Set(ctx context.Context, batchID string, stats *api.SyncStats, ttl time.Duration) error {
	key := fmt.Sprintf("syncbatch:%s", batchID)

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	// SETNX with TTL: losing the race to a concurrent write is not an error.
	if _, err := r.client.SetNX(ctx, key, data, ttl).Result(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *AtomicRedisStore) Close() error {
	return r.client.Close()
}

// AtomicPostgresStore implements Store via ON CONFLICT DO NOTHING on the
// batch-ID primary key.
//
// Schema:
//
//	CREATE TABLE sync_batches (
//	  batch_id VARCHAR(255) PRIMARY KEY,
//	  stats JSONB NOT NULL,
//	  expires_at TIMESTAMP NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW()
//	);
//	CREATE INDEX idx_sync_batches_expires ON sync_batches(expires_at);
type AtomicPostgresStore struct {
	pool *pgxpool.Pool
}

// NewAtomicPostgresStore creates a Postgres-backed dedup store.
func NewAtomicPostgresStore(connStr string) (*AtomicPostgresStore, error) {
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
	return &AtomicPostgresStore{pool: pool}, nil
}

func (p *AtomicPostgresStore) Get(ctx context.Context, batchID string) (*api.SyncStats, error) {
	query := `
		SELECT stats
		FROM sync_batches
		WHERE batch_id = $1 AND expires_at > NOW()
	`

	var statsJSON []byte
	err := p.pool.QueryRow(ctx, query, batchID).Scan(&statsJSON)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var stats api.SyncStats
	if err := json.Unmarshal(statsJSON, &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return &stats, nil
}

func (p *AtomicPostgresStore) Set(ctx context.Context, batchID string, stats *api.SyncStats, ttl time.Duration) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		INSERT INTO sync_batches (batch_id, stats, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO NOTHING
	`
	if _, err := p.pool.Exec(ctx, query, batchID, statsJSON, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *AtomicPostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired removes expired batch records. Run periodically to keep the
// table from bloating.
func (p *AtomicPostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM sync_batches WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}
