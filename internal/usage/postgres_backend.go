package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/resilience"
)

// PostgresBackend persists dispatch records to PostgreSQL via pgx. Batches
// are written with CopyFrom.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan DispatchRecord
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	writer        *resilience.Executor[any]
	breaker       *resilience.CircuitBreaker
	batchSize     int
	retentionDays int
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dispatch_records (
	id BIGSERIAL PRIMARY KEY,
	provider TEXT NOT NULL,
	credential_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	failed BOOLEAN NOT NULL DEFAULT FALSE,
	attempts INTEGER NOT NULL DEFAULT 1,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_dispatch_requested_at ON dispatch_records(requested_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_provider ON dispatch_records(provider);
`

// NewPostgresBackend connects to the database and ensures the schema. The
// backend must be started with Start before records flow.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("usage: postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: initialize schema: %w", err)
	}

	cfg.applyDefaults()
	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan DispatchRecord, defaultQueueSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		writer:        resilience.NewExecutor[any](resilience.DefaultRetryConfig),
		breaker:       resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("usage-postgres", nil)),
		batchSize:     cfg.BatchSize,
		retentionDays: cfg.RetentionDays,
	}, nil
}

func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.pool != nil {
			b.pool.Close()
		}
	})
	return nil
}

func (b *PostgresBackend) Enqueue(record DispatchRecord) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		log.Warnf("usage: persistence queue full, dropping record for %s/%s", record.Provider, record.Model)
	}
}

func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]DispatchRecord, 0, b.batchSize)
	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed = false THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = true THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM dispatch_records
		WHERE requested_at >= $1
	`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("usage: query global stats: %w", err)
	}
	return &stats, nil
}

func (b *PostgresBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown'),
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed = false THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = true THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(latency_ms)::BIGINT, 0)
		FROM dispatch_records
		WHERE requested_at >= $1
		GROUP BY provider
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query provider stats: %w", err)
	}
	defer rows.Close()

	var results []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(
			&ps.Provider, &ps.Requests, &ps.SuccessCount, &ps.FailureCount,
			&ps.InputTokens, &ps.OutputTokens, &ps.TotalTokens, &ps.AvgLatencyMs,
		); err != nil {
			return nil, err
		}
		results = append(results, ps)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			DATE(requested_at)::TEXT,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)
		FROM dispatch_records
		WHERE requested_at >= $1
		GROUP BY DATE(requested_at)
		ORDER BY DATE(requested_at)
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM dispatch_records WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]DispatchRecord, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("usage: write batch failed: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case record := <-b.recordChan:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch bulk-inserts records via CopyFrom, retrying transient failures.
// The breaker sheds batches outright once the database stays unreachable.
func (b *PostgresBackend) writeBatch(ctx context.Context, records []DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := b.breaker.Execute(func() (any, error) {
		return b.writer.Execute(ctx, func() (any, error) {
			_, copyErr := b.pool.CopyFrom(
				ctx,
				pgx.Identifier{"dispatch_records"},
				[]string{
					"provider", "credential_id", "model", "requested_at", "outcome", "failed",
					"attempts", "latency_ms", "input_tokens", "output_tokens", "total_tokens",
				},
				pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
					r := records[i]
					return []any{
						r.Provider, r.CredentialID, r.Model, r.RequestedAt, r.Outcome, r.Failed,
						r.Attempts, r.LatencyMs, r.InputTokens, r.OutputTokens, r.TotalTokens,
					}, nil
				}),
			)
			return nil, copyErr
		})
	})
	if err != nil {
		return fmt.Errorf("usage: copy batch: %w", err)
	}
	return nil
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.Errorf("usage: cleanup failed: %v", err)
			} else if deleted > 0 {
				log.Infof("usage: cleaned up %d records older than %d days", deleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
