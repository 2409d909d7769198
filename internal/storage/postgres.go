// Package storage persists scaling decisions, chain outcomes, and
// aggregated metric samples to PostgreSQL for audit and the control
// surface. The orchestrator runs degraded without it.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/scaling"
)

type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresClient(connectionURL string, logger *zap.Logger) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}

	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &PostgresClient{pool: pool, logger: logger}
	if err := c.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresClient) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scaling_decisions (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			vnf_type TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			executed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chain_outcomes (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			chain_id TEXT NOT NULL,
			category TEXT NOT NULL,
			outcome TEXT NOT NULL,
			hops INT NOT NULL,
			priority INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS metric_points (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			vnf_type TEXT NOT NULL,
			metric TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_type_ts ON scaling_decisions (vnf_type, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_points_key_ts ON metric_points (vnf_type, metric, timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (c *PostgresClient) Close() {
	c.pool.Close()
}

func (c *PostgresClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.pool.Ping(ctx)
}

// SaveScalingDecision implements the scaling controller's decision sink.
func (c *PostgresClient) SaveScalingDecision(ctx context.Context, d scaling.Decision) error {
	query := `
		INSERT INTO scaling_decisions (timestamp, vnf_type, action, reason, confidence, executed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(ctx, query,
		d.Timestamp, string(d.Type), string(d.Action), d.Reason, d.Confidence, d.Executed)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// SaveChainOutcome records one chain allocation result.
func (c *PostgresClient) SaveChainOutcome(ctx context.Context, rec ChainRecord) error {
	query := `
		INSERT INTO chain_outcomes (timestamp, chain_id, category, outcome, hops, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(ctx, query,
		rec.Timestamp, rec.ChainID, rec.Category, rec.Outcome, rec.Hops, rec.Priority)
	if err != nil {
		return fmt.Errorf("failed to save chain outcome: %w", err)
	}
	return nil
}

// SaveMetricPoint records one aggregated sample.
func (c *PostgresClient) SaveMetricPoint(ctx context.Context, p MetricPoint) error {
	query := `
		INSERT INTO metric_points (timestamp, vnf_type, metric, value)
		VALUES ($1, $2, $3, $4)
	`
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(ctx, query, p.Timestamp, p.VNFType, p.Metric, p.Value)
	if err != nil {
		return fmt.Errorf("failed to save metric point: %w", err)
	}
	return nil
}

// GetRecentDecisions returns up to limit decisions, newest first.
func (c *PostgresClient) GetRecentDecisions(ctx context.Context, limit int) ([]*DecisionRecord, error) {
	query := `
		SELECT id, timestamp, vnf_type, action, reason, confidence, executed, created_at
		FROM scaling_decisions
		ORDER BY timestamp DESC
		LIMIT $1
	`
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.VNFType, &d.Action,
			&d.Reason, &d.Confidence, &d.Executed, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// GetDecisionStats summarizes decisions over the window.
func (c *PostgresClient) GetDecisionStats(ctx context.Context, window time.Duration) (*DecisionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE executed),
			COUNT(*) FILTER (WHERE action = 'allocate_new'),
			COUNT(*) FILTER (WHERE action = 'drain_one')
		FROM scaling_decisions
		WHERE timestamp > $1
	`
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var s DecisionStats
	since := time.Now().Add(-window)
	if err := c.pool.QueryRow(ctx, query, since).Scan(&s.Total, &s.Executed, &s.ScaleOut, &s.ScaleIn); err != nil {
		return nil, fmt.Errorf("failed to query decision stats: %w", err)
	}
	return &s, nil
}

// GetRecentMetricPoints returns samples for one (type, metric), newest
// first.
func (c *PostgresClient) GetRecentMetricPoints(ctx context.Context, vnfType, metric string, window time.Duration) ([]*MetricPoint, error) {
	query := `
		SELECT id, timestamp, vnf_type, metric, value, created_at
		FROM metric_points
		WHERE vnf_type = $1 AND metric = $2 AND timestamp > $3
		ORDER BY timestamp DESC
		LIMIT 1000
	`
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	since := time.Now().Add(-window)
	rows, err := c.pool.Query(ctx, query, vnfType, metric, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric points: %w", err)
	}
	defer rows.Close()

	var out []*MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.ID, &p.Timestamp, &p.VNFType, &p.Metric, &p.Value, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric point: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
