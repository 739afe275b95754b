// Package postgres implements the persistence port on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/ports"
	"github.com/lyzr/flowengine/workflow"
)

// Store is the pgx-backed persistence port
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// Connect opens a pool using the configured limits and pings it
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if log == nil {
		log = logger.NewNop()
	}
	return &Store{pool: pool, log: log}, nil
}

// NewStore wraps an existing pool
func NewStore(pool *pgxpool.Pool, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{pool: pool, log: log}
}

// Close releases the pool
func (s *Store) Close() {
	s.pool.Close()
}

// SaveWorkflow upserts a workflow definition
func (s *Store) SaveWorkflow(ctx context.Context, def *workflow.Definition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "definition is not encodable")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, definition, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, definition = EXCLUDED.definition, updated_at = NOW()
	`, def.ID, def.Name, raw)
	if err != nil {
		return fault.Wrap(fault.KindTransport, err, "failed to save workflow %s", def.ID)
	}
	return nil
}

// LoadWorkflow fetches a definition by id
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM workflows WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Validation("workflow not found: %s", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, err, "failed to load workflow %s", id)
	}

	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "stored definition is not decodable")
	}
	return &def, nil
}

// CreateExecution writes the initial execution record
func (s *Store) CreateExecution(ctx context.Context, record *ports.ExecutionRecord) error {
	input, err := json.Marshal(record.InputData)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "input data is not encodable")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, started_at, input_data)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, record.WorkflowID, string(record.Status), record.StartedAt, input)
	if err != nil {
		return fault.Wrap(fault.KindTransport, err, "failed to create execution %s", record.ID)
	}
	return nil
}

// CompleteExecution records the terminal transition
func (s *Store) CompleteExecution(ctx context.Context, id string, status ports.ExecutionStatus, output map[string]any, errorMessage string, metrics map[string]any) error {
	outRaw, err := json.Marshal(output)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "output data is not encodable")
	}
	metricsRaw, err := json.Marshal(metrics)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "metrics are not encodable")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, completed_at = NOW(), output_data = $3, error_message = $4, metrics = $5
		WHERE id = $1
	`, id, string(status), outRaw, nullableString(errorMessage), metricsRaw)
	if err != nil {
		return fault.Wrap(fault.KindTransport, err, "failed to complete execution %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fault.Validation("execution not found: %s", id)
	}
	return nil
}

// AppendExecutionLog batch-inserts log entries for an execution
func (s *Store) AppendExecutionLog(ctx context.Context, id string, entries []execution.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		data, err := json.Marshal(entry.Data)
		if err != nil {
			data = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO execution_logs (execution_id, level, ts, node_id, message, data)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, entry.Level, entry.Timestamp, nullableString(entry.NodeID), entry.Message, data)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fault.Wrap(fault.KindTransport, err, "failed to append execution log for %s", id)
		}
	}
	return nil
}

// Query runs an arbitrary read for the database-query connector
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, field := range fields {
			row[string(field.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkStaleFailed marks executions stuck in running before the cutoff as failed
func (s *Store) MarkStaleFailed(ctx context.Context, olderThan time.Time, message string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = 'failed', completed_at = NOW(), error_message = $2
		WHERE status = 'running' AND started_at < $1
	`, olderThan, message)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransport, err, "stale sweep failed")
	}
	return int(tag.RowsAffected()), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
