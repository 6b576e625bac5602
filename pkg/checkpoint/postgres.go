package checkpoint

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/logger"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS driftsync_checkpoints (
	pair_id    TEXT PRIMARY KEY,
	position   TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	metadata   JSONB,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists checkpoints in a PostgreSQL table. The version
// column is bumped inside the upsert, so saves are atomic and monotonic
// even with a second engine pointed at the same database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and ensures the checkpoint
// table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse checkpoint store DSN")
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create checkpoint store pool")
	}

	if _, err := pool.Exec(ctx, checkpointSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to ensure checkpoint table")
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.Get().Named("checkpoint.postgres"),
	}, nil
}

// Load reads the checkpoint row for a pair, or returns nil when absent.
func (s *PostgresStore) Load(ctx context.Context, pairID string) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		metadata []byte
	)

	row := s.pool.QueryRow(ctx,
		`SELECT position, ts, metadata, version FROM driftsync_checkpoints WHERE pair_id = $1`, pairID)
	if err := row.Scan(&cp.Position, &cp.Timestamp, &metadata, &cp.Version); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to load checkpoint for pair %s", pairID)
	}

	if len(metadata) > 0 {
		if err := jsonpool.Unmarshal(metadata, &cp.Metadata); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeCheckpoint, "corrupt checkpoint metadata for pair %s", pairID)
		}
	}
	return &cp, nil
}

// Save upserts the checkpoint, bumping the version column in-place.
func (s *PostgresStore) Save(ctx context.Context, pairID string, cp *Checkpoint) error {
	var metadata []byte
	if len(cp.Metadata) > 0 {
		var err error
		metadata, err = jsonpool.Marshal(cp.Metadata)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to encode checkpoint metadata for pair %s", pairID)
		}
	}

	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO driftsync_checkpoints (pair_id, position, ts, metadata, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (pair_id) DO UPDATE
		SET position = EXCLUDED.position,
		    ts = EXCLUDED.ts,
		    metadata = EXCLUDED.metadata,
		    version = driftsync_checkpoints.version + 1,
		    updated_at = now()
		RETURNING version`,
		pairID, cp.Position, ts, metadata)

	var version int64
	if err := row.Scan(&version); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to save checkpoint for pair %s", pairID)
	}

	cp.Version = version
	s.logger.Debug("checkpoint saved",
		zap.String("pair_id", pairID),
		zap.String("position", cp.Position),
		zap.Int64("version", version))
	return nil
}

// Reset deletes the checkpoint row for a pair.
func (s *PostgresStore) Reset(ctx context.Context, pairID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM driftsync_checkpoints WHERE pair_id = $1`, pairID); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to reset checkpoint for pair %s", pairID)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
