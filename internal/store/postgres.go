package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/db"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
)

// PostgresStore implements Store using pgxpool. Tile geometry is stored as
// PostGIS MultiPolygon in EPSG:4326.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	aoi        TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	summary    JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tile_results (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	tile_id  TEXT NOT NULL,
	row_idx  INTEGER NOT NULL,
	col_idx  INTEGER NOT NULL,
	area_km2 DOUBLE PRECISION NOT NULL,
	geom     geometry(MultiPolygon, 4326),
	status   TEXT NOT NULL,
	mode     TEXT NOT NULL,
	n_scenes INTEGER NOT NULL,
	job_id   TEXT,
	summary  JSONB NOT NULL,
	PRIMARY KEY (run_id, tile_id)
);

CREATE INDEX IF NOT EXISTS idx_tile_results_geom ON tile_results USING GIST (geom);

CREATE TABLE IF NOT EXISTS selection_cache (
	tile_id    TEXT NOT NULL,
	plan_hash  TEXT NOT NULL,
	records    JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tile_id, plan_hash)
);

CREATE INDEX IF NOT EXISTS idx_selection_cache_expires_at ON selection_cache(expires_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id         TEXT NOT NULL,
	tile_id        TEXT NOT NULL,
	phase          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_dlq_run_id ON dead_letter_queue(run_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, aoi string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, aoi, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, aoi, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		AOI:       aoi,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET summary = $1, status = $2, updated_at = $3 WHERE id = $4`,
		summaryJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, aoi, status, summary, error, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, aoi, status, summary, error, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.AOI != "" {
		query += fmt.Sprintf(` AND aoi = $%d`, argIdx)
		args = append(args, filter.AOI)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

var tileResultColumns = []string{
	"run_id", "tile_id", "row_idx", "col_idx", "area_km2", "geom",
	"status", "mode", "n_scenes", "job_id", "summary",
}

// SaveTileResults bulk upserts tile rows keyed by (run_id, tile_id).
func (s *PostgresStore) SaveTileResults(ctx context.Context, results []TileResult) error {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		wkb, err := EncodeEWKB(r.Tile.Geometry)
		if err != nil {
			return eris.Wrapf(err, "postgres: encode geometry %s", r.Tile.ID)
		}
		summaryJSON, err := json.Marshal(r.Summary)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal tile summary %s", r.Tile.ID)
		}
		var jobID *string
		if r.Summary.JobID != "" {
			jobID = &r.Summary.JobID
		}
		rows = append(rows, []any{
			r.RunID, r.Tile.ID, r.Tile.Row, r.Tile.Col, r.Tile.AreaKM2, wkb,
			string(r.Summary.Status), string(r.Summary.Mode), r.Summary.NScenes, jobID, summaryJSON,
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "tile_results",
		Columns:      tileResultColumns,
		ConflictKeys: []string{"run_id", "tile_id"},
	}, rows)
	return eris.Wrap(err, "postgres: save tile results")
}

func (s *PostgresStore) ListTileResults(ctx context.Context, runID string) ([]TileResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, tile_id, row_idx, col_idx, area_km2, ST_AsEWKB(geom), summary
		 FROM tile_results WHERE run_id = $1 ORDER BY tile_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tile results %s", runID)
	}
	defer rows.Close()

	var out []TileResult
	for rows.Next() {
		var r TileResult
		var wkb, summaryJSON []byte
		if err := rows.Scan(&r.RunID, &r.Tile.ID, &r.Tile.Row, &r.Tile.Col, &r.Tile.AreaKM2, &wkb, &summaryJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tile result")
		}
		r.Tile.Geometry, err = DecodeEWKB(wkb)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: decode geometry %s", r.Tile.ID)
		}
		r.Tile.CRS = model.CRSWGS84
		if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal tile summary %s", r.Tile.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tile results iterate")
}

func (s *PostgresStore) GetCachedSelection(ctx context.Context, tileID, planHash string) (*CachedSelection, error) {
	var cs CachedSelection
	var recordsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT tile_id, plan_hash, records, cached_at, expires_at FROM selection_cache
		 WHERE tile_id = $1 AND plan_hash = $2 AND expires_at > now()`,
		tileID, planHash,
	).Scan(&cs.TileID, &cs.PlanHash, &recordsJSON, &cs.CachedAt, &cs.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached selection")
	}
	if err := json.Unmarshal(recordsJSON, &cs.Records); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached records")
	}
	return &cs, nil
}

func (s *PostgresStore) SetCachedSelection(ctx context.Context, tileID, planHash string, records []model.ObservationRecord, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	if records == nil {
		records = []model.ObservationRecord{}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal records")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO selection_cache (tile_id, plan_hash, records, cached_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tile_id, plan_hash) DO UPDATE SET records = $3, cached_at = $4, expires_at = $5`,
		tileID, planHash, recordsJSON, now, expiresAt,
	)
	return eris.Wrap(err, "postgres: set cached selection")
}

func (s *PostgresStore) DeleteExpiredSelections(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM selection_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired selections")
	}
	return int(tag.RowsAffected()), nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, run_id, tile_id, phase, error, error_type, retry_count, max_retries, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, phase = $4, retry_count = $7, last_failed_at = $10`,
		entry.ID, entry.RunID, entry.TileID, entry.Phase, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, run_id, tile_id, phase, error, error_type, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY created_at ASC, tile_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.TileID, &e.Phase, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, error = $1, last_failed_at = now()
		 WHERE id = $2`,
		lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq_entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var summaryJSON []byte
	var errText *string

	err := row.Scan(&r.ID, &r.AOI, &status, &summaryJSON, &errText, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if errText != nil {
		r.Error = *errText
	}
	if summaryJSON != nil {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
