package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Geometry is kept as
// GeoJSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	aoi        TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	summary    TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tile_results (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	tile_id  TEXT NOT NULL,
	row_idx  INTEGER NOT NULL,
	col_idx  INTEGER NOT NULL,
	area_km2 REAL NOT NULL,
	geometry TEXT NOT NULL,
	status   TEXT NOT NULL,
	mode     TEXT NOT NULL,
	n_scenes INTEGER NOT NULL,
	job_id   TEXT,
	summary  TEXT NOT NULL,
	PRIMARY KEY (run_id, tile_id)
);

CREATE TABLE IF NOT EXISTS selection_cache (
	tile_id    TEXT NOT NULL,
	plan_hash  TEXT NOT NULL,
	records    TEXT NOT NULL,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (tile_id, plan_hash)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	tile_id        TEXT NOT NULL,
	phase          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_aoi ON runs(aoi);
CREATE INDEX IF NOT EXISTS idx_selection_cache_expires_at ON selection_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_dlq_run_id ON dead_letter_queue(run_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, aoi string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, aoi, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, aoi, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		AOI:       aoi,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, aoi, status, summary, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, aoi, status, summary, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AOI != "" {
		query += ` AND aoi = ?`
		args = append(args, filter.AOI)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveTileResults upserts all results in one transaction.
func (s *SQLiteStore) SaveTileResults(ctx context.Context, results []TileResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tile results")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tile_results (run_id, tile_id, row_idx, col_idx, area_km2, geometry, status, mode, n_scenes, job_id, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, tile_id) DO UPDATE SET
		   geometry = excluded.geometry, area_km2 = excluded.area_km2, status = excluded.status,
		   mode = excluded.mode, n_scenes = excluded.n_scenes, job_id = excluded.job_id,
		   summary = excluded.summary`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare tile results")
	}
	defer stmt.Close()

	for _, r := range results {
		geomJSON, err := geojson.NewGeometry(r.Tile.Geometry).MarshalJSON()
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal geometry %s", r.Tile.ID)
		}
		summaryJSON, err := json.Marshal(r.Summary)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal tile summary %s", r.Tile.ID)
		}
		_, err = stmt.ExecContext(ctx,
			r.RunID, r.Tile.ID, r.Tile.Row, r.Tile.Col, r.Tile.AreaKM2, string(geomJSON),
			string(r.Summary.Status), string(r.Summary.Mode), r.Summary.NScenes,
			nullString(r.Summary.JobID), string(summaryJSON),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert tile result %s", r.Tile.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tile results")
}

func (s *SQLiteStore) ListTileResults(ctx context.Context, runID string) ([]TileResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, tile_id, row_idx, col_idx, area_km2, geometry, summary
		 FROM tile_results WHERE run_id = ? ORDER BY tile_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tile results %s", runID)
	}
	defer rows.Close()

	var out []TileResult
	for rows.Next() {
		var r TileResult
		var geomJSON, summaryJSON string
		if err := rows.Scan(&r.RunID, &r.Tile.ID, &r.Tile.Row, &r.Tile.Col, &r.Tile.AreaKM2, &geomJSON, &summaryJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tile result")
		}
		g, err := geojson.UnmarshalGeometry([]byte(geomJSON))
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal geometry %s", r.Tile.ID)
		}
		r.Tile.Geometry = asMultiPolygon(g.Geometry())
		r.Tile.CRS = model.CRSWGS84
		if err := json.Unmarshal([]byte(summaryJSON), &r.Summary); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal tile summary %s", r.Tile.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tile results iterate")
}

func (s *SQLiteStore) GetCachedSelection(ctx context.Context, tileID, planHash string) (*CachedSelection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tile_id, plan_hash, records, cached_at, expires_at FROM selection_cache
		 WHERE tile_id = ? AND plan_hash = ? AND expires_at > ?`,
		tileID, planHash, time.Now().UTC(),
	)

	var cs CachedSelection
	var recordsJSON string
	err := row.Scan(&cs.TileID, &cs.PlanHash, &recordsJSON, &cs.CachedAt, &cs.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached selection")
	}
	if err := json.Unmarshal([]byte(recordsJSON), &cs.Records); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached records")
	}
	return &cs, nil
}

func (s *SQLiteStore) SetCachedSelection(ctx context.Context, tileID, planHash string, records []model.ObservationRecord, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	if records == nil {
		records = []model.ObservationRecord{}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal records")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO selection_cache (tile_id, plan_hash, records, cached_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tile_id, plan_hash) DO UPDATE SET records = excluded.records,
		   cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		tileID, planHash, string(recordsJSON), now, expiresAt,
	)
	return eris.Wrap(err, "sqlite: set cached selection")
}

func (s *SQLiteStore) DeleteExpiredSelections(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM selection_cache WHERE expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired selections")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, run_id, tile_id, phase, error, error_type, retry_count, max_retries, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, phase = excluded.phase,
		   retry_count = excluded.retry_count, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.RunID, entry.TileID, entry.Phase, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, run_id, tile_id, phase, error, error_type, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC, tile_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.TileID, &e.Phase, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET retry_count = retry_count + 1, error = ?, last_failed_at = ? WHERE id = ?`,
		lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON, errText sql.NullString

	err := row.Scan(&r.ID, &r.AOI, &r.Status, &summaryJSON, &errText, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Error = errText.String
	if summaryJSON.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func asMultiPolygon(g orb.Geometry) orb.MultiPolygon {
	switch t := g.(type) {
	case orb.MultiPolygon:
		return t
	case orb.Polygon:
		return orb.MultiPolygon{t}
	default:
		return nil
	}
}
