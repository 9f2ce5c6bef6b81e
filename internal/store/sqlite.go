package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/spatial"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	lockDir string
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	lockDir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if dsn == "" || strings.Contains(dsn, ":memory:") {
		lockDir = os.TempDir()
	}
	return &SQLiteStore{db: db, lockDir: lockDir}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS planned_assets (
	project_scope TEXT NOT NULL,
	id            TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'pole',
	identifier    TEXT NOT NULL DEFAULT '',
	latitude      REAL,
	longitude     REAL,
	geom_ewkb     BLOB,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_scope, id)
);

CREATE TABLE IF NOT EXISTS observed_assets (
	project_scope TEXT NOT NULL,
	id            TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'pole',
	identifier    TEXT NOT NULL DEFAULT '',
	latitude      REAL,
	longitude     REAL,
	geom_ewkb     BLOB,
	collected_at  DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_scope, id)
);

CREATE TABLE IF NOT EXISTS asset_mappings (
	project_scope       TEXT NOT NULL,
	planned_identifier  TEXT NOT NULL,
	observed_identifier TEXT NOT NULL,
	planned_id          TEXT NOT NULL,
	observed_id         TEXT NOT NULL,
	kind                TEXT NOT NULL DEFAULT 'pole',
	match_type          TEXT NOT NULL,
	confidence          REAL NOT NULL,
	distance_meters     REAL,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	UNIQUE (project_scope, planned_identifier, observed_identifier)
);

CREATE TABLE IF NOT EXISTS reconcile_runs (
	id            TEXT PRIMARY KEY,
	project_scope TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	planned       INTEGER NOT NULL DEFAULT 0,
	observed      INTEGER NOT NULL DEFAULT 0,
	rejected      INTEGER NOT NULL DEFAULT 0,
	matched       INTEGER NOT NULL DEFAULT 0,
	upserted      INTEGER NOT NULL DEFAULT 0,
	by_strategy   TEXT,
	error         TEXT,
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_planned_assets_identifier ON planned_assets(project_scope, identifier);
CREATE INDEX IF NOT EXISTS idx_observed_assets_identifier ON observed_assets(project_scope, identifier);
CREATE INDEX IF NOT EXISTS idx_reconcile_runs_scope ON reconcile_runs(project_scope, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Inventory ---

func (s *SQLiteStore) LoadPlanned(ctx context.Context, scope string) ([]model.PlannedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, identifier, latitude, longitude, project_scope FROM planned_assets WHERE project_scope = ? ORDER BY id`,
		scope,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load planned %s", scope)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PlannedRecord
	for rows.Next() {
		var p model.PlannedRecord
		var kind string
		if err := rows.Scan(&p.ID, &kind, &p.Identifier, &p.Latitude, &p.Longitude, &p.ProjectScope); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan planned")
		}
		p.Kind = model.Kind(kind)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate planned")
}

func (s *SQLiteStore) LoadObserved(ctx context.Context, scope string) ([]model.ObservedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, identifier, latitude, longitude, project_scope, collected_at FROM observed_assets WHERE project_scope = ? ORDER BY id`,
		scope,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load observed %s", scope)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ObservedRecord
	for rows.Next() {
		var o model.ObservedRecord
		var kind string
		if err := rows.Scan(&o.ID, &kind, &o.Identifier, &o.Latitude, &o.Longitude, &o.ProjectScope, &o.CollectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observed")
		}
		o.Kind = model.Kind(kind)
		o.CollectedAt = o.CollectedAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate observed")
}

func (s *SQLiteStore) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_scope FROM planned_assets ORDER BY project_scope`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scopes")
	}
	defer rows.Close() //nolint:errcheck

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scope")
		}
		scopes = append(scopes, scope)
	}
	return scopes, eris.Wrap(rows.Err(), "sqlite: iterate scopes")
}

func (s *SQLiteStore) UpsertPlanned(ctx context.Context, records []model.PlannedRecord) (int64, error) {
	records = dedupePlanned(records)
	now := time.Now().UTC()
	return s.execBatch(ctx, "upsert planned",
		`INSERT INTO planned_assets (project_scope, id, kind, identifier, latitude, longitude, geom_ewkb, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_scope, id) DO UPDATE SET
			kind = excluded.kind, identifier = excluded.identifier,
			latitude = excluded.latitude, longitude = excluded.longitude,
			geom_ewkb = excluded.geom_ewkb, updated_at = excluded.updated_at`,
		len(records), func(i int) ([]any, error) {
			p := records[i]
			pt, err := spatial.PointEWKB(p.Latitude, p.Longitude)
			if err != nil {
				return nil, err
			}
			return []any{p.ProjectScope, p.ID, string(p.Kind), p.Identifier, p.Latitude, p.Longitude, nullBlob(pt), now}, nil
		})
}

func (s *SQLiteStore) UpsertObserved(ctx context.Context, records []model.ObservedRecord) (int64, error) {
	records = dedupeObserved(records)
	now := time.Now().UTC()
	return s.execBatch(ctx, "upsert observed",
		`INSERT INTO observed_assets (project_scope, id, kind, identifier, latitude, longitude, geom_ewkb, collected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_scope, id) DO UPDATE SET
			kind = excluded.kind, identifier = excluded.identifier,
			latitude = excluded.latitude, longitude = excluded.longitude,
			geom_ewkb = excluded.geom_ewkb, collected_at = excluded.collected_at,
			updated_at = excluded.updated_at`,
		len(records), func(i int) ([]any, error) {
			o := records[i]
			pt, err := spatial.PointEWKB(o.Latitude, o.Longitude)
			if err != nil {
				return nil, err
			}
			return []any{o.ProjectScope, o.ID, string(o.Kind), o.Identifier, o.Latitude, o.Longitude, nullBlob(pt), o.CollectedAt.UTC(), now}, nil
		})
}

// --- Mappings ---

func (s *SQLiteStore) UpsertMappings(ctx context.Context, mappings []model.ConfirmedMapping) (int64, error) {
	mappings = dedupeMappings(mappings)
	now := time.Now().UTC()
	return s.execBatch(ctx, "upsert mappings",
		`INSERT INTO asset_mappings (project_scope, planned_identifier, observed_identifier, planned_id, observed_id, kind, match_type, confidence, distance_meters, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_scope, planned_identifier, observed_identifier) DO UPDATE SET
			planned_id = excluded.planned_id, observed_id = excluded.observed_id, kind = excluded.kind,
			match_type = excluded.match_type, confidence = excluded.confidence,
			distance_meters = excluded.distance_meters, updated_at = excluded.updated_at`,
		len(mappings), func(i int) ([]any, error) {
			m := mappings[i]
			return []any{
				m.ProjectScope, m.PlannedIdentifier, m.ObservedIdentifier, m.PlannedID, m.ObservedID,
				string(m.Kind), string(m.MatchType), m.Confidence, m.DistanceMeters, now, now,
			}, nil
		})
}

func (s *SQLiteStore) ListMappings(ctx context.Context, scope string) ([]model.ConfirmedMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_scope, planned_identifier, observed_identifier, planned_id, observed_id, kind, match_type, confidence, distance_meters, created_at, updated_at
		FROM asset_mappings WHERE project_scope = ? ORDER BY planned_identifier, observed_identifier`,
		scope,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list mappings %s", scope)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ConfirmedMapping
	for rows.Next() {
		var m model.ConfirmedMapping
		var kind, matchType string
		if err := rows.Scan(&m.ProjectScope, &m.PlannedIdentifier, &m.ObservedIdentifier, &m.PlannedID, &m.ObservedID,
			&kind, &matchType, &m.Confidence, &m.DistanceMeters, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		m.Kind = model.Kind(kind)
		m.MatchType = model.MatchType(matchType)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate mappings")
}

// execBatch runs stmt once per row inside a single transaction.
func (s *SQLiteStore) execBatch(ctx context.Context, op, stmt string, n int, args func(i int) ([]any, error)) (int64, error) {
	if n == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s: begin tx", op)
	}
	defer tx.Rollback() //nolint:errcheck

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s: prepare", op)
	}
	defer prepared.Close() //nolint:errcheck

	var total int64
	for i := 0; i < n; i++ {
		a, err := args(i)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: %s: row %d", op, i)
		}
		res, err := prepared.ExecContext(ctx, a...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: %s: row %d", op, i)
		}
		affected, _ := res.RowsAffected()
		total += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s: commit", op)
	}
	return total, nil
}

// --- Run log ---

func (s *SQLiteStore) CreateRun(ctx context.Context, scope string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconcile_runs (id, project_scope, status, started_at) VALUES (?, ?, ?, ?)`,
		id, scope, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for %s", scope)
	}

	return &model.Run{
		ID:           id,
		ProjectScope: scope,
		Status:       model.RunStatusRunning,
		StartedAt:    now,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, stats model.RunStats) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, stats, nil)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, stats model.RunStats, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.finishRun(ctx, runID, model.RunStatusFailed, stats, &msg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, errMsg *string) error {
	byStrategy, err := json.Marshal(stats.ByStrategy)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal strategy counts")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE reconcile_runs SET status = ?, planned = ?, observed = ?, rejected = ?, matched = ?, upserted = ?, by_strategy = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), stats.Planned, stats.Observed, stats.Rejected, stats.Matched, stats.Upserted,
		string(byStrategy), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT id, project_scope, status, planned, observed, rejected, matched, upserted, by_strategy, error, started_at, completed_at FROM reconcile_runs WHERE 1=1`
	var args []any

	if filter.ProjectScope != "" {
		query += ` AND project_scope = ?`
		args = append(args, filter.ProjectScope)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var byStrategy, errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ProjectScope, &status, &r.Stats.Planned, &r.Stats.Observed, &r.Stats.Rejected,
			&r.Stats.Matched, &r.Stats.Upserted, &byStrategy, &errMsg, &r.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.Error = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if byStrategy.Valid && byStrategy.String != "" && byStrategy.String != "null" {
			if err := json.Unmarshal([]byte(byStrategy.String), &r.Stats.ByStrategy); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal strategy counts")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// --- Run lock ---

var unsafeLockChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AcquireRunLock takes an exclusive file lock next to the database, one per scope.
func (s *SQLiteStore) AcquireRunLock(_ context.Context, scope string) (func(), error) {
	name := "reconcile-" + unsafeLockChars.ReplaceAllString(scope, "_") + ".lock"
	fl := flock.New(filepath.Join(s.lockDir, name))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: acquire run lock %s", scope)
	}
	if !locked {
		return nil, eris.Wrapf(ErrScopeLocked, "sqlite: scope %s", scope)
	}
	return func() { _ = fl.Unlock() }, nil
}

// nullBlob keeps a missing geometry NULL instead of an empty blob.
func nullBlob(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
