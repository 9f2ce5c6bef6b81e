package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/asset-reconcile/internal/db"
	"github.com/sells-group/asset-reconcile/internal/model"
	"github.com/sells-group/asset-reconcile/internal/spatial"
)

// PostgresStore implements Store using pgxpool.
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

	// Apply pool sizing from config with sensible defaults.
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS planned_assets (
	project_scope TEXT NOT NULL,
	id            TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'pole',
	identifier    TEXT NOT NULL DEFAULT '',
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	geom_ewkb     BYTEA,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_scope, id)
);

CREATE TABLE IF NOT EXISTS observed_assets (
	project_scope TEXT NOT NULL,
	id            TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'pole',
	identifier    TEXT NOT NULL DEFAULT '',
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	geom_ewkb     BYTEA,
	collected_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_scope, id)
);

CREATE INDEX IF NOT EXISTS idx_planned_assets_identifier ON planned_assets(project_scope, identifier);
CREATE INDEX IF NOT EXISTS idx_observed_assets_identifier ON observed_assets(project_scope, identifier);

CREATE TABLE IF NOT EXISTS asset_mappings (
	project_scope       TEXT NOT NULL,
	planned_identifier  TEXT NOT NULL,
	observed_identifier TEXT NOT NULL,
	planned_id          TEXT NOT NULL,
	observed_id         TEXT NOT NULL,
	kind                TEXT NOT NULL DEFAULT 'pole',
	match_type          TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	distance_meters     DOUBLE PRECISION,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_scope, planned_identifier, observed_identifier)
);

CREATE INDEX IF NOT EXISTS idx_asset_mappings_match_type ON asset_mappings(project_scope, match_type);

CREATE TABLE IF NOT EXISTS reconcile_runs (
	id            TEXT PRIMARY KEY,
	project_scope TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	planned       INTEGER NOT NULL DEFAULT 0,
	observed      INTEGER NOT NULL DEFAULT 0,
	rejected      INTEGER NOT NULL DEFAULT 0,
	matched       INTEGER NOT NULL DEFAULT 0,
	upserted      BIGINT NOT NULL DEFAULT 0,
	by_strategy   JSONB,
	error         TEXT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reconcile_runs_scope ON reconcile_runs(project_scope, started_at DESC);
`

// Migrate creates the inventory, mapping and run tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Inventory ---

func (s *PostgresStore) LoadPlanned(ctx context.Context, scope string) ([]model.PlannedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, identifier, latitude, longitude, project_scope FROM planned_assets WHERE project_scope = $1 ORDER BY id`,
		scope,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load planned %s", scope)
	}
	defer rows.Close()

	var out []model.PlannedRecord
	for rows.Next() {
		var p model.PlannedRecord
		var kind string
		if err := rows.Scan(&p.ID, &kind, &p.Identifier, &p.Latitude, &p.Longitude, &p.ProjectScope); err != nil {
			return nil, eris.Wrap(err, "postgres: scan planned")
		}
		p.Kind = model.Kind(kind)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate planned")
}

func (s *PostgresStore) LoadObserved(ctx context.Context, scope string) ([]model.ObservedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, identifier, latitude, longitude, project_scope, collected_at FROM observed_assets WHERE project_scope = $1 ORDER BY id`,
		scope,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load observed %s", scope)
	}
	defer rows.Close()

	var out []model.ObservedRecord
	for rows.Next() {
		var o model.ObservedRecord
		var kind string
		if err := rows.Scan(&o.ID, &kind, &o.Identifier, &o.Latitude, &o.Longitude, &o.ProjectScope, &o.CollectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observed")
		}
		o.Kind = model.Kind(kind)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate observed")
}

func (s *PostgresStore) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT project_scope FROM planned_assets ORDER BY project_scope`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scopes")
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scope")
		}
		scopes = append(scopes, scope)
	}
	return scopes, eris.Wrap(rows.Err(), "postgres: iterate scopes")
}

var plannedUpsert = db.UpsertConfig{
	Table:        "planned_assets",
	Columns:      []string{"project_scope", "id", "kind", "identifier", "latitude", "longitude", "geom_ewkb"},
	ConflictKeys: []string{"project_scope", "id"},
	Touch:        []string{"updated_at"},
}

var observedUpsert = db.UpsertConfig{
	Table:        "observed_assets",
	Columns:      []string{"project_scope", "id", "kind", "identifier", "latitude", "longitude", "geom_ewkb", "collected_at"},
	ConflictKeys: []string{"project_scope", "id"},
	Touch:        []string{"updated_at"},
}

var mappingUpsert = db.UpsertConfig{
	Table: "asset_mappings",
	Columns: []string{
		"project_scope", "planned_identifier", "observed_identifier",
		"planned_id", "observed_id", "kind", "match_type", "confidence", "distance_meters",
	},
	ConflictKeys: []string{"project_scope", "planned_identifier", "observed_identifier"},
	Touch:        []string{"updated_at"},
}

func (s *PostgresStore) UpsertPlanned(ctx context.Context, records []model.PlannedRecord) (int64, error) {
	records = dedupePlanned(records)
	rows := make([][]any, 0, len(records))
	for _, p := range records {
		pt, err := spatial.PointEWKB(p.Latitude, p.Longitude)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode planned %s", p.ID)
		}
		rows = append(rows, []any{p.ProjectScope, p.ID, string(p.Kind), p.Identifier, p.Latitude, p.Longitude, pt})
	}
	n, err := db.BulkUpsert(ctx, s.pool, plannedUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert planned")
}

func (s *PostgresStore) UpsertObserved(ctx context.Context, records []model.ObservedRecord) (int64, error) {
	records = dedupeObserved(records)
	rows := make([][]any, 0, len(records))
	for _, o := range records {
		pt, err := spatial.PointEWKB(o.Latitude, o.Longitude)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode observed %s", o.ID)
		}
		rows = append(rows, []any{o.ProjectScope, o.ID, string(o.Kind), o.Identifier, o.Latitude, o.Longitude, pt, o.CollectedAt})
	}
	n, err := db.BulkUpsert(ctx, s.pool, observedUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert observed")
}

// --- Mappings ---

func (s *PostgresStore) UpsertMappings(ctx context.Context, mappings []model.ConfirmedMapping) (int64, error) {
	mappings = dedupeMappings(mappings)
	rows := make([][]any, len(mappings))
	for i, m := range mappings {
		rows[i] = []any{
			m.ProjectScope, m.PlannedIdentifier, m.ObservedIdentifier,
			m.PlannedID, m.ObservedID, string(m.Kind), string(m.MatchType), m.Confidence, m.DistanceMeters,
		}
	}
	n, err := db.BulkUpsert(ctx, s.pool, mappingUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert mappings")
}

func (s *PostgresStore) ListMappings(ctx context.Context, scope string) ([]model.ConfirmedMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_scope, planned_identifier, observed_identifier, planned_id, observed_id, kind, match_type, confidence, distance_meters, created_at, updated_at
		FROM asset_mappings WHERE project_scope = $1 ORDER BY planned_identifier, observed_identifier`,
		scope,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list mappings %s", scope)
	}
	defer rows.Close()

	var out []model.ConfirmedMapping
	for rows.Next() {
		var m model.ConfirmedMapping
		var kind, matchType string
		if err := rows.Scan(&m.ProjectScope, &m.PlannedIdentifier, &m.ObservedIdentifier, &m.PlannedID, &m.ObservedID,
			&kind, &matchType, &m.Confidence, &m.DistanceMeters, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		m.Kind = model.Kind(kind)
		m.MatchType = model.MatchType(matchType)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate mappings")
}

// --- Run log ---

func (s *PostgresStore) CreateRun(ctx context.Context, scope string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconcile_runs (id, project_scope, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, scope, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for %s", scope)
	}

	return &model.Run{
		ID:           id,
		ProjectScope: scope,
		Status:       model.RunStatusRunning,
		StartedAt:    now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, stats model.RunStats) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, stats, nil)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, stats model.RunStats, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.finishRun(ctx, runID, model.RunStatusFailed, stats, &msg)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, errMsg *string) error {
	byStrategy, err := json.Marshal(stats.ByStrategy)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal strategy counts")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE reconcile_runs SET status = $1, planned = $2, observed = $3, rejected = $4, matched = $5, upserted = $6, by_strategy = $7, error = $8, completed_at = $9 WHERE id = $10`,
		string(status), stats.Planned, stats.Observed, stats.Rejected, stats.Matched, stats.Upserted,
		byStrategy, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT id, project_scope, status, planned, observed, rejected, matched, upserted, by_strategy, error, started_at, completed_at FROM reconcile_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectScope != "" {
		query += fmt.Sprintf(` AND project_scope = $%d`, argIdx)
		args = append(args, filter.ProjectScope)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var byStrategy []byte
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.ProjectScope, &status, &r.Stats.Planned, &r.Stats.Observed, &r.Stats.Rejected,
			&r.Stats.Matched, &r.Stats.Upserted, &byStrategy, &errMsg, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if errMsg != nil {
			r.Error = *errMsg
		}
		if len(byStrategy) > 0 {
			if err := json.Unmarshal(byStrategy, &r.Stats.ByStrategy); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal strategy counts")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// --- Run lock ---

// AcquireRunLock takes a transaction-scoped advisory lock keyed on the scope.
// The lock lives as long as the transaction; release rolls it back.
func (s *PostgresStore) AcquireRunLock(ctx context.Context, scope string) (func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin run lock")
	}

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, lockKey(scope)).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrapf(err, "postgres: acquire run lock %s", scope)
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrapf(ErrScopeLocked, "postgres: scope %s", scope)
	}

	return func() { _ = tx.Rollback(context.Background()) }, nil
}

func lockKey(scope string) string {
	return "reconcile:" + scope
}
