package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/asset-reconcile/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS asset_mappings`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadPlanned(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	lat, lon := -26.2, 28.0
	mock.ExpectQuery(`SELECT id, kind, identifier, latitude, longitude, project_scope FROM planned_assets WHERE project_scope = \$1`).
		WithArgs("LAW").
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "identifier", "latitude", "longitude", "project_scope"}).
			AddRow("P1", "pole", "LAW.P.B850", &lat, &lon, "LAW").
			AddRow("P2", "drop", "VF079", (*float64)(nil), (*float64)(nil), "LAW"))

	got, err := s.LoadPlanned(context.Background(), "LAW")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.KindPole, got[0].Kind)
	require.NotNil(t, got[0].Latitude)
	assert.InDelta(t, -26.2, *got[0].Latitude, 1e-9)
	assert.Equal(t, model.KindDrop, got[1].Kind)
	assert.Nil(t, got[1].Latitude)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadObserved_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM observed_assets`).
		WithArgs("LAW").
		WillReturnError(errors.New("connection refused"))

	_, err := s.LoadObserved(context.Background(), "LAW")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: load observed LAW")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListScopes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT project_scope FROM planned_assets`).
		WillReturnRows(pgxmock.NewRows([]string{"project_scope"}).AddRow("LAW").AddRow("MOH"))

	scopes, err := s.ListScopes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"LAW", "MOH"}, scopes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertMappings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_asset_mappings"}, mappingUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "asset_mappings" .* ON CONFLICT \("project_scope", "planned_identifier", "observed_identifier"\) DO UPDATE SET .*"updated_at" = now\(\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertMappings(context.Background(), []model.ConfirmedMapping{
		{ProjectScope: "LAW", PlannedIdentifier: "VF079", ObservedIdentifier: "VF079", PlannedID: "P2", ObservedID: "O2", MatchType: model.MatchExact, Confidence: 0.95},
		{ProjectScope: "LAW", PlannedIdentifier: "P3", ObservedIdentifier: "O3", PlannedID: "P3", ObservedID: "O3", MatchType: model.MatchProximity, Confidence: 0.766, DistanceMeters: model.Float(12)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertPlanned_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.UpsertPlanned(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertObserved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_observed_assets"}, observedUpsert.Columns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "observed_assets"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertObserved(context.Background(), []model.ObservedRecord{
		{ID: "O1", Identifier: "LAW.P.850", Latitude: model.Float(-26.2), Longitude: model.Float(28.0), ProjectScope: "LAW", CollectedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMappings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	d := 12.0
	mock.ExpectQuery(`FROM asset_mappings WHERE project_scope = \$1`).
		WithArgs("LAW").
		WillReturnRows(pgxmock.NewRows([]string{
			"project_scope", "planned_identifier", "observed_identifier", "planned_id", "observed_id",
			"kind", "match_type", "confidence", "distance_meters", "created_at", "updated_at",
		}).AddRow("LAW", "P3", "O3", "P3", "O3", "pole", "proximity", 0.766, &d, now, now))

	got, err := s.ListMappings(context.Background(), "LAW")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MatchProximity, got[0].MatchType)
	require.NotNil(t, got[0].DistanceMeters)
	assert.InDelta(t, 12, *got[0].DistanceMeters, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO reconcile_runs`).
		WithArgs(pgxmock.AnyArg(), "LAW", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "LAW")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE reconcile_runs SET status = \$1`).
		WithArgs("complete", 0, 0, 0, 0, int64(0), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", model.RunStats{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE reconcile_runs SET status = \$1`).
		WithArgs("failed", 2, 0, 0, 0, int64(0), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailRun(context.Background(), "run-1", model.RunStats{Planned: 2}, errors.New("boom"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Now().UTC().Add(-time.Minute)
	completed := time.Now().UTC()
	errMsg := "boom"
	mock.ExpectQuery(`FROM reconcile_runs WHERE true AND project_scope = \$1 AND status = \$2 ORDER BY started_at DESC LIMIT \$3`).
		WithArgs("LAW", "failed", 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "project_scope", "status", "planned", "observed", "rejected", "matched", "upserted",
			"by_strategy", "error", "started_at", "completed_at",
		}).AddRow("run-1", "LAW", "failed", 4, 3, 1, 2, int64(0), []byte(`{"exact":2}`), &errMsg, started, &completed))

	runs, err := s.ListRuns(context.Background(), model.RunFilter{ProjectScope: "LAW", Status: model.RunStatusFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Equal(t, 2, runs[0].Stats.ByStrategy[model.MatchExact])
	require.NotNil(t, runs[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLock(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("reconcile:LAW").
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	release, err := s.AcquireRunLock(context.Background(), "LAW")
	require.NoError(t, err)
	release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireRunLock_Held(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs("reconcile:LAW").
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.AcquireRunLock(context.Background(), "LAW")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScopeLocked))
	assert.NoError(t, mock.ExpectationsWereMet())
}
