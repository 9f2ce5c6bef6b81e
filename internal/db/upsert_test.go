package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mappingUpsertConfig() UpsertConfig {
	return UpsertConfig{
		Table:        "public.asset_mappings",
		Columns:      []string{"project_scope", "planned_identifier", "observed_identifier", "confidence"},
		ConflictKeys: []string{"project_scope", "planned_identifier", "observed_identifier"},
		Touch:        []string{"updated_at"},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, mappingUpsertConfig(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "public.asset_mappings",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "public.asset_mappings",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := mappingUpsertConfig()
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_public_asset_mappings"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "public"."asset_mappings" .+ ON CONFLICT .+ DO UPDATE SET .+"updated_at" = now\(\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{
		{"scope-a", "LAW.P.A001", "LAW.P.A001", 0.95},
		{"scope-a", "LAW.P.B850", "LAW.P.850", 0.55},
	}
	n, err := BulkUpsert(context.Background(), mock, cfg, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := mappingUpsertConfig()
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_public_asset_mappings"}, cfg.Columns).
		WillReturnError(errors.New("conn closed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"s", "a", "b", 0.9}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL_DoNothingWithoutUpdates(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "planned_assets",
		Columns:      []string{"project_scope", "id"},
		ConflictKeys: []string{"project_scope", "id"},
	}
	sql := upsertSQL(cfg, tempTableName(cfg.Table), updateColumns(cfg))
	assert.Contains(t, sql, `ON CONFLICT ("project_scope", "id") DO NOTHING`)
}

func TestUpdateColumns_ExcludesConflictKeys(t *testing.T) {
	cols := updateColumns(mappingUpsertConfig())
	assert.Equal(t, []string{"confidence"}, cols)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.asset_mappings", `"public"."asset_mappings"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
