package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/asset-reconcile/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(1500 * time.Millisecond)
	runs := []model.Run{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			ProjectScope: "LAW",
			Status:       model.RunStatusComplete,
			Stats:        model.RunStats{Planned: 120, Matched: 97, Rejected: 3},
			StartedAt:    now,
			CompletedAt:  &done,
		},
		{
			ID:           "def12345-6789-0000-0000-000000000000",
			ProjectScope: "MOH",
			Status:       model.RunStatusFailed,
			Error:        "reconcile: persist mappings: database is locked by another writer for too long",
			StartedAt:    now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "LAW")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "97")
	assert.Contains(t, output, "1.5s")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "...")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
