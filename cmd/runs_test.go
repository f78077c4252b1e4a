package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:     "abc12345-6789-0000-0000-000000000000",
			AOI:    "tampa_bay.geojson",
			Status: model.RunStatusComplete,
			Summary: &model.RunSummary{
				Mode: model.ModeCloud,
				Tiles: []model.TileSummary{
					{TileID: "r0000c0000", Status: model.TileStatusDispatched},
					{TileID: "r0000c0001", Status: model.TileStatusFailed},
				},
			},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			AOI:       "s3://aois/a-very-long-area-of-interest-name.geojson",
			Status:    model.RunStatusSelecting,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "AOI")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "tampa_bay.geojson")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "cloud")
	assert.Contains(t, output, "selecting")
	assert.Contains(t, output, "...")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestFormatDLQList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	entries := []resilience.DLQEntry{
		{
			ID:           "0123456789abcdef",
			RunID:        "fedcba9876543210",
			TileID:       "r0001c0002",
			Phase:        "dispatch",
			Error:        "compute: start export: 503 service unavailable while waiting for the export queue to drain",
			ErrorType:    resilience.ErrorTransient,
			RetryCount:   1,
			MaxRetries:   3,
			LastFailedAt: now,
		},
	}

	var buf bytes.Buffer
	formatDLQList(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "01234567")
	assert.Contains(t, output, "fedcba98")
	assert.Contains(t, output, "r0001c0002")
	assert.Contains(t, output, "dispatch")
	assert.Contains(t, output, "transient")
	assert.Contains(t, output, "1/3")
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, "drain")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
