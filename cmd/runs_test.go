//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/workspace"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc123456789def0abc123456789def0",
			Status:    model.StageFinalize.Completed(),
			Phase:     model.PhaseDone,
			Mode:      model.ModeEmailAutoFinalize,
			Metrics:   model.Metrics{LeadsAfterDedup: 42},
			CreatedAt: now,
		},
		{
			ID:        "def456",
			Status:    model.StageResearch.Failed(),
			Phase:     model.PhaseResearch,
			Mode:      model.ModeManual,
			Error:     "research: pipeline: merge research parts: too many failed parts in this run",
			CreatedAt: now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc123456789")
	assert.Contains(t, output, "finalize_completed")
	assert.Contains(t, output, "email_auto_finalize")
	assert.Contains(t, output, "42")
	assert.Contains(t, output, "2026-06-15 10:30")
	assert.Contains(t, output, "research_failed")
	assert.Contains(t, output, "...")
}

func TestRunsStats(t *testing.T) {
	runs := []model.Run{
		{Status: model.StageFinalize.Completed(), EmailSent: true, Metrics: model.Metrics{LeadsAfterDedup: 10, ExecutionTimeSeconds: 60}},
		{Status: model.StageFinalize.Completed(), Metrics: model.Metrics{LeadsAfterDedup: 20, ExecutionTimeSeconds: 120}},
		{Status: model.StageIntake.Failed()},
		{Status: model.StageFinalize.Failed()},
		{Status: model.StatusCancelled},
		{Status: model.StageResearch.Running()},
		{Status: model.StatusCancelling},
		{Status: model.StageIntake.Completed()},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 8, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 2, s.InFlight)
	assert.Equal(t, 1, s.Other)
	assert.Equal(t, 1, s.EmailsSent)
	assert.InDelta(t, 15.0, s.AvgLeads, 0.001)
	assert.InDelta(t, 90.0, s.AvgDurSecs, 0.001)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Total runs:")
	assert.Contains(t, buf.String(), "1m30s")
}

func TestRunsStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.NotContains(t, buf.String(), "Avg")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdefgh", truncateID("abcdefghijkl"))
	assert.Equal(t, "abc", truncateID("abc"))
}

func TestFormatReclaim(t *testing.T) {
	var buf bytes.Buffer
	formatReclaim(&buf, &workspace.ReclaimResult{Removed: []string{"runs/run_old"}, Skipped: 2, Failed: 1})
	assert.Contains(t, buf.String(), "removed  runs/run_old")
	assert.Contains(t, buf.String(), "1 removed, 2 skipped, 1 failed")
}
