package status

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/savesync/pkg/capture"
	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/pipeline"
	"github.com/sidkik/savesync/pkg/snapshot"
	"github.com/sidkik/savesync/pkg/state"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d   time.Duration
		exp string
	}{
		{-time.Second, "0s"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "2m0s"},
		{2*time.Hour + 10*time.Minute + 20*time.Second, "2h10m0s"},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, formatDuration(test.d))
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	statuses := []pipeline.EntityStatus{
		{
			Entity: catalog.Entity{
				ID:       "game-a",
				Name:     "Game A",
				PlayTime: 3 * time.Hour,
				LatestBackup: &catalog.BackupRef{
					SnapshotID: "S1",
					CreatedAt:  now.Add(-2 * time.Hour),
					Device:     "laptop",
				},
				LatestLocalSnapshot: &snapshot.Snapshot{
					ID:        "S1",
					FileCount: 3,
					CreatedAt: now.Add(-2 * time.Hour),
				},
			},
			Phase: capture.Idle,
		},
		{
			Entity: catalog.Entity{ID: "game-b", Name: "Game B"},
			Runtime: state.Runtime{
				Running:   true,
				StartedAt: now.Add(-45 * time.Minute),
			},
			Phase: capture.Pending,
		},
	}

	var out bytes.Buffer
	printStatus(&out, statuses, now)

	printed := out.String()
	for _, exp := range []string{
		"Game A (game-a)",
		"3h0m0s",
		"2h0m0s ago from laptop",
		"3 files, 2h0m0s ago",
		"Game B (game-b)",
		"for 45m0s",
		"pending",
		"none",
	} {
		assert.Contains(t, printed, exp)
	}
}

func TestPrintStatusEmpty(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, nil, time.Now())
	assert.Equal(t, "No games are configured. Add them to the savesync config.\n", out.String())
}
