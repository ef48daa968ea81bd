package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/pipeline"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `status` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the games being backed up and their latest backups",
		Run: func(_ *cobra.Command, _ []string) {
			p, err := util.NewPipeline(context.Background())
			if err != nil {
				util.HandleFatalError(err)
			}
			defer p.Close()

			printStatus(stdout, p.Entities(), time.Now())
		},
	}
}

func printStatus(out io.Writer, statuses []pipeline.EntityStatus, now time.Time) {
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No games are configured. Add them to the savesync config.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Game", "Running", "Capture", "Play Time", "Latest Backup", "Local Snapshot"})
	for _, status := range statuses {
		e := status.Entity

		running := "no"
		if status.Runtime.Running {
			running = fmt.Sprintf("for %s", formatDuration(now.Sub(status.Runtime.StartedAt)))
		}

		latestBackup := "none"
		if e.LatestBackup != nil {
			latestBackup = fmt.Sprintf("%s ago from %s",
				formatDuration(now.Sub(e.LatestBackup.CreatedAt)), e.LatestBackup.Device)
		}

		localSnapshot := "none"
		if e.LatestLocalSnapshot != nil {
			localSnapshot = fmt.Sprintf("%d files, %s ago",
				e.LatestLocalSnapshot.FileCount,
				formatDuration(now.Sub(e.LatestLocalSnapshot.CreatedAt)))
		}

		t.AppendRow(table.Row{
			fmt.Sprintf("%s (%s)", e.Name, e.ID),
			running,
			string(status.Phase),
			formatDuration(e.PlayTime),
			latestBackup,
			localSnapshot,
		})
	}
	t.Render()
}

// formatDuration rounds d for display. Durations under a minute are shown
// in seconds.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
