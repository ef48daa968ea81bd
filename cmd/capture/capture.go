package capture

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/errors"
)

// New creates a new `capture` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <entity>",
		Short: "Back up a game's saves now",
		Long: "Capture a snapshot of a game's save files and upload it to the\n" +
			"backup store, without waiting for the saves to settle. The game\n" +
			"must be closed.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(entityID string) error {
	ctx := context.Background()
	p, err := util.NewPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	pp := util.NewProgressPrinter(os.Stdout, fmt.Sprintf("Backing up %s...", entityID))
	go pp.Run()
	snap, err := p.CaptureNow(ctx, entityID)
	pp.Stop()
	if err != nil {
		return errors.WithContext(err, "capture")
	}

	fmt.Printf("\nCaptured %d files (%d bytes) as snapshot %s.\n",
		snap.FileCount, snap.SizeBytes, snap.ID)
	return nil
}
