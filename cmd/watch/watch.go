package watch

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/errors"
)

// New creates a new `watch` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the configured save directories and back them up",
		Long: "Watch the save directories of every configured game. After the\n" +
			"saves settle and the game is closed, a snapshot is captured and\n" +
			"uploaded to the backup store. Runs until interrupted.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := util.NewPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.WithError(err).Debug("Failed to close pipeline")
		}
	}()

	if err := p.Run(ctx); err != nil {
		return errors.WithContext(err, "watch")
	}
	log.Info("Stopped watching")
	return nil
}
