package sync

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/errors"
)

// New creates a new `sync` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the catalog of games with the backup store",
		Long: "Merge the catalog in the backup store into the local state, and\n" +
			"push the result back. Games added on other devices show up locally\n" +
			"after a sync.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	ctx := context.Background()
	p, err := util.NewPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.SyncCatalog(ctx); err != nil {
		return errors.WithContext(err, "sync catalog")
	}
	fmt.Printf("Synced %d games.\n", len(p.State.Entities()))
	return nil
}
