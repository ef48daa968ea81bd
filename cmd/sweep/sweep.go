package sweep

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/errors"
)

// New creates a new `sweep` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired restore workspaces",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	p, err := util.NewPipeline(context.Background())
	if err != nil {
		return err
	}
	defer p.Close()

	removed, err := p.Sweep()
	for _, path := range removed {
		fmt.Printf("Deleted %s\n", path)
	}
	if err != nil {
		return errors.WithContext(err, "sweep")
	}
	if len(removed) == 0 {
		fmt.Println("No expired restore workspaces.")
	}
	return nil
}
