package restore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout io.Writer = os.Stdout
	stdin  io.Reader = os.Stdin
)

// New creates a new `restore` command.
func New() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <entity>",
		Short: "Replace a game's saves with its latest backup",
		Long: "Replace a game's save directory with the latest backup in the\n" +
			"backup store. The current saves are copied into a restore workspace\n" +
			"first, and are put back if the restore fails. The game must be closed.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], !force); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Don't prompt before restoring")
	return cmd
}

func run(entityID string, shouldPrompt bool) error {
	if shouldPrompt {
		confirmed, err := confirm(entityID)
		if err != nil {
			return errors.WithContext(err, "prompt")
		}
		if !confirmed {
			fmt.Fprintln(stdout, "Aborting.")
			return nil
		}
	}

	ctx := context.Background()
	p, err := util.NewPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	pp := util.NewProgressPrinter(stdout, fmt.Sprintf("Restoring %s...", entityID))
	go pp.Run()
	res, err := p.Restore(ctx, entityID)
	pp.Stop()
	if err != nil {
		return errors.WithContext(err, "restore")
	}

	fmt.Fprintf(stdout, "\nRestored %s. The previous saves were kept in %s.\n",
		entityID, res.Workspace)
	return nil
}

func confirm(entityID string) (bool, error) {
	fmt.Fprintf(stdout, "This will replace the saves of %s with its latest backup.\n"+
		"Continue? [y/N] ", entityID)
	resp, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
