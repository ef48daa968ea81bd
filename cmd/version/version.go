package version

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of savesync.",
		Long: "Print the version of savesync, and the format version of the\n" +
			"catalog in the backup store if one can be reached.",
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	fmt.Fprintf(stdout, "local version:  %s\n", version.Version)
	fmt.Fprintf(stdout, "catalog format: %d\n", catalog.CurrentVersion)

	doc, err := remoteCatalog()
	if err != nil {
		log.WithError(err).Debug("Failed to read the catalog from the backup store")
		return
	}
	if doc == nil {
		fmt.Fprintln(stdout, "store catalog:  none")
		return
	}
	fmt.Fprintf(stdout, "store catalog:  format %d, written by %s\n", doc.Version, doc.Device)
}

func remoteCatalog() (*catalog.Document, error) {
	ctx := context.Background()
	p, err := util.NewPipeline(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	store, err := p.ActiveStore()
	if err != nil {
		return nil, err
	}
	return store.LoadCatalog(ctx)
}
