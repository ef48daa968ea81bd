package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	captureCmd "github.com/sidkik/savesync/cmd/capture"
	configCmd "github.com/sidkik/savesync/cmd/config"
	restoreCmd "github.com/sidkik/savesync/cmd/restore"
	"github.com/sidkik/savesync/cmd/status"
	"github.com/sidkik/savesync/cmd/sweep"
	syncCmd "github.com/sidkik/savesync/cmd/sync"
	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/cmd/version"
	"github.com/sidkik/savesync/cmd/watch"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "SAVESYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:   "savesync",
		Short: "Back up game saves and sync them between devices",
		Long: "savesync watches the save directories of your games. When a game\n" +
			"closes and its saves stop changing, the saves are archived and\n" +
			"uploaded to a Google Cloud Storage bucket, or to a mirror directory\n" +
			"when the bucket isn't available.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		captureCmd.New(),
		configCmd.New(),
		restoreCmd.New(),
		status.New(),
		sweep.New(),
		syncCmd.New(),
		version.New(),
		watch.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
