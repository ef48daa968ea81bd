package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/savesync/cmd/util"
	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/config"
	"github.com/sidkik/savesync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	stdin           io.Reader = os.Stdin
	parseUserConfig           = config.ParseUser
	writeUserConfig           = config.WriteUser
	getHostname               = os.Hostname
	expandHome                = homedir.Expand
)

const defaultMirrorDir = "~/savesync-mirror"

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	var bucket, credentialsFile string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the savesync user configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if bucket != "" {
				cliOpts.Remote = &config.Remote{Bucket: bucket, CredentialsFile: credentialsFile}
			}
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.DeviceLabel, "device", "",
		"Set the name of this device, which is recorded in every backup. "+
			"Optional: If not set, `savesync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.MirrorDir, "mirror", "",
		"Set the directory that backups are mirrored to when the remote "+
			"bucket isn't available. "+
			"Optional: If not set, `savesync config` will interactively prompt.")
	cmd.Flags().StringVar(&bucket, "bucket", "",
		"Set the Google Cloud Storage bucket that backups are uploaded to.")
	cmd.Flags().StringVar(&credentialsFile, "credentials", "",
		"Set the path to the service account credentials for the bucket.")

	cmd.AddCommand(newAddGameCommand())

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-device",
			short: "Get the name of this device",
			fn:    func(cfg config.User) string { return cfg.DeviceLabel },
		},
		{
			use:   "get-state-dir",
			short: "Get the directory holding local state and snapshots",
			fn:    func(cfg config.User) string { return cfg.StateDir },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

func newAddGameCommand() *cobra.Command {
	var game config.Entity
	cmd := &cobra.Command{
		Use:   "add-game <id> <save directory>",
		Short: "Add a game whose save directory should be backed up",
		Args:  cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			game.ID, game.WatchRoot = args[0], args[1]
			if err := addGame(game); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&game.Name, "name", "", "The display name of the game.")
	cmd.Flags().StringVar(&game.Executable, "executable", "",
		"The path or name of the game's executable. "+
			"Backups wait for the game to close.")
	cmd.Flags().StringSliceVar(&game.FileSelectors, "select", nil,
		"Glob patterns, relative to the save directory, of the files to back "+
			"up. Defaults to every file.")
	return cmd
}

// SetupConfig writes the user config, prompting for any settings that weren't
// passed on the command line. Games in the existing config are kept.
func SetupConfig(cliOpts config.User) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func addGame(game config.Entity) error {
	if msg, ok := gameIDValidationFn(game.ID); !ok {
		return errors.NewFriendlyError("%s", msg)
	}

	cfg, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	for _, existing := range cfg.Entities {
		if existing.ID == game.ID {
			return errors.NewFriendlyError("The game %q is already configured.", game.ID)
		}
	}

	if game.WatchRoot, err = filepath.Abs(game.WatchRoot); err != nil {
		return errors.WithContext(err, "resolve save directory")
	}
	cfg.Entities = append(cfg.Entities, game)

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Added %s. Restart `savesync watch` to start backing it up.\n", game.ID)
	return nil
}

// gameIDValidationFn checks that an entity ID can be used as a path
// component in the backup store.
func gameIDValidationFn(id string) (string, bool) {
	if len(id) > catalog.MaxIDLength {
		return fmt.Sprintf("The game id must not be more than %d characters.",
			catalog.MaxIDLength), false
	}

	if !catalog.ValidID(id) {
		return "The game id contains invalid characters. " +
			"Please pick an id that only uses the following characters:\n" +
			"1) lowercase letters (a-z) \n" +
			"2) numbers (0-9) \n" +
			"3) - \n" +
			"Please ensure that your chosen id " +
			"does not start or end with the `-` character.", false
	}
	return "", true
}

func deviceLabelValidationFn(label string) (string, bool) {
	if strings.TrimSpace(label) == "" {
		return "The device name must not be empty.", false
	}
	if strings.ContainsAny(label, `/\`) {
		return "The device name must not contain slashes.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts config.User) (config.User, error) {
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	if cliOpts.DeviceLabel != "" {
		cfg.DeviceLabel = cliOpts.DeviceLabel
	}
	if cliOpts.MirrorDir != "" {
		cfg.MirrorDir = cliOpts.MirrorDir
	}
	if cliOpts.Remote != nil {
		cfg.Remote = cliOpts.Remote
	}

	var prompts []prompt
	if cliOpts.DeviceLabel == "" {
		defaultLabel, err := getHostname()
		if err != nil {
			log.WithError(err).Info("Failed to guess device name")
		}
		prompts = append(prompts, prompt{
			helpString: "Enter a name for this device.\n" +
				"It's recorded in every backup so that you can tell where it came from.",
			prompt:        "Device name",
			defaultAnswer: defaultLabel,
			currAnswer:    currConfig.DeviceLabel,
			field:         &cfg.DeviceLabel,
			validationFn:  deviceLabelValidationFn,
		})
	}

	if cliOpts.MirrorDir == "" {
		defaultMirror, err := expandHome(defaultMirrorDir)
		if err != nil {
			defaultMirror = ""
			log.WithError(err).Info("Failed to guess mirror directory")
		}
		prompts = append(prompts, prompt{
			helpString: "Enter the directory that backups are written to when no\n" +
				"Google Cloud Storage bucket is available.\n" +
				"A synced folder works well for sharing backups between devices.",
			prompt:        "Mirror directory",
			defaultAnswer: defaultMirror,
			currAnswer:    currConfig.MirrorDir,
			field:         &cfg.MirrorDir,
		})
	}

	in := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(in, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	return cfg, nil
}

func promptUser(in *bufio.Reader, helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Separate the fields with a blank line.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := in.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimSpace(choiceStr)

			// An empty response picks the first option.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(resp), nil
}
