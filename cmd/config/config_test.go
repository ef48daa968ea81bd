package config

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/savesync/pkg/config"
	"github.com/sidkik/savesync/pkg/errors"
)

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:       "No default or current answer",
			helpString: "explanation",
			prompt:     "prompt",
			stdin:      "user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:       "Current answer only, chose current answer",
			helpString: "explanation",
			prompt:     "prompt",
			currAnswer: "current answer",
			stdin:      "1\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. current answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "current answer",
		},
		{
			name:          "Default answer only, enter manually",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin: "2\n" +
				"user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Empty response picks the default",
			helpString:    "help",
			prompt:        "prompt",
			defaultAnswer: "one",
			currAnswer:    "two",
			stdin:         "\n",
			expPrompt: "help\n" +
				"prompt:\n" +
				"\n" +
				"\t1. one (recommended)\n" +
				"\t2. two\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "one",
		},
		{
			name:          "Different default answer and current answer, chose current answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "2\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "current answer",
		},
		{
			name:          "Invalid input",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "default answer",
			stdin: "invalid input\n" +
				"1\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
	}

	for _, test := range tests {
		out := bytes.NewBuffer(nil)
		stdout = out

		resp, err := promptUser(bufio.NewReader(strings.NewReader(test.stdin)),
			test.helpString, test.prompt, test.defaultAnswer, test.currAnswer)
		assert.NoError(t, err, test.name)
		assert.Equal(t, test.expResult, resp, test.name)
		assert.Equal(t, test.expPrompt, out.String(), test.name)
	}
}

func TestGameIDValidation(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"stardew-valley", true},
		{"game2", true},
		{"a", true},
		{"", false},
		{"Stardew", false},
		{"-game", false},
		{"game-", false},
		{"my game", false},
		{"../game", false},
		{strings.Repeat("xy", 32), false},
	}

	for _, test := range tests {
		msg, ok := gameIDValidationFn(test.input)
		assert.Equal(t, test.valid, ok, test.input)
		assert.Equal(t, test.valid, msg == "", test.input)
	}
}

func TestDeviceLabelValidation(t *testing.T) {
	_, ok := deviceLabelValidationFn("desktop")
	assert.True(t, ok)

	_, ok = deviceLabelValidationFn("  ")
	assert.False(t, ok)

	_, ok = deviceLabelValidationFn("home/desktop")
	assert.False(t, ok)
}

func TestGenerateConfig(t *testing.T) {
	existing := config.User{
		DeviceLabel: "old-name",
		MirrorDir:   "/mnt/sync/saves",
		Entities:    []config.Entity{{ID: "game-a", WatchRoot: "/saves/a"}},
	}
	parseUserConfig = func() (config.User, error) { return existing, nil }
	getHostname = func() (string, error) { return "desktop", nil }
	expandHome = func(string) (string, error) { return "/home/me/savesync-mirror", nil }

	tests := []struct {
		name    string
		cliOpts config.User
		stdin   string
		exp     config.User
	}{
		{
			name: "Prompts pick the defaults",
			// Pick the hostname, then keep the current mirror directory.
			stdin: "\n2\n",
			exp: config.User{
				DeviceLabel: "desktop",
				MirrorDir:   "/mnt/sync/saves",
				Entities:    existing.Entities,
			},
		},
		{
			name: "Invalid device names are asked again",
			stdin: "3\n" +
				"bad/name\n" +
				"3\n" +
				"laptop\n" +
				"3\n" +
				"/backups\n",
			exp: config.User{
				DeviceLabel: "laptop",
				MirrorDir:   "/backups",
				Entities:    existing.Entities,
			},
		},
		{
			name: "Flags skip the prompts",
			cliOpts: config.User{
				DeviceLabel: "steamdeck",
				MirrorDir:   "/media/sd/mirror",
				Remote:      &config.Remote{Bucket: "saves"},
			},
			exp: config.User{
				DeviceLabel: "steamdeck",
				MirrorDir:   "/media/sd/mirror",
				Remote:      &config.Remote{Bucket: "saves"},
				Entities:    existing.Entities,
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			stdout = bytes.NewBuffer(nil)
			stdin = strings.NewReader(test.stdin)

			cfg, err := generateConfig(test.cliOpts)
			require.NoError(t, err)
			assert.Equal(t, test.exp, cfg)
		})
	}
}

func TestAddGame(t *testing.T) {
	var written []config.User
	parseUserConfig = func() (config.User, error) {
		return config.User{
			DeviceLabel: "desktop",
			Entities:    []config.Entity{{ID: "game-a", WatchRoot: "/saves/a"}},
		}, nil
	}
	writeUserConfig = func(cfg config.User) error {
		written = append(written, cfg)
		return nil
	}
	stdout = bytes.NewBuffer(nil)

	err := addGame(config.Entity{ID: "game-a", WatchRoot: "/saves/other"})
	assert.Equal(t, errors.NewFriendlyError("The game %q is already configured.", "game-a"), err)

	err = addGame(config.Entity{ID: "Game B", WatchRoot: "/saves/b"})
	_, ok := err.(errors.FriendlyError)
	assert.True(t, ok)
	assert.Empty(t, written)

	require.NoError(t, addGame(config.Entity{
		ID:            "game-b",
		WatchRoot:     "saves/b",
		FileSelectors: []string{"*.sav"},
	}))
	require.Len(t, written, 1)
	require.Len(t, written[0].Entities, 2)

	added := written[0].Entities[1]
	assert.Equal(t, "game-b", added.ID)
	assert.True(t, filepath.IsAbs(added.WatchRoot))
	assert.Equal(t, []string{"*.sav"}, added.FileSelectors)
}
