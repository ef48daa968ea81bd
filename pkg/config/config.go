package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/errors"
)

const badYAMLTemplate = "Failed to parse the savesync config at %q.\n" +
	"Check that every field has the right type, and that no field is " +
	"misspelled or unknown to this version of savesync.\n\n" +
	"Parser error: %s"

type versionMismatchError struct {
	path, want, got string
}

func (err versionMismatchError) Error() string {
	return err.FriendlyMessage()
}

func (err versionMismatchError) FriendlyMessage() string {
	return fmt.Sprintf("The savesync config at %q has version %q, but this "+
		"savesync binary reads version %q.\n"+
		"Run `savesync config` to rewrite it.", err.path, err.got, err.want)
}

// readUserFile reads the YAML user config at path. The version is read with a
// lenient parse first, so a config from another version reports the
// mismatch rather than whichever field changed.
func readUserFile(path string) (User, error) {
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return User{}, errors.FileNotFound{Path: path}
	}
	if err != nil {
		return User{}, errors.IOError{Op: "read", Path: path, Err: err}
	}

	var header struct {
		Version string `json:"version"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return User{}, errors.NewFriendlyError(badYAMLTemplate, path, err)
	}
	if header.Version == "" {
		header.Version = InitialUserConfigVersion
	}
	if header.Version != SupportedUserConfigVersion {
		return User{}, versionMismatchError{
			path: path,
			want: SupportedUserConfigVersion,
			got:  header.Version,
		}
	}

	cfg := User{Version: header.Version}
	if err := yaml.UnmarshalStrict(data, &cfg, yaml.DisallowUnknownFields); err != nil {
		return User{}, errors.NewFriendlyError(badYAMLTemplate, path, err)
	}
	return cfg, nil
}
