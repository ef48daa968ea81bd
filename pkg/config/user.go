package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the savesync user config.
	UserConfigPath = "~/.savesync.yaml"

	// DefaultStateDir holds the state document, local snapshot archives and
	// restore scratch workspaces.
	DefaultStateDir = "~/.savesync"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version will default to this
	// version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the user config
	// of the current binary.
	SupportedUserConfigVersion = "v1alpha1"

	DefaultSettleWindow       = 10 * time.Second
	DefaultStabilityThreshold = 1500 * time.Millisecond
	DefaultStabilityPoll      = 250 * time.Millisecond
	DefaultProcessPoll        = 5 * time.Second
	DefaultRetentionDays      = 7

	// MinProcessPoll is the lowest process poll interval we allow. Scanning
	// the process table more often than this is wasteful.
	MinProcessPoll = 5 * time.Second
)

// User contains the configuration for this device.
type User struct {
	Version     string `json:"version,omitempty"`
	DeviceLabel string `json:"deviceLabel,omitempty"`
	StateDir    string `json:"stateDir,omitempty"`

	SettleWindowMs       int `json:"settleWindowMs,omitempty"`
	StabilityThresholdMs int `json:"stabilityThresholdMs,omitempty"`
	StabilityPollMs      int `json:"stabilityPollMs,omitempty"`
	ProcessPollMs        int `json:"processPollMs,omitempty"`
	RetentionDays        int `json:"retentionDays,omitempty"`

	Remote      *Remote `json:"remote,omitempty"`
	MirrorDir   string  `json:"mirrorDir,omitempty"`
	MetricsAddr string  `json:"metricsAddr,omitempty"`

	Entities []Entity `json:"entities,omitempty"`
}

// Remote configures the shared object store.
type Remote struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	CredentialsFile string `json:"credentialsFile,omitempty"`
}

// Entity is a game whose save directory should be watched. The watch root
// and selectors are normally produced by the discovery tooling and written
// here.
type Entity struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	WatchRoot     string   `json:"watchRoot"`
	FileSelectors []string `json:"fileSelectors,omitempty"`
	Executable    string   `json:"executable,omitempty"`
}

// Timings are the pipeline's timing knobs with defaults applied.
type Timings struct {
	SettleWindow       time.Duration
	StabilityThreshold time.Duration
	StabilityPoll      time.Duration
	ProcessPoll        time.Duration
	Retention          time.Duration
}

// Timings converts the millisecond knobs into durations.
func (u User) Timings() Timings {
	timings := Timings{
		SettleWindow:       msOrDefault(u.SettleWindowMs, DefaultSettleWindow),
		StabilityThreshold: msOrDefault(u.StabilityThresholdMs, DefaultStabilityThreshold),
		StabilityPoll:      msOrDefault(u.StabilityPollMs, DefaultStabilityPoll),
		ProcessPoll:        msOrDefault(u.ProcessPollMs, DefaultProcessPoll),
		Retention:          DefaultRetentionDays * 24 * time.Hour,
	}
	if u.RetentionDays > 0 {
		timings.Retention = time.Duration(u.RetentionDays) * 24 * time.Hour
	}
	if timings.ProcessPoll < MinProcessPoll {
		timings.ProcessPoll = MinProcessPoll
	}
	return timings
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// StatePath is the path of the persisted state document.
func (u User) StatePath() string {
	return filepath.Join(u.StateDir, "state.json")
}

// SnapshotDir is where local snapshot archives are written.
func (u User) SnapshotDir() string {
	return filepath.Join(u.StateDir, "snapshots")
}

// ScratchDir is where restore workspaces are created.
func (u User) ScratchDir() string {
	return filepath.Join(u.StateDir, "restore-tmp")
}

// LockDir holds the per-entity lock files shared by every savesync process
// on this device.
func (u User) LockDir() string {
	return filepath.Join(u.StateDir, "locks")
}

// RemoteConfigured returns whether the user has pointed us at a bucket.
func (u User) RemoteConfigured() bool {
	return u.Remote != nil && u.Remote.Bucket != ""
}

// homedirExpand and getHostname will be overridden in mock tests.
var (
	homedirExpand = homedir.Expand
	getHostname   = os.Hostname
)

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config, err := readUserFile(path)
	if err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The savesync config "+
				"file doesn't exist at %q. Please run `savesync config` "+
				"to create it.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if err := config.normalize(filepath.Dir(path)); err != nil {
		return User{}, err
	}
	return config, nil
}

// normalize fills in defaults and expands paths. Relative paths are
// evaluated relative to the directory containing the config file.
func (u *User) normalize(configDir string) error {
	if u.DeviceLabel == "" {
		hostname, err := getHostname()
		if err != nil {
			return errors.WithContext(err, "get hostname")
		}
		u.DeviceLabel = hostname
	}

	if u.StateDir == "" {
		u.StateDir = DefaultStateDir
	}

	var err error
	if u.StateDir, err = expandPath(u.StateDir, configDir); err != nil {
		return errors.WithContext(err, "expand state dir")
	}
	if u.MirrorDir, err = expandPath(u.MirrorDir, configDir); err != nil {
		return errors.WithContext(err, "expand mirror dir")
	}
	if u.Remote != nil {
		if u.Remote.CredentialsFile, err = expandPath(u.Remote.CredentialsFile, configDir); err != nil {
			return errors.WithContext(err, "expand credentials file")
		}
	}

	seen := map[string]struct{}{}
	for i, entity := range u.Entities {
		if entity.ID == "" {
			return errors.NewFriendlyError("Entity #%d in the savesync config "+
				"does not have an id set. The id field is required.", i+1)
		}
		if !catalog.ValidID(entity.ID) {
			return errors.NewFriendlyError("Entity %q in the savesync config has "+
				"an invalid id. Ids may only contain lowercase letters, numbers "+
				"and `-`, and must not start or end with `-`.", entity.ID)
		}
		if _, ok := seen[entity.ID]; ok {
			return errors.NewFriendlyError("Entity %q is defined more than "+
				"once in the savesync config.", entity.ID)
		}
		seen[entity.ID] = struct{}{}

		if entity.WatchRoot == "" {
			return errors.WithContext(errors.MissingFieldError{Field: "watchRoot"}, entity.ID)
		}
		if u.Entities[i].WatchRoot, err = expandPath(entity.WatchRoot, configDir); err != nil {
			return errors.WithContext(err, "expand watch root")
		}
		if entity.Name == "" {
			u.Entities[i].Name = entity.ID
		}
	}
	return nil
}

func expandPath(path, relativeTo string) (string, error) {
	if path == "" {
		return "", nil
	}

	path, err := homedirExpand(path)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(relativeTo, path)
	}
	return filepath.Clean(path), nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's savesync configuration.
// This path is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
