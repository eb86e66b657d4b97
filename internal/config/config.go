// Package config resolves settings from flags, the environment and an
// optional .env file in the workspace.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrMissing is returned when a required setting is not configured.
var ErrMissing = errors.New("missing required setting")

// Workspace layout, relative to the workspace directory.
const (
	EnvFile      = ".env"
	MappingFile  = "docs/mapping.yml"
	DatasetDir   = "csv"
	ManifestFile = "manifest.json"
	ReportFile   = "verification_report.json"
	StateDir     = ".csvmirror"
)

// Defaults.
const (
	DefaultPrefix = "7H_"
	DefaultPace   = 350 * time.Millisecond
	DefaultBurst  = 1
)

// Setting keys. Each is bound to an environment variable and, where a flag
// exists, to that flag.
const (
	KeyDir         = "dir"
	KeyToken       = "token"
	KeyParentPage  = "parent_page"
	KeyPrefix      = "prefix"
	KeyDryRun      = "dry_run"
	KeyForceCreate = "force_create"
	KeyAutoDedupe  = "auto_dedupe"
	KeyPace        = "pace"
	KeyBurst       = "burst"
	KeyReadPace    = "read_pace"
	KeyAPIURL      = "api_url"
	KeyAPIVersion  = "api_version"
	KeyLogLevel    = "log_level"
	KeyLogFormat   = "log_format"
	KeyLogFile     = "log_file"
)

var envNames = map[string]string{
	KeyDir:         "CSVMIRROR_DIR",
	KeyToken:       "NOTION_TOKEN",
	KeyParentPage:  "NOTION_PARENT_PAGE_ID",
	KeyPrefix:      "DB_PREFIX",
	KeyDryRun:      "DRY_RUN",
	KeyForceCreate: "FORCE_CREATE_DB",
	KeyAutoDedupe:  "AUTO_DEDUPE",
	KeyPace:        "CSVMIRROR_PACE",
	KeyBurst:       "CSVMIRROR_BURST",
	KeyReadPace:    "CSVMIRROR_READ_PACE",
	KeyAPIURL:      "NOTION_API_URL",
	KeyAPIVersion:  "NOTION_VERSION",
	KeyLogLevel:    "CSVMIRROR_LOG_LEVEL",
	KeyLogFormat:   "CSVMIRROR_LOG_FORMAT",
	KeyLogFile:     "CSVMIRROR_LOG_FILE",
}

// flagNames maps setting keys to the CLI flags that override them.
var flagNames = map[string]string{
	KeyDir:         "dir",
	KeyDryRun:      "dry-run",
	KeyForceCreate: "force-create",
	KeyAutoDedupe:  "auto-dedupe",
	KeyLogLevel:    "log-level",
	KeyLogFormat:   "log-format",
	KeyLogFile:     "log-file",
}

// Config is the resolved configuration of one invocation.
type Config struct {
	Dir          string
	Token        string
	ParentPageID string
	Prefix       string
	DryRun       bool
	ForceCreate  bool
	AutoDedupe   bool
	Pace         time.Duration
	Burst        int
	ReadPace     time.Duration
	APIURL       string
	APIVersion   string
	LogLevel     string
	LogFormat    string
	LogFile      string
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDir, ".")
	v.SetDefault(KeyPrefix, DefaultPrefix)
	v.SetDefault(KeyPace, DefaultPace)
	v.SetDefault(KeyBurst, DefaultBurst)
	v.SetDefault(KeyReadPace, time.Duration(0))
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	for key, env := range envNames {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// BindFlags lets the given flags override environment values. Flags that are
// not defined in fs are ignored.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, name := range flagNames {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadEnvFile reads dir/.env into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadEnvFile(dir string) error {
	path := filepath.Join(dir, EnvFile)
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration. The workspace .env is read first so its
// values are visible through the environment bindings.
func Load(v *viper.Viper) (*Config, error) {
	dir := v.GetString(KeyDir)
	if err := LoadEnvFile(dir); err != nil {
		return nil, err
	}
	c := &Config{
		Dir:          dir,
		Token:        strings.TrimSpace(v.GetString(KeyToken)),
		ParentPageID: strings.TrimSpace(v.GetString(KeyParentPage)),
		Prefix:       v.GetString(KeyPrefix),
		DryRun:       v.GetBool(KeyDryRun),
		ForceCreate:  v.GetBool(KeyForceCreate),
		AutoDedupe:   v.GetBool(KeyAutoDedupe),
		Pace:         v.GetDuration(KeyPace),
		Burst:        v.GetInt(KeyBurst),
		ReadPace:     v.GetDuration(KeyReadPace),
		APIURL:       v.GetString(KeyAPIURL),
		APIVersion:   v.GetString(KeyAPIVersion),
		LogLevel:     v.GetString(KeyLogLevel),
		LogFormat:    v.GetString(KeyLogFormat),
		LogFile:      v.GetString(KeyLogFile),
	}
	if c.Burst < 1 {
		return nil, fmt.Errorf("%s must be at least 1, got %d", envNames[KeyBurst], c.Burst)
	}
	if c.Pace < 0 || c.ReadPace < 0 {
		return nil, fmt.Errorf("pacing intervals must not be negative")
	}
	return c, nil
}

// RequireToken fails when no API token is configured.
func (c *Config) RequireToken() error {
	if c.Token == "" {
		return fmt.Errorf("%w: %s (add it to %s or the environment)", ErrMissing, envNames[KeyToken], EnvFile)
	}
	return nil
}

// Path joins a workspace-relative path onto the workspace directory.
func (c *Config) Path(rel string) string {
	return filepath.Join(c.Dir, filepath.FromSlash(rel))
}

// MappingPath returns the mapping file location.
func (c *Config) MappingPath() string { return c.Path(MappingFile) }

// DatasetPath returns the directory holding the source datasets.
func (c *Config) DatasetPath() string { return c.Path(DatasetDir) }

// ManifestPath returns the manifest location.
func (c *Config) ManifestPath() string { return c.Path(ManifestFile) }

// ReportPath returns the default verification report location.
func (c *Config) ReportPath() string { return c.Path(ReportFile) }

// StatePath returns the directory holding the ledger and run lock.
func (c *Config) StatePath() string { return c.Path(StateDir) }
