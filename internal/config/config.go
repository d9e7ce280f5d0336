package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/adrg/xdg"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	_ "embed"
)

const (
	APP_NAME = "pester-adapter"

	USER_CONFIG_RELPATH     = APP_NAME + "/config.yaml"
	WORKSPACE_CONFIG_FILE   = ".pester-adapter.yaml"
	SCRIPTS_CACHE_RELPATH   = APP_NAME + "/scripts"
	RUN_STORE_DATA_RELPATH  = APP_NAME + "/runs.bbolt"
	INTERPRETER_ENV_VARNAME = "PESTER_ADAPTER_INTERPRETER"
	LOG_LEVEL_ENV_VARNAME   = "PESTER_ADAPTER_LOG_LEVEL"
)

var (
	//go:embed default_config.yaml
	DEFAULT_CONFIG_YAML string

	ErrEmptyInterpreter = errors.New("interpreter should not be empty")
)

// Config is the configuration of a session, the YAML keys are the ones documented in default_config.yaml.
type Config struct {
	Interpreter     string `yaml:"interpreter"`
	ScriptsDir      string `yaml:"scriptsDir"`
	DiscoveryScript string `yaml:"discoveryScript"`
	RunScript       string `yaml:"runScript"`

	FilePattern string `yaml:"filePattern"`
	TestsOnly   bool   `yaml:"testsOnly"`

	//Go duration string, see ProcessTimeoutDuration.
	ProcessTimeout         string `yaml:"processTimeout"`
	MaxConcurrentProcesses int    `yaml:"maxConcurrentProcesses"`
	MaxRunArgsLength       int    `yaml:"maxRunArgsLength"`

	RecordRuns   bool   `yaml:"recordRuns"`
	RunStorePath string `yaml:"runStorePath"`

	MinimumPesterVersion string `yaml:"minimumPesterVersion"`
	LogLevel             string `yaml:"logLevel"`
}

// Default returns the configuration described by the embedded default_config.yaml.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DEFAULT_CONFIG_YAML), &cfg); err != nil {
		panic(fmt.Errorf("invalid embedded default configuration: %w", err))
	}
	return cfg
}

// Load computes the configuration for a workspace folder: defaults, then the user configuration file,
// then the workspace configuration file, then environment variables. Missing files are ignored.
// workspaceFolder can be empty.
func Load(workspaceFolder string) (Config, error) {
	cfg := Default()

	if path, err := xdg.SearchConfigFile(USER_CONFIG_RELPATH); err == nil {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if workspaceFolder != "" {
		if err := mergeFile(&cfg, filepath.Join(workspaceFolder, WORKSPACE_CONFIG_FILE)); err != nil {
			return Config{}, err
		}
	}

	if s, ok := os.LookupEnv(INTERPRETER_ENV_VARNAME); ok && strings.TrimSpace(s) != "" {
		cfg.Interpreter = strings.TrimSpace(s)
	}

	if s, ok := os.LookupEnv(LOG_LEVEL_ENV_VARNAME); ok && strings.TrimSpace(s) != "" {
		cfg.LogLevel = strings.TrimSpace(s)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	previous := *cfg
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("invalid configuration file %s: %w", path, err)
	}

	//relative paths are relative to the directory of the file that sets them.
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return err
	}
	for _, field := range []struct{ value, previous *string }{
		{&cfg.ScriptsDir, &previous.ScriptsDir},
		{&cfg.RunStorePath, &previous.RunStorePath},
	} {
		if *field.value != *field.previous && *field.value != "" && !filepath.IsAbs(*field.value) {
			*field.value = filepath.Join(dir, *field.value)
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Interpreter) == "" {
		return ErrEmptyInterpreter
	}

	if c.DiscoveryScript == "" || c.RunScript == "" {
		return errors.New("discoveryScript and runScript should not be empty")
	}

	if !doublestar.ValidatePattern(c.FilePattern) {
		return fmt.Errorf("invalid file pattern %q", c.FilePattern)
	}

	timeout, err := time.ParseDuration(c.ProcessTimeout)
	if err != nil {
		return fmt.Errorf("invalid process timeout: %w", err)
	}
	if timeout <= 0 {
		return errors.New("process timeout should be positive")
	}

	if c.MaxConcurrentProcesses <= 0 {
		return errors.New("maxConcurrentProcesses should be positive")
	}

	if c.MaxRunArgsLength <= 0 {
		return errors.New("maxRunArgsLength should be positive")
	}

	if _, err := semver.NewVersion(c.MinimumPesterVersion); err != nil {
		return fmt.Errorf("invalid minimum Pester version %q: %w", c.MinimumPesterVersion, err)
	}

	return nil
}

// ProcessTimeoutDuration returns the parsed ProcessTimeout, Validate should have been called before.
func (c Config) ProcessTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ProcessTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// GetScriptsDir returns the configured scripts directory or the cache directory the embedded scripts
// are installed in.
func (c Config) GetScriptsDir() (string, error) {
	if c.ScriptsDir != "" {
		return filepath.Abs(c.ScriptsDir)
	}
	return filepath.Join(xdg.CacheHome, SCRIPTS_CACHE_RELPATH), nil
}

// GetRunStorePath returns the configured run store path or a path in the data directory,
// the parent directory is created if it does not exist.
func (c Config) GetRunStorePath() (string, error) {
	if c.RunStorePath != "" {
		return filepath.Abs(c.RunStorePath)
	}
	return xdg.DataFile(RUN_STORE_DATA_RELPATH)
}
