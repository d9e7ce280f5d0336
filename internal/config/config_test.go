package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "pwsh", cfg.Interpreter)
	assert.Equal(t, "DiscoverTests.ps1", cfg.DiscoveryScript)
	assert.Equal(t, "RunTests.ps1", cfg.RunScript)
	assert.True(t, cfg.TestsOnly)
	assert.True(t, cfg.RecordRuns)
	assert.Equal(t, 2*time.Minute, cfg.ProcessTimeoutDuration())
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	defer xdg.Reload()

	t.Run("no configuration files", func(t *testing.T) {
		cfg, err := Load(t.TempDir())
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, Default(), cfg)
	})

	t.Run("workspace file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		content := "interpreter: /opt/pwsh/pwsh\nprocessTimeout: 30s\ntestsOnly: false\n"
		if !assert.NoError(t, os.WriteFile(filepath.Join(dir, WORKSPACE_CONFIG_FILE), []byte(content), 0o600)) {
			return
		}

		cfg, err := Load(dir)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "/opt/pwsh/pwsh", cfg.Interpreter)
		assert.Equal(t, 30*time.Second, cfg.ProcessTimeoutDuration())
		assert.False(t, cfg.TestsOnly)
		assert.Equal(t, "RunTests.ps1", cfg.RunScript)
	})

	t.Run("relative paths of the workspace file are relative to the folder", func(t *testing.T) {
		dir := t.TempDir()
		content := "scriptsDir: scripts\nrunStorePath: .pester/runs.bbolt\n"
		if !assert.NoError(t, os.WriteFile(filepath.Join(dir, WORKSPACE_CONFIG_FILE), []byte(content), 0o600)) {
			return
		}

		cfg, err := Load(dir)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, filepath.Join(dir, "scripts"), cfg.ScriptsDir)

		scriptsDir, err := cfg.GetScriptsDir()
		assert.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "scripts"), scriptsDir)

		runStorePath, err := cfg.GetRunStorePath()
		assert.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, ".pester", "runs.bbolt"), runStorePath)
	})

	t.Run("absolute paths are kept", func(t *testing.T) {
		dir := t.TempDir()
		storePath := filepath.Join(t.TempDir(), "runs.bbolt")
		content := "runStorePath: " + storePath + "\n"
		if !assert.NoError(t, os.WriteFile(filepath.Join(dir, WORKSPACE_CONFIG_FILE), []byte(content), 0o600)) {
			return
		}

		cfg, err := Load(dir)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, storePath, cfg.RunStorePath)
		assert.Empty(t, cfg.ScriptsDir)
	})

	t.Run("environment overrides files", func(t *testing.T) {
		t.Setenv(INTERPRETER_ENV_VARNAME, "powershell")
		t.Setenv(LOG_LEVEL_ENV_VARNAME, "debug")

		cfg, err := Load("")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "powershell", cfg.Interpreter)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("invalid workspace file", func(t *testing.T) {
		dir := t.TempDir()
		content := "maxConcurrentProcesses: 0\n"
		if !assert.NoError(t, os.WriteFile(filepath.Join(dir, WORKSPACE_CONFIG_FILE), []byte(content), 0o600)) {
			return
		}

		_, err := Load(dir)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	modify := func(fn func(c *Config)) Config {
		cfg := Default()
		fn(&cfg)
		return cfg
	}

	assert.ErrorIs(t, modify(func(c *Config) { c.Interpreter = " " }).Validate(), ErrEmptyInterpreter)
	assert.Error(t, modify(func(c *Config) { c.FilePattern = "[" }).Validate())
	assert.Error(t, modify(func(c *Config) { c.ProcessTimeout = "soon" }).Validate())
	assert.Error(t, modify(func(c *Config) { c.ProcessTimeout = "-1s" }).Validate())
	assert.Error(t, modify(func(c *Config) { c.MaxRunArgsLength = 0 }).Validate())
	assert.Error(t, modify(func(c *Config) { c.MinimumPesterVersion = "five" }).Validate())
}
