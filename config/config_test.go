package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigurationDefaults(t *testing.T) {
	cfg, err := ReadConfiguration("", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, "memory", cfg.PersistenceConfig.Type)
	assert.Equal(t, uint(defaultRetryMaxTries), cfg.KarmaConfig.RetryMaxTries)
	assert.Equal(t, defaultRetryInitialInterval, cfg.KarmaConfig.RetryInitialInterval)
	assert.Equal(t, defaultSendBuffer, cfg.HubConfig.SendBuffer)
}

func TestReadConfigurationDirectory(t *testing.T) {
	dir := t.TempDir()
	main := `
log_level = "debug"
addr = "0.0.0.0:9000"

[persistence]
type = "buntdb"
dsn = "karma.db"

[karma]
retry_max_tries = 3
retry_initial_interval = "10ms"
`
	rules := `
[[karma.rule]]
action = "event_organization"
type = "organization"
points = "25"
reason = "organized an event"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.toml"), []byte(main), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.toml"), []byte(rules), 0o600))

	cfg, err := ReadConfiguration(dir, GetFlagSet())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, "buntdb", cfg.PersistenceConfig.Type)
	assert.Equal(t, "karma.db", cfg.PersistenceConfig.DSN)
	assert.Equal(t, uint(3), cfg.KarmaConfig.RetryMaxTries)
	assert.Equal(t, 10*time.Millisecond, cfg.KarmaConfig.RetryInitialInterval)
	require.Len(t, cfg.KarmaConfig.Rules, 1)
	assert.Equal(t, "event_organization", cfg.KarmaConfig.Rules[0].Action)
	assert.Equal(t, "25", cfg.KarmaConfig.Rules[0].Points)
}

func TestReadConfigurationFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("addr = \"file:1\"\n"), 0o600))

	flagSet := GetFlagSet()
	require.NoError(t, flagSet.Parse([]string{"--addr", "flag:2"}))
	cfg, err := ReadConfiguration(path, flagSet)
	require.NoError(t, err)
	assert.Equal(t, "flag:2", cfg.Addr)
}

func TestValidate(t *testing.T) {
	cfg := Config{
		PersistenceConfig: PersistenceConfig{Type: "postgres"},
		KarmaConfig:       KarmaConfig{RetryMaxTries: 1},
		HubConfig:         HubConfig{SendBuffer: 1},
	}
	assert.Error(t, cfg.Validate())

	cfg.PersistenceConfig.DSN = "postgres://localhost/karma"
	assert.NoError(t, cfg.Validate())

	cfg.PersistenceConfig.Type = "mongo"
	assert.Error(t, cfg.Validate())

	cfg.PersistenceConfig.Type = "memory"
	cfg.KarmaConfig.Rules = []RuleConfig{{Action: "x"}}
	assert.Error(t, cfg.Validate())
}
