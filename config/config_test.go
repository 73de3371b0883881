package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeTempConfig(t, "feeder.json", `{
		"bus": {"url": "nats://bus:4222"},
		"store": {"url": "nats://store:4222", "max_connect_attempts": 3},
		"subjects": {"root": "dispensador"},
		"feeder": {"completion_delta": 25}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.Equal(t, "nats://store:4222", cfg.Store.URL)
	assert.Equal(t, 3, cfg.Store.MaxConnectAttempts)
	assert.Equal(t, "dispensador", cfg.Subjects.Root)
	assert.Equal(t, 25.0, cfg.Feeder.CompletionDelta)

	// Defaults applied for everything unset
	assert.Equal(t, "feeder_devices", cfg.Store.DeviceBucket)
	assert.Equal(t, DefaultSessionTimeout, cfg.Feeder.SessionTimeout.Std())
	assert.Equal(t, DefaultStoreTimeout, cfg.Store.Timeout.Std())
}

func TestLoadYAML(t *testing.T) {
	path := writeTempConfig(t, "feeder.yaml", `
bus:
  url: nats://bus:4222
store:
  url: nats://store:4222
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeTempConfig(t, "bad.json", `{"bus": `)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultsWhenEmpty(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
	assert.Equal(t, cfg.Bus.URL, cfg.Store.URL, "store defaults to bus endpoint")
	assert.Equal(t, DefaultSubjectRoot, cfg.Subjects.Root)
	assert.Equal(t, DefaultCompletionDelta, cfg.Feeder.CompletionDelta)
	assert.Equal(t, DefaultStoreMaxAttempts, cfg.Store.MaxConnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Feeder.SweepInterval.Std())
}

func TestDurationAcceptsStringsAndNumbers(t *testing.T) {
	path := writeTempConfig(t, "feeder.json", `{
		"bus": {"url": "nats://bus:4222", "reconnect_wait": "3s"},
		"store": {"url": "nats://store:4222", "timeout": 1500000000},
		"feeder": {"session_timeout": "10m"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Bus.ReconnectWait.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Store.Timeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Feeder.SessionTimeout.Std())
}

func TestDurationStringsInYAML(t *testing.T) {
	path := writeTempConfig(t, "feeder.yaml", `
bus:
  url: nats://bus:4222
store:
  url: nats://store:4222
feeder:
  sweep_interval: 45s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Feeder.SweepInterval.Std())
}

func TestValidateRejectsBadSubjectRoot(t *testing.T) {
	tests := []string{"foo.bar", "foo bar", "foo*", ">", ""}
	for _, root := range tests {
		t.Run(root, func(t *testing.T) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			cfg.Subjects.Root = root
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRejectsNonPositivePolicy(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Feeder.CompletionDelta = -1
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.ApplyDefaults()
	cfg.Feeder.SessionTimeout = Duration(-time.Second)
	assert.Error(t, cfg.Validate())
}
