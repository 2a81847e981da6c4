package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_WritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "parlor.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)
	assert.FileExists(t, path)

	// The generated file parses back to the defaults.
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), reloaded)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
driver = "json"
path = "/var/lib/parlor"

[limits]
max_message_length = 100
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DriverJSON, config.Storage.Driver)
	assert.Equal(t, "/var/lib/parlor", config.Storage.Path)
	assert.Equal(t, 100, config.Limits.MaxMessageLength)
	assert.Equal(t, 32, config.Limits.MaxUsernameLength)
	assert.Equal(t, ":8080", config.Server.HTTPAddr)
	assert.Equal(t, "Public Channel", config.Channels.DefaultPublicName)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlor.toml")
	t.Setenv("PARLOR_SERVER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("PARLOR_SERVER_METRICS_ADDR", "")
	t.Setenv("PARLOR_STORAGE_DRIVER", "JSON")
	t.Setenv("PARLOR_STORAGE_PATH", "/tmp/parlor-data")
	t.Setenv("PARLOR_CHANNELS_DEFAULT_PUBLIC_NAME", "Lobby")
	t.Setenv("PARLOR_LIMITS_MAX_MESSAGE_LENGTH", "not-a-number")
	t.Setenv("PARLOR_LIMITS_MAX_USERNAME_LENGTH", "12")
	t.Setenv("PARLOR_LOGGING_LEVEL", "debug")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", config.Server.HTTPAddr)
	assert.Equal(t, "", config.Server.MetricsAddr)
	assert.Equal(t, DriverJSON, config.Storage.Driver)
	assert.Equal(t, "/tmp/parlor-data", config.Storage.Path)
	assert.Equal(t, "Lobby", config.Channels.DefaultPublicName)
	assert.Equal(t, 4096, config.Limits.MaxMessageLength, "unparseable values are ignored")
	assert.Equal(t, 12, config.Limits.MaxUsernameLength)
	assert.Equal(t, "debug", config.Logging.Level)

	sc := config.ToServerConfig()
	assert.Equal(t, "127.0.0.1:9999", sc.HTTPAddr)
	assert.Equal(t, "", sc.MetricsAddr)
	assert.Equal(t, 12, sc.MaxUsernameLength)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[server\nhttp_addr = 1"), 0644))
	_, err := LoadConfig(bad)
	assert.Error(t, err)

	driver := filepath.Join(dir, "driver.toml")
	require.NoError(t, os.WriteFile(driver, []byte("[storage]\ndriver = \"postgres\"\n"), 0644))
	_, err = LoadConfig(driver)
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestGetStoragePath_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	config := DefaultTOMLConfig()
	path, err := config.GetStoragePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".parlor", "parlor.db"), path)
}
