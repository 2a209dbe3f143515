// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestConfig_Default(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "HCNS", cfg.Chat.DefaultTopic)
	assert.Equal(t, 256, cfg.Chat.SyncThreshold)
	assert.Equal(t, 90*time.Second, cfg.StreamIdleTimeout())
	assert.Equal(t, 120*time.Second, cfg.Timeout())
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, []string{"HCNS", "IT", "KINH_DOANH", "KT", "NGHI_PHEP", "TGD"}, cfg.TopicCodes())
}

func TestConfig_TopicSwitches(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Topic("hcns").ThinkEnabled())
	assert.True(t, cfg.Topic("HCNS").StreamingEnabled())
	assert.False(t, cfg.Topic("NGHI_PHEP").ThinkEnabled())
	assert.True(t, cfg.Topic("UNKNOWN").StreamingEnabled(), "unknown topics keep defaults")
}

func TestLoadFromPath_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().API.BaseURL, cfg.API.BaseURL)
}

func TestLoadFromPath_PartialFile(t *testing.T) {
	path := writeConfig(t, `
[api]
base_url = "http://localhost:8080"

[chat]
default_topic = "it"
sync_threshold = 64

[storage]
backend = "SQLite"

[topics.it]
label = "IT"
streaming = false
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, Default().API.IdentityURL, cfg.API.IdentityURL)
	assert.Equal(t, "IT", cfg.Chat.DefaultTopic)
	assert.Equal(t, 64, cfg.Chat.SyncThreshold)
	assert.Equal(t, 90, cfg.Chat.StreamIdleTimeoutSecs)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.False(t, cfg.Topic("IT").StreamingEnabled())
	assert.Equal(t, []string{"IT"}, cfg.TopicCodes(), "a topics table replaces the defaults")
}

func TestLoadFromPath_Invalid(t *testing.T) {
	_, err := LoadFromPath(writeConfig(t, "[api\nbase_url="))
	assert.Error(t, err)

	_, err = LoadFromPath(writeConfig(t, "[storage]\nbackend = \"redis\"\n"))
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "storage.backend", verrs[0].Field)
}

func TestLoadFromPath_FixesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	path := writeConfig(t, "")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadFromPath(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ASSIST_API_URL", "https://chat.example.com")
	t.Setenv("ASSIST_IDENTITY_URL", "https://id.example.com")
	t.Setenv("ASSIST_TOPIC", "kt")
	t.Setenv("ASSIST_LOG_LEVEL", "debug")
	t.Setenv("ASSIST_DATA_DIR", "/tmp/assist-data")
	t.Setenv("ASSIST_STORE_PASSPHRASE", "hunter2")
	t.Setenv("ASSIST_LOGIN_KEY", "shared")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.API.BaseURL)
	assert.Equal(t, "https://id.example.com", cfg.API.IdentityURL)
	assert.Equal(t, "KT", cfg.Chat.DefaultTopic)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "hunter2", cfg.Storage.Passphrase)
	assert.Equal(t, "shared", cfg.Login.Key)

	dir, err := cfg.DataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/assist-data", dir)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad scheme", func(c *Config) { c.API.BaseURL = "ftp://x" }, "api.base_url"},
		{"empty identity", func(c *Config) { c.API.IdentityURL = "" }, "api.identity_url"},
		{"bad host url", func(c *Config) { c.API.HostURL = "nohost" }, "api.host_url"},
		{"zero timeout", func(c *Config) { c.API.TimeoutSecs = 0 }, "api.timeout_secs"},
		{"negative rate", func(c *Config) { c.API.RequestsPerSecond = -1 }, "api.requests_per_second"},
		{"zero threshold", func(c *Config) { c.Chat.SyncThreshold = 0 }, "chat.sync_threshold"},
		{"zero idle", func(c *Config) { c.Chat.StreamIdleTimeoutSecs = 0 }, "chat.stream_idle_timeout_secs"},
		{"tiny read", func(c *Config) { c.Chat.ReadSize = 8 }, "chat.read_size"},
		{"unknown topic", func(c *Config) { c.Chat.DefaultTopic = "XYZ" }, "chat.default_topic"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Chat.DefaultTopic = "IT"
	cfg.Storage.Passphrase = "secret"

	require.NoError(t, SaveTOML(cfg, path))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "IT", loaded.Chat.DefaultTopic)
	assert.Equal(t, "secret", loaded.Storage.Passphrase)
	assert.False(t, loaded.Topic("NGHI_PHEP").ThinkEnabled())
}

func TestConfig_GetSet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("chat.sync_threshold")
	require.NoError(t, err)
	assert.Equal(t, 256, v)

	require.NoError(t, cfg.Set("chat.sync_threshold", "512"))
	assert.Equal(t, 512, cfg.Chat.SyncThreshold)

	require.NoError(t, cfg.Set("chat.think", "true"))
	assert.True(t, cfg.Chat.Think)

	require.NoError(t, cfg.Set("api.requests_per_second", 2.5))
	assert.Equal(t, 2.5, cfg.API.RequestsPerSecond)

	assert.Error(t, cfg.Set("chat.think", "maybe"))
	assert.Error(t, cfg.Set("chat.nope", "1"))
	_, err = cfg.Get("chat.think.deeper")
	assert.Error(t, err)
	_, err = cfg.Get("")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "api.base_url")
	assert.Contains(t, keys, "chat.stream_idle_timeout_secs")
	assert.Contains(t, keys, "logging.json")

	cfg := Default()
	for _, k := range keys {
		_, err := cfg.Get(k)
		assert.NoError(t, err, k)
	}
}

func TestConfig_CloneAndString(t *testing.T) {
	cfg := Default()
	cfg.Storage.Passphrase = "secret"
	cfg.Login.Key = "key"

	clone := cfg.Clone()
	clone.Topics["NEW"] = TopicConfig{}
	assert.NotContains(t, cfg.Topics, "NEW")

	s := cfg.String()
	assert.NotContains(t, s, "secret")
	assert.True(t, strings.Contains(s, "[REDACTED]"))
	assert.Equal(t, "secret", cfg.Storage.Passphrase)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "[chat]\nsync_threshold = 10\n")

	var (
		calls atomic.Int32
		last  atomic.Pointer[Config]
	)
	w, err := Watch(path, func(cfg *Config, err error) {
		if err == nil {
			last.Store(cfg)
		}
		calls.Add(1)
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("[chat]\nsync_threshold = 20\n"), 0600))

	require.Eventually(t, func() bool {
		cfg := last.Load()
		return cfg != nil && cfg.Chat.SyncThreshold == 20
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	path := writeConfig(t, "")

	var calls atomic.Int32
	w, err := Watch(path, func(*Config, error) { calls.Add(1) }, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.txt"), []byte("x"), 0600))
	time.Sleep(3 * DefaultDebounce)
	require.NoError(t, w.Close())
	assert.Zero(t, calls.Load())
}
