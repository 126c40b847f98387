package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.FixupAndValidate())
	assert.Len(t, cfg.EnabledRelays(), 4)
	assert.Equal(t, 1500*time.Millisecond, cfg.Network.ReconnectBaseDelay.Duration)
	assert.Equal(t, 2, cfg.Delivery.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Router.PendingTTL.Duration)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
[[Relays]]
URL = "relay.example.com"
Enabled = true

[[Relays]]
URL = "wss://relay.example.com/"
Enabled = false

[Network]
ReconnectBaseDelay = "2s"
ReconnectMaxDelay = "1m"

[Delivery]
MaxRetries = 5

[Logging]
Level = "debug"
`))
	require.NoError(t, err)
	require.NoError(t, cfg.FixupAndValidate())

	assert.Equal(t, []Relay{{URL: "wss://relay.example.com", Enabled: true}}, cfg.Relays)
	assert.Equal(t, 2*time.Second, cfg.Network.ReconnectBaseDelay.Duration)
	assert.Equal(t, time.Minute, cfg.Network.ReconnectMaxDelay.Duration)
	assert.Equal(t, 400*time.Millisecond, cfg.Network.ReconnectJitter.Duration)
	assert.Equal(t, 5, cfg.Delivery.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsUndecodedKeys(t *testing.T) {
	_, err := Load([]byte("[Network]\nBogus = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undecoded")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"INCOGNITO_RELAYS":          "a.example, wss://b.example",
		"INCOGNITO_AUTO_RECONNECT":  "false",
		"INCOGNITO_RETRY_DELAY":     "250ms",
		"INCOGNITO_MAX_RETRIES":     "1",
		"INCOGNITO_STORAGE_BACKEND": "memory",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.NoError(t, cfg.FixupAndValidate())

	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.EnabledRelays())
	assert.False(t, cfg.Network.AutoReconnect)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.RetryDelay.Duration)
	assert.Equal(t, 1, cfg.Delivery.MaxRetries)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)

	env["INCOGNITO_MAX_RETRIES"] = "many"
	assert.Error(t, Default().ApplyEnv(lookup))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Storage]\nBackend = \"memory\"\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max below base", func(c *Config) { c.Network.ReconnectMaxDelay = Duration{time.Millisecond} }},
		{"negative retries", func(c *Config) { c.Delivery.MaxRetries = -1 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"bad relay scheme", func(c *Config) { c.Relays = []Relay{{URL: "https://x.example", Enabled: true}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.FixupAndValidate())
		})
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	cases := map[string]string{
		"relay.damus.io":        "wss://relay.damus.io",
		"WSS://Relay.Damus.io/": "wss://relay.damus.io",
		"ws://localhost:7447":   "ws://localhost:7447",
	}
	for in, want := range cases {
		got, err := NormalizeRelayURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := NormalizeRelayURL("  ")
	assert.Error(t, err)
}
