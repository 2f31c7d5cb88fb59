package offline0

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://crm.example.com/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://crm.example.com", cfg.Server.Origin)
	assert.Equal(t, []string{"/", "/offline.html", "/manifest.json", "/icon-192.png"}, cfg.Install.Manifest)
	assert.Equal(t, []pathPrefixMatcher{{Prefix: "/api/"}}, cfg.dataMatchers)
	assert.Equal(t, int64(64<<20), cfg.ramMaxBytes)
	assert.Equal(t, int64(1<<30), cfg.diskMaxBytes)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.backoffInitial)
	assert.Equal(t, 10*time.Minute, cfg.backoffMax)
	assert.Equal(t, "default", cfg.Notifications.Permission)
	assert.Zero(t, cfg.logStatsEveryDur)
	assert.Equal(t, filepath.Join("data", "leveldb"), filepath.Clean(cfg.cachePath()))

	b := cfg.Build()
	assert.Equal(t, "static-v0", b.Static.Name())
	assert.Equal(t, "api-v0", b.API.Name())
}

func TestParseConfig_Full(t *testing.T) {
	yml := `
server:
  port: 9000
  origin: https://crm.example.com
storage:
  dir: /var/lib/offline0
  ram: {max: 8mb}
  disk: {max: 256mb}
cache:
  version: "2.3.1"
  static: {name: shell, generation: 4}
  api: {name: data, generation: 2}
install:
  offlinePage: /offline
  manifest: [/, /offline, /app.css]
routing:
  excludedOrigins: [https://auth.example.com]
  dataEndpoints: PathPrefix(/api/) | PathPrefix(/graphql)
sync:
  maxAttempts: 3
  backoff: {initial: 500ms, max: 1m}
notifications:
  permission: granted
logging:
  level: debug
  format: json
  logStatsEvery: 1m
`
	cfg, err := ParseConfig([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, int64(8<<20), cfg.ramMaxBytes)
	assert.Equal(t, []pathPrefixMatcher{{Prefix: "/api/"}, {Prefix: "/graphql"}}, cfg.dataMatchers)
	assert.Equal(t, 500*time.Millisecond, cfg.backoffInitial)
	assert.Equal(t, time.Minute, cfg.logStatsEveryDur)
	assert.Equal(t, "2.3.1 (shell-v4+data-v2)", cfg.Build().Identifier())
	assert.Equal(t, "/var/lib/offline0/sync.db", cfg.queuePath())
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"missing origin", "server:\n  port: 80\n"},
		{"bad origin", "server:\n  origin: crm\n"},
		{"bad matcher", "server:\n  origin: https://crm.example.com\nrouting:\n  dataEndpoints: Host(api)\n"},
		{"bad size", "server:\n  origin: https://crm.example.com\nstorage:\n  ram: {max: lots}\n"},
		{"bad backoff", "server:\n  origin: https://crm.example.com\nsync:\n  backoff: {initial: soon}\n"},
		{"relative manifest", "server:\n  origin: https://crm.example.com\ninstall:\n  manifest: [index.html]\n"},
		{"bad permission", "server:\n  origin: https://crm.example.com\nnotifications:\n  permission: maybe\n"},
		{"bad excluded origin", "server:\n  origin: https://crm.example.com\nrouting:\n  excludedOrigins: [auth]\n"},
		{"not yaml", "server: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yml))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OFFLINE0_ORIGIN", "https://staging.example.com")
	t.Setenv("OFFLINE0_PORT", "9090")
	t.Setenv("OFFLINE0_LOG_LEVEL", "warn")
	t.Setenv("OFFLINE0_DATA_DIR", "/tmp/offline0")

	cfg, err := ParseConfig([]byte("server:\n  port: 80\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", cfg.Server.Origin)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/offline0", cfg.Storage.Dir)
}

func TestParseMatch(t *testing.T) {
	got, err := parseMatch("PathPrefix(/api/)|PathPrefix( /v2 )")
	require.NoError(t, err)
	assert.Equal(t, []pathPrefixMatcher{{Prefix: "/api/"}, {Prefix: "/v2"}}, got)
	assert.True(t, got[0].Match("/api/orders"))
	assert.False(t, got[0].Match("/apis"))

	for _, bad := range []string{"", "PathPrefix()", "PathPrefix(api)", "Path(/api)", "|"} {
		_, err := parseMatch(bad)
		assert.Error(t, err, bad)
	}
}

func TestConfigBuildSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	write := func(gen string) {
		yml := "server:\n  origin: https://crm.example.com\ncache:\n  static: {generation: " + gen + "}\n"
		require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	}
	src := NewConfigBuildSource(path)

	write("1")
	b, err := src.Latest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "static-v1", b.Static.Name())

	write("2")
	b, err = src.Latest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "static-v2", b.Static.Name())

	require.NoError(t, os.Remove(path))
	_, err = src.Latest(t.Context())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://crm.example.com\nlogging:\n  format: json\n  level: warning\n"))
	require.NoError(t, err)
	log, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(-1), "debug disabled")
	assert.True(t, log.Core().Enabled(1), "warn enabled")
}
