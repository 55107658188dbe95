package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8088, cfg.Server.Listen.Port)
				require.Equal(t, 100, cfg.Cache.MaxSize)
				require.Equal(t, 30, cfg.Cache.TTLMinutes)
				require.Equal(t, 5, cfg.Resilience.FailureThreshold)
				require.Equal(t, []string{"PYTHONUNBUFFERED=1"}, cfg.Worker.Env)
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "bankbridge.yaml")
				contents := "server:\n  listen:\n    port: 9090\ncache:\n  ttlMinutes: 5\nworker:\n  args: [\"-u\", \"bridge.py\"]\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 5, cfg.Cache.TTLMinutes)
				require.Equal(t, []string{"-u", "bridge.py"}, cfg.Worker.Args)
			},
		},
		{
			name: "merges json overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "bankbridge.json")
				contents := `{"health": {"checkIntervalMs": 1000, "memoryThresholdPercent": 70}}`
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 1000, cfg.Health.CheckIntervalMs)
				require.InDelta(t, 70.0, cfg.Health.MemoryThresholdPercent, 0.001)
			},
		},
		{
			name: "merges toml overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "bankbridge.toml")
				contents := "[banks]\ndir = \"/srv/banks\"\nprimaryExt = \".mkv\"\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "/srv/banks", cfg.Banks.Dir)
				require.Equal(t, ".mkv", cfg.Banks.PrimaryExt)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "bankbridge.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("BANKBRIDGE_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "restores camelCase keys from env",
			setup: func(t *testing.T) []string {
				t.Setenv("BANKBRIDGE_CACHE__TTL_MINUTES", "12")
				t.Setenv("BANKBRIDGE_RESILIENCE__RESETTIMEOUTMS", "1500")
				t.Setenv("BANKBRIDGE_CACHE__REDIS__TLS__CAFILE", "/etc/ca.pem")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 12, cfg.Cache.TTLMinutes)
				require.Equal(t, 1500, cfg.Resilience.ResetTimeoutMs)
				require.Equal(t, "/etc/ca.pem", cfg.Cache.Redis.TLS.CAFile)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "bankbridge.ini")
				require.NoError(t, os.WriteFile(path, []byte("port=1"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("BANKBRIDGE_CACHE__BACKEND", "memcached")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("BANKBRIDGE", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bankbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCanonicalKeys(t *testing.T) {
	keys := canonicalKeys(structToMap(DefaultConfig()))
	require.Equal(t, "search.maxConcurrentSearches", keys["search.maxconcurrentsearches"])
	require.Equal(t, "cache.redis.tls.caFile", keys["cache.redis.tls.cafile"])
	require.Equal(t, "worker", keys["worker"])
}
