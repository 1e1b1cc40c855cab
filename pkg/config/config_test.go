package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lbctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, DefaultCertsDir, cfg.Paths.CertsDir)
	assert.Equal(t, DefaultStateDir, cfg.Paths.StateDir)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.Equal(t, DefaultRenewBefore, cfg.ACME.RenewBefore)
	assert.Equal(t, []string{"haproxy", "-c", "-f", "{config}"}, cfg.Proxy.ValidateCommand)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
paths:
  certs_dir: /srv/lb/certs
  conf_dir: /srv/lb/conf
  backends_dir: /srv/lb/backends
  state_dir: /srv/lb/state
proxy:
  composed_config: /srv/lb/haproxy.cfg
  composed_map: /srv/lb/backends.map
  reload_command: ["kill", "-USR2", "1"]
acme:
  email: ops@example.com
  staging: true
  renew_before: 240h
watcher:
  rescan_interval: 1m
lock_timeout: 3s
`)

	cfg, err := load(path, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/srv/lb/certs", cfg.Paths.CertsDir)
	assert.Equal(t, []string{"kill", "-USR2", "1"}, cfg.Proxy.ReloadCommand)
	assert.Equal(t, "ops@example.com", cfg.ACME.Email)
	assert.Equal(t, 240*time.Hour, cfg.ACME.RenewBefore)
	assert.Equal(t, time.Minute, cfg.Watcher.RescanInterval)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, "https://acme-staging-v02.api.letsencrypt.org/directory", cfg.ACME.CADirectory())

	// Untouched fields keep their defaults
	assert.Equal(t, DefaultHTTP01Address, cfg.ACME.HTTP01Address)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
acme:
  email: file@example.com
`)

	cfg, err := load(path, map[string]string{
		"LBCTL_ACME_EMAIL":           "env@example.com",
		"LBCTL_PATHS_STATE_DIR":      "/run/lbctl",
		"LBCTL_PROXY_RELOAD_COMMAND": "haproxyctl reload",
		"LBCTL_WATCHER_METRICS_ADDR": "127.0.0.1:9120",
		"LBCTL_LOCK_TIMEOUT":         "2s",
		"LBCTL_ACME_DIRECTORY_URL":   "https://ca.internal/directory",
		"LBCTL_ACME_DNS_SERVERS":     "1.1.1.1,8.8.8.8:53",
	})
	require.NoError(t, err)

	assert.Equal(t, "env@example.com", cfg.ACME.Email)
	assert.Equal(t, "/run/lbctl", cfg.Paths.StateDir)
	assert.Equal(t, []string{"haproxyctl", "reload"}, cfg.Proxy.ReloadCommand)
	assert.Equal(t, "127.0.0.1:9120", cfg.Watcher.MetricsAddr)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, "https://ca.internal/directory", cfg.ACME.CADirectory())
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8:53"}, cfg.ACME.DNSServers)
}

func TestLoadErrors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{})
	assert.Error(t, err)

	_, err = load(writeConfig(t, "paths: [not, a, map]"), map[string]string{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing conf dir",
			mutate:  func(c *Config) { c.Paths.ConfDir = "" },
			wantErr: "paths.conf_dir is required",
		},
		{
			name:    "composed config inside watched dir",
			mutate:  func(c *Config) { c.Proxy.ComposedConfig = filepath.Join(c.Paths.ConfDir, "haproxy.cfg") },
			wantErr: "proxy.composed_config",
		},
		{
			name:    "state dir equals certs dir",
			mutate:  func(c *Config) { c.Paths.StateDir = c.Paths.CertsDir + "/" },
			wantErr: "paths.state_dir",
		},
		{
			name:    "empty reload command",
			mutate:  func(c *Config) { c.Proxy.ReloadCommand = nil },
			wantErr: "proxy.reload_command is required",
		},
		{
			name:    "zero lock timeout",
			mutate:  func(c *Config) { c.LockTimeout = 0 },
			wantErr: "lock_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateACME(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateACME())

	cfg.ACME.Email = "ops@example.com"
	assert.NoError(t, cfg.ValidateACME())
}

func TestIsWithin(t *testing.T) {
	assert.True(t, isWithin("/etc/haproxy/conf.d", "/etc/haproxy/conf.d/a"))
	assert.True(t, isWithin("/etc/haproxy/conf.d", "/etc/haproxy/conf.d"))
	assert.False(t, isWithin("/etc/haproxy/conf.d", "/etc/haproxy/haproxy.cfg"))
	assert.False(t, isWithin("/etc/haproxy/conf.d", "/etc/haproxy/conf.d2/x"))
}
