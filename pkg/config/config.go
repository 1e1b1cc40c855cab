package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultCertsDir       = "/etc/haproxy/certs"
	DefaultConfDir        = "/etc/haproxy/conf.d"
	DefaultBackendsDir    = "/etc/haproxy/backends.d"
	DefaultStateDir       = "/var/lib/lbctl"
	DefaultComposedConfig = "/etc/haproxy/haproxy.cfg"
	DefaultComposedMap    = "/etc/haproxy/backends.map"
	DefaultLockTimeout    = 10 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	DefaultRescanInterval = 5 * time.Minute
	DefaultRenewBefore    = 30 * 24 * time.Hour
	DefaultHTTP01Address  = ":8080"
	DefaultKeyType        = "RSA2048"
	DefaultVerifyRetries  = 5

	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "LBCTL_"
)

// Config is the top-level lbctl configuration shared by every command.
type Config struct {
	Paths   PathsConfig   `yaml:"paths" envPrefix:"PATHS_"`
	Proxy   ProxyConfig   `yaml:"proxy" envPrefix:"PROXY_"`
	ACME    ACMEConfig    `yaml:"acme" envPrefix:"ACME_"`
	Watcher WatcherConfig `yaml:"watcher" envPrefix:"WATCHER_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`

	// LockTimeout bounds how long fragment store operations wait for the
	// store lock before failing.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
}

// PathsConfig holds the filesystem layout.
type PathsConfig struct {
	// CertsDir holds one <domain>.pem bundle per domain. Watched.
	CertsDir string `yaml:"certs_dir" env:"CERTS_DIR"`

	// ConfDir holds one verbatim configuration fragment per fragment name. Watched.
	ConfDir string `yaml:"conf_dir" env:"CONF_DIR"`

	// BackendsDir holds one backend map fragment per fragment name. Watched.
	BackendsDir string `yaml:"backends_dir" env:"BACKENDS_DIR"`

	// StateDir holds the reload marker, lock files and databases. Never watched.
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`
}

// ProxyConfig describes how the proxy configuration is composed and reloaded.
type ProxyConfig struct {
	// BaseConfig is prepended to the composed configuration (global and
	// frontend sections). Optional.
	BaseConfig string `yaml:"base_config" env:"BASE_CONFIG"`

	// ComposedConfig is the file the proxy loads. Must not be watched.
	ComposedConfig string `yaml:"composed_config" env:"COMPOSED_CONFIG"`

	// ComposedMap is the derived backend map the proxy loads. Must not be watched.
	ComposedMap string `yaml:"composed_map" env:"COMPOSED_MAP"`

	// ValidateCommand checks a candidate configuration. The token {config}
	// is replaced with the staging file path.
	ValidateCommand []string `yaml:"validate_command" env:"VALIDATE_COMMAND" envSeparator:" "`

	// ReloadCommand asks the proxy process to reload gracefully.
	ReloadCommand []string `yaml:"reload_command" env:"RELOAD_COMMAND" envSeparator:" "`

	// CommandTimeout bounds each validate/reload command.
	CommandTimeout time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`

	// VerifyAddr, when set, is dialed after a reload to confirm the proxy
	// is accepting connections (e.g. "127.0.0.1:443").
	VerifyAddr string `yaml:"verify_addr" env:"VERIFY_ADDR"`

	// VerifyURL, when set, is requested after a reload and must answer
	// with a 2xx or 3xx status (e.g. HAProxy's monitor-uri).
	VerifyURL string `yaml:"verify_url" env:"VERIFY_URL"`

	// VerifyRetries is how many failed verification attempts, one second
	// apart, are tolerated before the reload is reported as failed.
	VerifyRetries int `yaml:"verify_retries" env:"VERIFY_RETRIES"`
}

// ACMEConfig configures certificate issuance.
type ACMEConfig struct {
	Email string `yaml:"email" env:"EMAIL"`

	// Staging switches to the Let's Encrypt staging directory.
	Staging bool `yaml:"staging" env:"STAGING"`

	// DirectoryURL overrides the CA directory; takes precedence over Staging.
	DirectoryURL string `yaml:"directory_url" env:"DIRECTORY_URL"`

	// HTTP01Address is where the HTTP-01 challenge server listens. The
	// proxy forwards /.well-known/acme-challenge/ to it.
	HTTP01Address string `yaml:"http01_address" env:"HTTP01_ADDRESS"`

	// KeyType is the certificate key type (RSA2048, RSA4096, EC256, EC384).
	KeyType string `yaml:"key_type" env:"KEY_TYPE"`

	// RenewBefore is the renewal threshold before expiry.
	RenewBefore time.Duration `yaml:"renew_before" env:"RENEW_BEFORE"`

	// ServerIP, when set, gates certificate requests on the domain
	// resolving to this address.
	ServerIP string `yaml:"server_ip" env:"SERVER_IP"`

	// DNSServers are asked directly for the server_ip check. Empty uses
	// the system resolver.
	DNSServers []string `yaml:"dns_servers" env:"DNS_SERVERS" envSeparator:","`

	// RequestsPerHour caps certificate requests and renewals sent to the
	// CA. Zero means unlimited.
	RequestsPerHour int `yaml:"requests_per_hour" env:"REQUESTS_PER_HOUR"`

	// RevokeOnRemove revokes certificates of domains that are no longer
	// mapped instead of only forgetting them.
	RevokeOnRemove bool `yaml:"revoke_on_remove" env:"REVOKE_ON_REMOVE"`
}

// WatcherConfig configures the change watcher.
type WatcherConfig struct {
	// RescanInterval is the period of the full fingerprint rescan. Zero
	// disables periodic rescans (the startup rescan still runs).
	RescanInterval time.Duration `yaml:"rescan_interval" env:"RESCAN_INTERVAL"`

	// MetricsAddr, when set, serves /metrics and /health.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			CertsDir:    DefaultCertsDir,
			ConfDir:     DefaultConfDir,
			BackendsDir: DefaultBackendsDir,
			StateDir:    DefaultStateDir,
		},
		Proxy: ProxyConfig{
			ComposedConfig:  DefaultComposedConfig,
			ComposedMap:     DefaultComposedMap,
			ValidateCommand: []string{"haproxy", "-c", "-f", "{config}"},
			ReloadCommand:   []string{"systemctl", "reload", "haproxy"},
			CommandTimeout:  DefaultCommandTimeout,
			VerifyRetries:   DefaultVerifyRetries,
		},
		ACME: ACMEConfig{
			HTTP01Address: DefaultHTTP01Address,
			KeyType:       DefaultKeyType,
			RenewBefore:   DefaultRenewBefore,
		},
		Watcher: WatcherConfig{
			RescanInterval: DefaultRescanInterval,
		},
		Log: LogConfig{
			Level: "info",
		},
		LockTimeout: DefaultLockTimeout,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and LBCTL_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WatchedDirs returns the directories observed by the change watcher.
func (c *Config) WatchedDirs() []string {
	return []string{c.Paths.CertsDir, c.Paths.ConfDir, c.Paths.BackendsDir}
}

// DatabasePath returns the state database used by the one-shot commands.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "lbctl.db")
}

// WatcherDatabasePath returns the watcher's own state database. bbolt
// locks a database file for the lifetime of the process holding it.
func (c *Config) WatcherDatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "watcher.db")
}

// CADirectory returns the effective ACME directory URL.
func (c *ACMEConfig) CADirectory() string {
	switch {
	case c.DirectoryURL != "":
		return c.DirectoryURL
	case c.Staging:
		return "https://acme-staging-v02.api.letsencrypt.org/directory"
	default:
		return "https://acme-v02.api.letsencrypt.org/directory"
	}
}

// Validate checks required fields and the layout constraints that keep the
// watcher from retriggering on its own outputs.
func (c *Config) Validate() error {
	var errs []error

	required := []struct{ key, value string }{
		{"paths.certs_dir", c.Paths.CertsDir},
		{"paths.conf_dir", c.Paths.ConfDir},
		{"paths.backends_dir", c.Paths.BackendsDir},
		{"paths.state_dir", c.Paths.StateDir},
		{"proxy.composed_config", c.Proxy.ComposedConfig},
		{"proxy.composed_map", c.Proxy.ComposedMap},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	for _, dir := range c.WatchedDirs() {
		for name, p := range map[string]string{
			"paths.state_dir":       c.Paths.StateDir,
			"proxy.composed_config": c.Proxy.ComposedConfig,
			"proxy.composed_map":    c.Proxy.ComposedMap,
		} {
			if isWithin(dir, p) {
				errs = append(errs, fmt.Errorf("%s (%s) must not be inside watched directory %s", name, p, dir))
			}
		}
	}

	if len(c.Proxy.ReloadCommand) == 0 {
		errs = append(errs, errors.New("proxy.reload_command is required"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock_timeout must be positive"))
	}
	if c.ACME.RequestsPerHour < 0 {
		errs = append(errs, errors.New("acme.requests_per_hour must not be negative"))
	}
	if c.ACME.RenewBefore <= 0 {
		errs = append(errs, errors.New("acme.renew_before must be positive"))
	}
	if c.Watcher.RescanInterval < 0 {
		errs = append(errs, errors.New("watcher.rescan_interval must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateACME checks the fields certificate management needs on top of Validate.
func (c *Config) ValidateACME() error {
	if strings.TrimSpace(c.ACME.Email) == "" {
		return errors.New("invalid config: acme.email is required for certificate management")
	}
	return nil
}

// isWithin reports whether p is dir itself or lies below it.
func isWithin(dir, p string) bool {
	dir = filepath.Clean(dir)
	p = filepath.Clean(p)
	if p == dir {
		return true
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
