package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/fragment"
	"github.com/cuemby/lbctl/pkg/health"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrConfigRejected is returned when the validate command refuses the
	// composed configuration. The live configuration and map are left alone.
	ErrConfigRejected = errors.New("proxy rejected configuration")

	// ErrReloadFailed is returned when the reload command fails or the proxy
	// does not come back healthy afterwards
	ErrReloadFailed = errors.New("proxy reload failed")
)

const (
	// ConfigPlaceholder in the validate command is replaced with the path of
	// the candidate configuration
	ConfigPlaceholder = "{config}"

	// MapPlaceholder in the validate command is replaced with the path of
	// the candidate backend map
	MapPlaceholder = "{map}"
)

const generatedHeader = "# Generated by lbctl. Do not edit: changes are overwritten on the next reload.\n"

// HAProxy composes the proxy configuration from fragments and drives the
// validate and reload commands
type HAProxy struct {
	baseConfig     string
	composedConfig string
	composedMap    string
	validate       []string
	reload         []string
	timeout        time.Duration
	verifiers      []health.Checker
	verifyConfig   health.Config
	logger         zerolog.Logger
}

// NewHAProxy creates the proxy collaborator from configuration
func NewHAProxy(cfg config.ProxyConfig) *HAProxy {
	h := &HAProxy{
		baseConfig:     cfg.BaseConfig,
		composedConfig: cfg.ComposedConfig,
		composedMap:    cfg.ComposedMap,
		validate:       cfg.ValidateCommand,
		reload:         cfg.ReloadCommand,
		timeout:        cfg.CommandTimeout,
		verifyConfig:   health.DefaultConfig(),
		logger:         log.WithComponent("proxy"),
	}
	if h.timeout <= 0 {
		h.timeout = config.DefaultCommandTimeout
	}
	if cfg.VerifyRetries > 0 {
		h.verifyConfig.Retries = cfg.VerifyRetries
	}
	if cfg.VerifyAddr != "" {
		h.verifiers = append(h.verifiers, health.NewTCPChecker(cfg.VerifyAddr).WithTimeout(h.timeout))
	}
	if cfg.VerifyURL != "" {
		h.verifiers = append(h.verifiers, health.NewHTTPChecker(cfg.VerifyURL).WithTimeout(h.timeout))
	}
	return h
}

// Compose renders the configuration and backend map for a snapshot. The
// base configuration comes first, then every fragment in name order.
func (h *HAProxy) Compose(snap *fragment.Snapshot) ([]byte, []byte, error) {
	var conf bytes.Buffer
	conf.WriteString(generatedHeader)

	if h.baseConfig != "" {
		base, err := os.ReadFile(h.baseConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read base config: %w", err)
		}
		conf.WriteString("\n")
		writeSection(&conf, base)
	}

	for _, frag := range snap.Fragments() {
		if len(frag.Conf) == 0 {
			continue
		}
		fmt.Fprintf(&conf, "\n# fragment: %s\n", frag.Name)
		writeSection(&conf, frag.Conf)
	}

	var mapData bytes.Buffer
	mapData.WriteString(generatedHeader)
	mapData.Write(fragment.FormatMap(snap.Entries()))

	return conf.Bytes(), mapData.Bytes(), nil
}

func writeSection(buf *bytes.Buffer, data []byte) {
	buf.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
}

// RegenerateAndReload composes the snapshot into staging files, validates
// the configuration, installs both outputs and reloads the proxy. A
// rejected configuration is never installed.
func (h *HAProxy) RegenerateAndReload(ctx context.Context, snap *fragment.Snapshot) error {
	conf, mapData, err := h.Compose(snap)
	if err != nil {
		return err
	}

	stagedConf, err := stage(h.composedConfig, conf)
	if err != nil {
		return err
	}
	defer os.Remove(stagedConf)

	stagedMap, err := stage(h.composedMap, mapData)
	if err != nil {
		return err
	}
	defer os.Remove(stagedMap)

	if len(h.validate) > 0 {
		if err := h.ensureMap(); err != nil {
			return err
		}

		// The candidate configuration is checked against the candidate map
		candidate := stagedConf
		if bytes.Contains(conf, []byte(h.composedMap)) {
			candidate, err = stage(h.composedConfig, bytes.ReplaceAll(conf, []byte(h.composedMap), []byte(stagedMap)))
			if err != nil {
				return err
			}
			defer os.Remove(candidate)
		}

		result := h.run(ctx, h.validateCommand(candidate, stagedMap))
		if !result.Healthy {
			h.logger.Error().
				Str("output", result.Output).
				Msg("Proxy rejected the composed configuration")
			return fmt.Errorf("%w: %s", ErrConfigRejected, result.Message)
		}
		h.logger.Debug().Dur("duration", result.Duration).Msg("Composed configuration validated")
	}

	// Map first: the configuration being installed may reference new entries
	if err := os.Rename(stagedMap, h.composedMap); err != nil {
		return fmt.Errorf("failed to install backend map: %w", err)
	}
	if err := os.Rename(stagedConf, h.composedConfig); err != nil {
		return fmt.Errorf("failed to install configuration: %w", err)
	}

	result := h.run(ctx, h.reload)
	if !result.Healthy {
		return fmt.Errorf("%w: %s", ErrReloadFailed, result.Message)
	}

	for _, checker := range h.verifiers {
		result := health.WaitHealthy(ctx, checker, h.verifyConfig)
		if !result.Healthy {
			return fmt.Errorf("%w: %s check: %s", ErrReloadFailed, checker.Type(), result.Message)
		}
	}

	h.logger.Info().
		Int("fragments", len(snap.Fragments())).
		Int("map_entries", len(snap.Entries())).
		Msg("Proxy reloaded")
	return nil
}

func (h *HAProxy) run(ctx context.Context, command []string) health.Result {
	return health.NewExecChecker(command).WithTimeout(h.timeout).Check(ctx)
}

func (h *HAProxy) validateCommand(confPath, mapPath string) []string {
	r := strings.NewReplacer(ConfigPlaceholder, confPath, MapPlaceholder, mapPath)
	cmd := make([]string, len(h.validate))
	for i, arg := range h.validate {
		cmd[i] = r.Replace(arg)
	}
	return cmd
}

// ensureMap installs an empty backend map when none exists yet, so a first
// run on a new host can be validated and the live proxy can load the map
func (h *HAProxy) ensureMap() error {
	if _, err := os.Stat(h.composedMap); !os.IsNotExist(err) {
		return nil
	}

	empty, err := stage(h.composedMap, []byte(generatedHeader))
	if err != nil {
		return err
	}
	if err := os.Rename(empty, h.composedMap); err != nil {
		os.Remove(empty)
		return fmt.Errorf("failed to install empty backend map: %w", err)
	}
	h.logger.Info().Str("path", h.composedMap).Msg("Installed empty backend map")
	return nil
}

// stage writes data next to target under a hidden temporary name
func stage(target string, data []byte) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	return path, nil
}
