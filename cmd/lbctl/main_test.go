package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/lbctl/pkg/certs"
	"github.com/cuemby/lbctl/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type testHost struct {
	root       string
	configFile string
	confDir    string
	backends   string
	certsDir   string
	stateDir   string
	composed   string
	composedMp string
}

// newTestHost writes a config file whose directories all live in a temp dir
// and whose proxy commands are harmless shell commands
func newTestHost(t *testing.T) *testHost {
	t.Helper()
	root := t.TempDir()
	h := &testHost{
		root:       root,
		configFile: filepath.Join(root, "lbctl.yaml"),
		confDir:    filepath.Join(root, "haproxy", "conf.d"),
		backends:   filepath.Join(root, "haproxy", "backends.d"),
		certsDir:   filepath.Join(root, "haproxy", "certs"),
		stateDir:   filepath.Join(root, "state"),
		composed:   filepath.Join(root, "haproxy", "haproxy.cfg"),
		composedMp: filepath.Join(root, "haproxy", "backends.map"),
	}

	cfg := map[string]interface{}{
		"paths": map[string]interface{}{
			"certs_dir":    h.certsDir,
			"conf_dir":     h.confDir,
			"backends_dir": h.backends,
			"state_dir":    h.stateDir,
		},
		"proxy": map[string]interface{}{
			"composed_config":  h.composed,
			"composed_map":     h.composedMp,
			"validate_command": []string{"true"},
			"reload_command":   []string{"true"},
		},
		"lock_timeout": "2s",
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.configFile, data, 0644))
	return h
}

func (h *testHost) run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", h.configFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *testHost) input(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.root, "input", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestApplyListRemove(t *testing.T) {
	h := newTestHost(t)
	conf := h.input(t, "shop.cfg", "backend shop\n    server s1 10.0.0.5:80\n")
	mapFile := h.input(t, "shop.map", "shop.example shop\nwww.shop.example shop\n")

	out, err := h.run("apply", "shop", conf, mapFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Fragment shop applied")

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "shop")
	assert.Contains(t, out, "shop.example,www.shop.example")

	_, err = h.run("remove", "shop")
	require.NoError(t, err)

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "No fragments registered")

	// Removing again is fine
	_, err = h.run("remove", "shop")
	assert.NoError(t, err)
}

func TestBadArgumentCountHasNoSideEffects(t *testing.T) {
	h := newTestHost(t)
	conf := h.input(t, "a.cfg", "backend a\n")

	_, err := h.run("apply", "a", conf)
	assert.Error(t, err)
	_, err = h.run("remove")
	assert.Error(t, err)
	_, err = h.run("list", "extra")
	assert.Error(t, err)

	_, err = os.Stat(h.confDir)
	assert.True(t, os.IsNotExist(err))
}

func TestApplyRejectsInvalidInput(t *testing.T) {
	h := newTestHost(t)
	conf := h.input(t, "a.cfg", "backend a\n")
	bad := h.input(t, "a.map", "lonely-domain\n")

	_, err := h.run("apply", "a", conf, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid backend map line")

	good := h.input(t, "ok.map", "a.example a\n")
	_, err = h.run("apply", "../a", conf, good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fragment name")
}

func TestReload(t *testing.T) {
	h := newTestHost(t)
	conf := h.input(t, "a.cfg", "backend a\n")
	mapFile := h.input(t, "a.map", "a.example a\n")
	_, err := h.run("apply", "a", conf, mapFile)
	require.NoError(t, err)

	out, err := h.run("reload")
	require.NoError(t, err)
	assert.Contains(t, out, "No changes")
	_, err = os.Stat(h.composed)
	assert.True(t, os.IsNotExist(err))

	out, err = h.run("reload", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Proxy reloaded (1 fragments, 1 domains)")

	composed, err := os.ReadFile(h.composed)
	require.NoError(t, err)
	assert.Contains(t, string(composed), "backend a\n")
	mapData, err := os.ReadFile(h.composedMp)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(mapData), "a.example a\n"))
}

func TestCertsStatusEmpty(t *testing.T) {
	h := newTestHost(t)

	out, err := h.run("certs", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No certificates")
}

func TestCertsReconcileRequiresEmail(t *testing.T) {
	h := newTestHost(t)

	_, err := h.run("certs", "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme.email")
}

func TestCertsReconcileSkipsWhenRunning(t *testing.T) {
	h := newTestHost(t)
	f, err := os.OpenFile(h.configFile, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("acme:\n  email: ops@example.com\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	held, err := lock.TryAcquire(filepath.Join(h.stateDir, certs.LockFileName))
	require.NoError(t, err)
	defer held.Release()

	out, err := h.run("certs", "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "Another reconcile is in progress")
}

func TestMetricsTextfile(t *testing.T) {
	h := newTestHost(t)
	textfile := filepath.Join(h.root, "lbctl.prom")

	_, err := h.run("--metrics-textfile", textfile, "reload")
	require.NoError(t, err)

	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lbctl_reloads_total")
}

func TestInvalidConfig(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, os.WriteFile(h.configFile, []byte("paths:\n  state_dir: "+h.certsDir+"/state\n  certs_dir: "+h.certsDir+"\n"), 0644))

	_, err := h.run("list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be inside watched directory")
}

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "lbctl version dev")
}
