package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lbctl/pkg/marker"
	"github.com/fsnotify/fsnotify"
	"github.com/cuemby/lbctl/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu  sync.Mutex
	fps map[string]string
}

func newMemStore() *memStore {
	return &memStore{fps: make(map[string]string)}
}

func (m *memStore) PutFingerprint(dir, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fps[dir] = fp
	return nil
}

func (m *memStore) GetFingerprint(dir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.fps[dir]
	if !ok {
		return "", storage.ErrNotFound
	}
	return fp, nil
}

type env struct {
	certs    string
	conf     string
	backends string
	excluded string
	marker   *marker.Marker
	store    FingerprintStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		certs:    filepath.Join(root, "certs"),
		conf:     filepath.Join(root, "conf.d"),
		backends: filepath.Join(root, "backends.d"),
		marker:   marker.New(filepath.Join(root, "state")),
		store:    newMemStore(),
	}
	e.excluded = filepath.Join(e.conf, "composed.cfg")
	for _, dir := range []string{e.certs, e.conf, e.backends} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	return e
}

func (e *env) newWatcher() *Watcher {
	return New([]string{e.certs, e.conf, e.backends}, []string{e.excluded}, e.marker, e.store, 0)
}

// start runs a watcher until the test ends and drains the startup marker
func (e *env) start(t *testing.T) *Watcher {
	t.Helper()
	w := e.newWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not ready")
	}
	return w
}

func (e *env) markerSet(t *testing.T) bool {
	set, err := e.marker.IsSet()
	require.NoError(t, err)
	return set
}

func (e *env) consume(t *testing.T) bool {
	ok, _, err := e.marker.Consume()
	require.NoError(t, err)
	return ok
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestFirstStartRaisesMarker(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	assert.True(t, e.consume(t), "no fingerprint on record counts as changed")
}

func TestWriteRaisesMarker(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	e.consume(t)

	write(t, filepath.Join(e.certs, "example.com.pem"), "cert")

	assert.Eventually(t, func() bool { return e.markerSet(t) }, 3*time.Second, 10*time.Millisecond)
}

func TestRemoveAndRenameRaiseMarker(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.backends, "app1")
	write(t, path, "a.example app1\n")

	e.start(t)
	e.consume(t)

	require.NoError(t, os.Rename(path, filepath.Join(t.TempDir(), "moved-out")))
	assert.Eventually(t, func() bool { return e.consume(t) }, 3*time.Second, 10*time.Millisecond)

	write(t, filepath.Join(e.conf, "app2"), "backend app2\n")
	assert.Eventually(t, func() bool { return e.consume(t) }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(e.conf, "app2")))
	assert.Eventually(t, func() bool { return e.consume(t) }, 3*time.Second, 10*time.Millisecond)
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	e.consume(t)

	sub := filepath.Join(e.certs, "extra")
	require.NoError(t, os.Mkdir(sub, 0755))
	assert.Eventually(t, func() bool { return e.consume(t) }, 3*time.Second, 10*time.Millisecond)

	// Give the watcher a moment to add the new directory
	time.Sleep(100 * time.Millisecond)
	e.consume(t)

	write(t, filepath.Join(sub, "nested.pem"), "cert")
	assert.Eventually(t, func() bool { return e.markerSet(t) }, 3*time.Second, 10*time.Millisecond)
}

func TestExcludedPathsAndChmodAreIgnored(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.certs, "example.com.pem")
	write(t, path, "cert")

	e.start(t)
	e.consume(t)

	write(t, e.excluded, "composed output")
	require.NoError(t, os.Chmod(path, 0600))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, e.markerSet(t))
}

func TestRescanDetectsOfflineChanges(t *testing.T) {
	e := newEnv(t)
	w := e.newWatcher()

	changed, err := w.Rescan()
	require.NoError(t, err)
	assert.True(t, changed, "first rescan")
	assert.True(t, e.consume(t))

	changed, err = w.Rescan()
	require.NoError(t, err)
	assert.False(t, changed, "nothing changed")
	assert.False(t, e.markerSet(t))

	// A change made while no watcher is running
	write(t, filepath.Join(e.backends, "app1"), "a.example app1\n")

	changed, err = e.newWatcher().Rescan()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, e.consume(t))

	// Changes to excluded paths are not part of the fingerprint
	write(t, e.excluded, "composed")
	changed, err = w.Rescan()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRestartWithoutChangesKeepsMarkerClear(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.conf, "app1"), "backend app1\n")

	_, err := e.newWatcher().Rescan()
	require.NoError(t, err)
	e.consume(t)

	e.start(t)
	assert.False(t, e.markerSet(t))
}

func TestRescanWithBoltStore(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "watcher.db")

	store, err := storage.NewBoltStore(path, time.Second)
	require.NoError(t, err)
	e.store = store
	changed, err := e.newWatcher().Rescan()
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, store.Close())
	e.consume(t)

	// Fingerprints survive the process
	store, err = storage.NewBoltStore(path, time.Second)
	require.NoError(t, err)
	defer store.Close()
	e.store = store
	changed, err = e.newWatcher().Rescan()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFingerprintMissingDirectory(t *testing.T) {
	missing, err := Fingerprint(filepath.Join(t.TempDir(), "nope"), func(string) bool { return false })
	require.NoError(t, err)
	empty, err := Fingerprint(t.TempDir(), func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, empty, missing)
}

func TestEventFingerprintFollowsMarker(t *testing.T) {
	e := newEnv(t)
	blocked := filepath.Join(t.TempDir(), "state")
	write(t, blocked, "not a directory")
	e.marker = marker.New(blocked)
	w := e.newWatcher()

	file := filepath.Join(e.conf, "shop")
	write(t, file, "backend shop\n")
	w.handleEvent(nil, fsnotify.Event{Name: file, Op: fsnotify.Write})

	_, err := e.store.GetFingerprint(e.conf)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a change whose marker was not set stays pending")

	e.marker = marker.New(filepath.Join(t.TempDir(), "state"))
	w = e.newWatcher()
	w.handleEvent(nil, fsnotify.Event{Name: file, Op: fsnotify.Write})

	assert.True(t, e.markerSet(t))
	fp, err := e.store.GetFingerprint(e.conf)
	require.NoError(t, err)
	current, err := Fingerprint(e.conf, w.excluded)
	require.NoError(t, err)
	assert.Equal(t, current, fp)
}
