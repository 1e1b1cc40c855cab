package fragment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/lock"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/metrics"
	"github.com/cuemby/lbctl/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get for names with neither part on disk
var ErrNotFound = errors.New("fragment not found")

// LockFileName is the store lock inside the state directory
const LockFileName = "fragments.lock"

// Store manages fragments on disk. The configuration part lives in
// <confDir>/<name>, the backend map part in <backendsDir>/<name>. Every
// operation, reads included, holds the store lock, so a reader never sees
// one part of an apply without the other.
type Store struct {
	confDir     string
	backendsDir string
	lockPath    string
	lockTimeout time.Duration
	logger      zerolog.Logger
}

// NewStore creates a store over the given directories
func NewStore(confDir, backendsDir, stateDir string, lockTimeout time.Duration) *Store {
	return &Store{
		confDir:     confDir,
		backendsDir: backendsDir,
		lockPath:    filepath.Join(stateDir, LockFileName),
		lockTimeout: lockTimeout,
		logger:      log.WithComponent("fragment"),
	}
}

// NewStoreFromConfig creates a store using the configured paths
func NewStoreFromConfig(cfg *config.Config) *Store {
	return NewStore(cfg.Paths.ConfDir, cfg.Paths.BackendsDir, cfg.Paths.StateDir, cfg.LockTimeout)
}

// Apply registers (or replaces) fragment name from the two input files
func (s *Store) Apply(name, confPath, mapPath string) error {
	if err := ValidateName(name); err != nil {
		metrics.FragmentOpsTotal.WithLabelValues("apply", "error").Inc()
		return err
	}

	conf, err := os.ReadFile(confPath)
	if err != nil {
		metrics.FragmentOpsTotal.WithLabelValues("apply", "error").Inc()
		return fmt.Errorf("failed to read config fragment: %w", err)
	}

	mapFile, err := os.Open(mapPath)
	if err != nil {
		metrics.FragmentOpsTotal.WithLabelValues("apply", "error").Inc()
		return fmt.Errorf("failed to read backend map fragment: %w", err)
	}
	defer mapFile.Close()

	entries, err := ParseMap(mapFile)
	if err != nil {
		metrics.FragmentOpsTotal.WithLabelValues("apply", "error").Inc()
		return fmt.Errorf("failed to parse %s: %w", mapPath, err)
	}

	return s.ApplyFragment(context.Background(), &types.Fragment{
		Name: name,
		Conf: conf,
		Map:  entries,
	})
}

// ApplyFragment registers (or replaces) an in-memory fragment
func (s *Store) ApplyFragment(ctx context.Context, frag *types.Fragment) (err error) {
	defer func() {
		metrics.FragmentOpsTotal.WithLabelValues("apply", metrics.Result(err)).Inc()
	}()

	if err := ValidateName(frag.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l, err := lock.Acquire(s.lockPath, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire fragment store lock: %w", err)
	}
	defer l.Release()

	if err := s.writePair(frag.Name, frag.Conf, FormatMap(frag.Map)); err != nil {
		return err
	}

	logger := log.WithFragment(frag.Name)
	logger.Info().
		Int("domains", len(frag.Domains())).
		Msg("Fragment applied")
	return nil
}

// writePair installs both parts of a fragment. Both are first written to
// temporary files in their target directories, then renamed into place.
// If the second rename fails the first part is rolled back.
func (s *Store) writePair(name string, conf, mapData []byte) error {
	if err := os.MkdirAll(s.confDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(s.backendsDir, 0755); err != nil {
		return fmt.Errorf("failed to create backends directory: %w", err)
	}

	confTmp, err := writeTemp(s.confDir, name, conf)
	if err != nil {
		return err
	}
	mapTmp, err := writeTemp(s.backendsDir, name, mapData)
	if err != nil {
		os.Remove(confTmp)
		return err
	}

	confPath := filepath.Join(s.confDir, name)
	mapPath := filepath.Join(s.backendsDir, name)

	previous, readErr := os.ReadFile(confPath)
	hadPrevious := readErr == nil

	if err := os.Rename(confTmp, confPath); err != nil {
		os.Remove(confTmp)
		os.Remove(mapTmp)
		return fmt.Errorf("failed to install config fragment: %w", err)
	}
	if err := os.Rename(mapTmp, mapPath); err != nil {
		os.Remove(mapTmp)
		s.rollbackConf(name, previous, hadPrevious)
		return fmt.Errorf("failed to install backend map fragment: %w", err)
	}

	return nil
}

func (s *Store) rollbackConf(name string, previous []byte, hadPrevious bool) {
	confPath := filepath.Join(s.confDir, name)
	if !hadPrevious {
		if err := os.Remove(confPath); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("fragment", name).Msg("Failed to roll back config fragment")
		}
		return
	}
	tmp, err := writeTemp(s.confDir, name, previous)
	if err == nil {
		err = os.Rename(tmp, confPath)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("fragment", name).Msg("Failed to restore previous config fragment")
	}
}

// writeTemp writes data to a hidden temporary file next to the target and
// syncs it. Hidden names are never listed as fragments.
func writeTemp(dir, name string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	return tmp, nil
}

// Remove deletes both parts of a fragment. Removing an unknown name is not
// an error.
func (s *Store) Remove(name string) (err error) {
	defer func() {
		metrics.FragmentOpsTotal.WithLabelValues("remove", metrics.Result(err)).Inc()
	}()

	if err := ValidateName(name); err != nil {
		return err
	}

	l, err := lock.Acquire(s.lockPath, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire fragment store lock: %w", err)
	}
	defer l.Release()

	var errs []error
	removed := false
	for _, path := range []string{filepath.Join(s.confDir, name), filepath.Join(s.backendsDir, name)} {
		switch err := os.Remove(path); {
		case err == nil:
			removed = true
		case !os.IsNotExist(err):
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger := log.WithFragment(name)
	if removed {
		logger.Info().Msg("Fragment removed")
	} else {
		logger.Debug().Msg("Fragment not registered, nothing to remove")
	}
	return nil
}

// Get returns a single fragment
func (s *Store) Get(name string) (*types.Fragment, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	l, err := lock.Acquire(s.lockPath, s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire fragment store lock: %w", err)
	}
	defer l.Release()

	return s.read(name)
}

// List returns the registered fragment names in lexicographic order
func (s *Store) List() ([]string, error) {
	l, err := lock.Acquire(s.lockPath, s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire fragment store lock: %w", err)
	}
	defer l.Release()

	return s.names()
}

// Snapshot reads every fragment under a single lock acquisition
func (s *Store) Snapshot() (*Snapshot, error) {
	l, err := lock.Acquire(s.lockPath, s.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire fragment store lock: %w", err)
	}
	defer l.Release()

	names, err := s.names()
	if err != nil {
		return nil, err
	}

	fragments := make([]*types.Fragment, 0, len(names))
	for _, name := range names {
		frag, err := s.read(name)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)
	}

	snap := NewSnapshot(fragments)
	for _, c := range snap.Collisions() {
		s.logger.Warn().
			Str("domain", c.Domain).
			Str("owner", c.Owner).
			Str("fragment", c.Fragment).
			Str("backend", c.Backend).
			Msg("Domain already mapped by an earlier fragment, entry dropped")
	}
	return snap, nil
}

// Domains returns the sorted set of domains referenced by backend maps
func (s *Store) Domains() ([]string, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Domains(), nil
}

// read loads a fragment. Callers hold the lock.
func (s *Store) read(name string) (*types.Fragment, error) {
	conf, confErr := os.ReadFile(filepath.Join(s.confDir, name))
	if confErr != nil && !os.IsNotExist(confErr) {
		return nil, fmt.Errorf("failed to read config fragment %s: %w", name, confErr)
	}
	mapData, mapErr := os.ReadFile(filepath.Join(s.backendsDir, name))
	if mapErr != nil && !os.IsNotExist(mapErr) {
		return nil, fmt.Errorf("failed to read backend map fragment %s: %w", name, mapErr)
	}
	if confErr != nil && mapErr != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if confErr != nil || mapErr != nil {
		s.logger.Warn().Str("fragment", name).Msg("Fragment has only one part on disk")
	}

	entries, err := ParseMap(bytes.NewReader(mapData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend map fragment %s: %w", name, err)
	}

	return &types.Fragment{Name: name, Conf: conf, Map: entries}, nil
}

// names lists fragment names found in either directory. Callers hold the lock.
func (s *Store) names() ([]string, error) {
	set := make(map[string]bool)
	for _, dir := range []string{s.confDir, s.backendsDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			set[e.Name()] = true
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
