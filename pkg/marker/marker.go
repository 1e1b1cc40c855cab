package marker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileName is the marker file inside the state directory
const FileName = "reload-needed"

// Marker is the durable "reload needed" flag shared between the watcher
// and the reload coordinator. Setting it any number of times before it is
// consumed is equivalent to setting it once.
type Marker struct {
	path string
}

// New returns the marker living in stateDir
func New(stateDir string) *Marker {
	return &Marker{path: filepath.Join(stateDir, FileName)}
}

// Path returns the marker file path
func (m *Marker) Path() string {
	return m.path
}

// Set raises the marker, recording when. The write goes through a temporary
// file and a rename so a concurrent Consume sees either no marker or a
// complete one.
func (m *Marker) Set(now time.Time) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create marker: %w", err)
	}
	tmp := f.Name()

	if _, err := f.WriteString(now.UTC().Format(time.RFC3339Nano) + "\n"); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to set marker: %w", err)
	}
	return nil
}

// IsSet reports whether the marker is raised
func (m *Marker) IsSet() (bool, error) {
	_, err := os.Stat(m.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat marker: %w", err)
}

// Consume tests and clears the marker in one step. The marker is renamed
// to a unique name, so among concurrent consumers exactly one observes it.
// The returned time is when the marker was last set.
func (m *Marker) Consume() (bool, time.Time, error) {
	claimed := m.path + ".consumed-" + uuid.New().String()

	if err := os.Rename(m.path, claimed); err != nil {
		if os.IsNotExist(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("failed to consume marker: %w", err)
	}
	defer os.Remove(claimed)

	var setAt time.Time
	if data, err := os.ReadFile(claimed); err == nil {
		setAt, _ = time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	}
	return true, setAt, nil
}
