package reload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/lbctl/pkg/fragment"
	"github.com/cuemby/lbctl/pkg/lock"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/marker"
	"github.com/cuemby/lbctl/pkg/metrics"
	"github.com/cuemby/lbctl/pkg/proxy"
	"github.com/google/uuid"
)

// LockFileName is the coordinator lock inside the state directory
const LockFileName = "reload.lock"

// Outcome describes what a coordinator run did
type Outcome string

const (
	// OutcomeNoop means the marker was not set and the run was not forced
	OutcomeNoop Outcome = "noop"
	// OutcomeSkipped means another coordinator run was in progress
	OutcomeSkipped Outcome = "skipped"
	// OutcomeReloaded means the proxy was regenerated and reloaded
	OutcomeReloaded Outcome = "success"
	// OutcomeRejected means the proxy refused the composed configuration
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means regeneration or reload failed
	OutcomeFailed Outcome = "failed"
)

// Snapshotter provides a consistent view of the fragment store
type Snapshotter interface {
	Snapshot() (*fragment.Snapshot, error)
}

// Proxy regenerates and reloads the proxy from a snapshot
type Proxy interface {
	RegenerateAndReload(ctx context.Context, snap *fragment.Snapshot) error
}

// Result reports a coordinator run
type Result struct {
	ID          string
	Outcome     Outcome
	MarkerSetAt time.Time // Zero when the marker was not set
	Fragments   int
	Domains     int
	Collisions  int
	Duration    time.Duration
}

// Coordinator performs debounced proxy reloads: many marker sets between
// two runs produce one reload
type Coordinator struct {
	store    Snapshotter
	proxy    Proxy
	marker   *marker.Marker
	lockPath string
}

// NewCoordinator creates a coordinator using stateDir for its lock
func NewCoordinator(store Snapshotter, p Proxy, m *marker.Marker, stateDir string) *Coordinator {
	return &Coordinator{
		store:    store,
		proxy:    p,
		marker:   m,
		lockPath: filepath.Join(stateDir, LockFileName),
	}
}

// Run performs one coordinator invocation. If another run holds the
// coordinator lock it returns immediately with OutcomeSkipped. The marker
// is consumed before the snapshot is read, so changes landing during the
// reload raise it again for the next run. A failed reload does not raise
// the marker again.
func (c *Coordinator) Run(ctx context.Context, force bool) (*Result, error) {
	timer := metrics.NewTimer()
	result := &Result{ID: uuid.New().String()}
	logger := log.WithComponent("reload").With().Str("reload_id", result.ID).Logger()

	defer func() {
		result.Duration = timer.Duration()
		metrics.ReloadsTotal.WithLabelValues(string(result.Outcome)).Inc()
	}()

	l, err := lock.TryAcquire(c.lockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			logger.Info().Msg("Another reload is in progress, skipping")
			result.Outcome = OutcomeSkipped
			return result, nil
		}
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("failed to acquire reload lock: %w", err)
	}
	defer l.Release()

	set, setAt, err := c.marker.Consume()
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.MarkerSetAt = setAt

	if !set && !force {
		logger.Debug().Msg("Reload marker not set, nothing to do")
		result.Outcome = OutcomeNoop
		return result, nil
	}

	snap, err := c.store.Snapshot()
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("failed to read fragments: %w", err)
	}
	result.Fragments = len(snap.Fragments())
	result.Domains = len(snap.Domains())
	result.Collisions = len(snap.Collisions())

	metrics.FragmentsTotal.Set(float64(result.Fragments))
	metrics.DomainsTotal.Set(float64(result.Domains))
	metrics.DomainCollisionsTotal.Set(float64(result.Collisions))

	logger.Info().
		Bool("forced", force).
		Bool("marker_set", set).
		Int("fragments", result.Fragments).
		Int("domains", result.Domains).
		Msg("Regenerating proxy configuration")

	err = c.proxy.RegenerateAndReload(ctx, snap)
	timer.ObserveDuration(metrics.ReloadDuration)
	if err != nil {
		if errors.Is(err, proxy.ErrConfigRejected) {
			result.Outcome = OutcomeRejected
		} else {
			result.Outcome = OutcomeFailed
		}
		logger.Error().Err(err).Msg("Reload failed")
		return result, err
	}

	result.Outcome = OutcomeReloaded
	metrics.LastReloadTimestamp.SetToCurrentTime()
	logger.Info().Dur("duration", timer.Duration()).Msg("Reload complete")
	return result, nil
}
