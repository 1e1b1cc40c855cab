package health

import (
	"context"
	"time"
)

// CheckType represents the type of check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a check
type Result struct {
	Healthy   bool
	Message   string
	Output    string // Combined stdout/stderr of exec checks
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all checkers must implement
type Checker interface {
	// Check performs the check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of check
	Type() CheckType
}

// Config controls how a check is repeated until it passes
type Config struct {
	// Interval is the time between attempts
	Interval time.Duration

	// Retries is the number of consecutive failures before giving up
	Retries int
}

// DefaultConfig returns a Config suited to waiting for a proxy reload to
// settle
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Retries:  5,
	}
}

// Status tracks consecutive results of a repeated check
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy is false once failures reach the retry threshold
	Healthy bool
}

// NewStatus creates a new Status
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update updates the status based on a new result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// WaitHealthy runs checker until it passes once, or until it has failed
// config.Retries times in a row, or ctx is done. It returns the last result.
func WaitHealthy(ctx context.Context, checker Checker, config Config) Result {
	if config.Retries < 1 {
		config.Retries = 1
	}
	status := NewStatus()

	for {
		result := checker.Check(ctx)
		status.Update(result, config)
		if result.Healthy || !status.Healthy {
			return result
		}

		select {
		case <-ctx.Done():
			result.Healthy = false
			result.Message = result.Message + ": " + ctx.Err().Error()
			return result
		case <-time.After(config.Interval):
		}
	}
}
