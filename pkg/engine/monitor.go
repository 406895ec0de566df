package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/testrig/testrig/pkg/telemetry"
)

// HealthCheck probes one part of the test system.
type HealthCheck func(ctx context.Context) error

// Monitor polls health checks in the background and accumulates their
// failures. The station stops once the monitor reports an error.
type Monitor struct {
	interval time.Duration
	logger   *telemetry.Logger

	mu     sync.Mutex
	checks map[string]HealthCheck
	order  []string
	errs   *multierror.Error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor polling every interval.
func NewMonitor(interval time.Duration, logger *telemetry.Logger) *Monitor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Monitor{
		interval: interval,
		logger:   logger.NewComponentLogger("monitor"),
		checks:   make(map[string]HealthCheck),
	}
}

// Watch registers a named health check. A later check with the same name replaces the earlier one.
func (m *Monitor) Watch(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[name]; !exists {
		m.order = append(m.order, name)
	}
	m.checks[name] = check
}

// Report records a failure found outside the polled checks.
func (m *Monitor) Report(name string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = multierror.Append(m.errs, fmt.Errorf("%s: %w", name, err))
	m.logger.WithError(err).WithField("check", name).Error("health check failed")
}

// Err returns all accumulated failures, or nil while the system is healthy.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs.ErrorOrNil()
}

// Poll runs every registered check once.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	checks := make([]HealthCheck, len(names))
	for i, name := range names {
		checks[i] = m.checks[name]
	}
	m.mu.Unlock()

	for i, check := range checks {
		m.Report(names[i], runCheck(ctx, check))
	}
}

func runCheck(ctx context.Context, check HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return check(ctx)
}

// start begins background polling. It is a no-op without checks or interval.
func (m *Monitor) start(ctx context.Context) {
	m.mu.Lock()
	if m.interval <= 0 || len(m.checks) == 0 || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

// stop ends background polling and waits for the poller to exit.
func (m *Monitor) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
