package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/testrig/testrig/pkg/telemetry"
)

// ErrStackClosed is returned when acquiring on a stack that has been unwound.
var ErrStackClosed = errors.New("resource stack already unwound")

// Stack scopes.
const (
	ScopeSystem = "system"
	ScopeUUT    = "uut"
)

// ReleaseFunc undoes one acquisition.
type ReleaseFunc func(ctx context.Context) error

type stackEntry struct {
	name    string
	release ReleaseFunc
}

// ResourceStack is an ordered collection of release actions. UnwindAll runs
// them in reverse order of acquisition and attempts every one of them, even
// when earlier ones fail or panic.
//
// Procedures receive a stack through SystemResourceStackRequest or
// UUTResourceStackRequest and register cleanup right after acquiring a
// resource:
//
//	conn, err := dial(ctx, addr)
//	if err != nil {
//	    return nil, err
//	}
//	if err := in.ResourceStack().AcquireCloser("fixture", conn); err != nil {
//	    conn.Close()
//	    return nil, err
//	}
type ResourceStack struct {
	scope   string
	logger  *telemetry.Logger
	mu      sync.Mutex
	entries []stackEntry
	closed  bool
}

// NewResourceStack creates an empty stack for the given scope.
func NewResourceStack(scope string, logger *telemetry.Logger) *ResourceStack {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ResourceStack{
		scope:  scope,
		logger: logger.WithField("stack", scope),
	}
}

// Scope returns the scope name of the stack.
func (s *ResourceStack) Scope() string {
	return s.scope
}

// Acquire pushes a release action.
func (s *ResourceStack) Acquire(name string, release ReleaseFunc) error {
	if release == nil {
		return fmt.Errorf("release action %q is nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: cannot acquire %q on %s stack", ErrStackClosed, name, s.scope)
	}
	s.entries = append(s.entries, stackEntry{name: name, release: release})
	return nil
}

// AcquireCloser pushes c.Close as a release action.
func (s *ResourceStack) AcquireCloser(name string, c io.Closer) error {
	if c == nil {
		return fmt.Errorf("closer %q is nil", name)
	}
	return s.Acquire(name, func(context.Context) error {
		return c.Close()
	})
}

// Defer pushes a release action that cannot fail.
func (s *ResourceStack) Defer(name string, fn func()) error {
	if fn == nil {
		return fmt.Errorf("release action %q is nil", name)
	}
	return s.Acquire(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Len returns the number of pending release actions.
func (s *ResourceStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Closed returns true once the stack has been unwound.
func (s *ResourceStack) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// UnwindAll runs every release action in reverse order, then closes the stack.
// Each failure is logged; all failures are returned together as a release
// error. Calling UnwindAll again is a no-op.
func (s *ResourceStack) UnwindAll(ctx context.Context) error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.closed = true
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if err := runRelease(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("resource", entry.name).Warn("release action failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.name, err))
			continue
		}
		s.logger.WithField("resource", entry.name).Debug("released")
	}

	if err := result.ErrorOrNil(); err != nil {
		return NewReleaseError(fmt.Sprintf("%d release action(s) failed on %s stack", len(result.Errors), s.scope), err).
			WithDetail("scope", s.scope)
	}
	return nil
}

func runRelease(ctx context.Context, entry stackEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return entry.release(ctx)
}
