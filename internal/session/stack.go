package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crepererum/cloudexec/internal/logging"
)

// ReleaseFunc undoes one acquisition.
type ReleaseFunc func(ctx context.Context) error

type release struct {
	name string
	fn   ReleaseFunc
}

// Stack collects release actions and runs them in reverse order of
// registration. A failing release never prevents the ones below it.
type Stack struct {
	logger *slog.Logger

	mu       sync.Mutex
	releases []release
}

// NewStack returns an empty stack.
func NewStack(logger *slog.Logger) *Stack {
	return &Stack{logger: logging.Ensure(logger)}
}

// Push registers the release of a resource that was just acquired.
func (s *Stack) Push(name string, fn ReleaseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Len reports the number of pending releases.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// Unwind runs every pending release, last pushed first, and empties the
// stack. Failures are logged and returned joined.
func (s *Stack) Unwind(ctx context.Context) error {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		r := releases[i]
		s.logger.Debug("release", "resource", r.name)
		if err := r.fn(ctx); err != nil {
			s.logger.Warn("release failed", "resource", r.name, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}
