package process

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sys/unix"

	"github.com/crepererum/cloudexec/internal/logging"
)

// DefaultStepTimeout bounds each escalation tier.
const DefaultStepTimeout = 5 * time.Second

const defaultPollInterval = 50 * time.Millisecond

// State is a tier of the shutdown state machine.
type State int

const (
	StateRunning State = iota
	StateInterruptSent
	StateTerminateSent
	StateKillSent
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateInterruptSent:
		return "interrupt-sent"
	case StateTerminateSent:
		return "terminate-sent"
	case StateKillSent:
		return "kill-sent"
	default:
		return "unknown"
	}
}

// Supervisor stops processes by escalating from SIGINT through SIGTERM to
// SIGKILL. Waits poll the process on a schedule instead of blocking on it.
type Supervisor struct {
	Clock        clock.Clock
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewSupervisor returns a supervisor on the wall clock.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Clock:        clock.WallClock,
		PollInterval: defaultPollInterval,
		Logger:       logger,
	}
}

// Shutdown stops p and returns the last tier entered before it exited. It
// never returns while p is still running: the kill tier waits without a
// deadline. Tiers are skipped once p has exited.
func (s *Supervisor) Shutdown(p Process, stepTimeout time.Duration) State {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	logger := logging.Ensure(s.Logger).With("pid", p.Pid())

	tiers := []struct {
		signal unix.Signal
		state  State
	}{
		{unix.SIGINT, StateInterruptSent},
		{unix.SIGTERM, StateTerminateSent},
	}

	state := StateRunning
	for _, tier := range tiers {
		if p.Exited() {
			return state
		}
		state = tier.state
		s.signal(logger, p, tier.signal)
		if s.waitFor(p, stepTimeout) {
			return state
		}
		logger.Debug("process still running after signal", "signal", tier.signal.String(), "timeout", stepTimeout)
	}

	if p.Exited() {
		return state
	}
	logger.Warn("process ignored interrupt and terminate, killing")
	s.signal(logger, p, unix.SIGKILL)
	for !p.Exited() {
		s.sleep(s.pollInterval())
	}
	return StateKillSent
}

func (s *Supervisor) signal(logger *slog.Logger, p Process, sig unix.Signal) {
	logger.Debug("sending signal", "signal", sig.String())
	if err := p.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("failed to signal process", "signal", sig.String(), "error", err)
	}
}

// waitFor polls until p exits or timeout elapses and reports whether p exited.
func (s *Supervisor) waitFor(p Process, timeout time.Duration) bool {
	clk := s.clock()
	deadline := clk.Now().Add(timeout)
	for {
		if p.Exited() {
			return true
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return false
		}
		s.sleep(min(remaining, s.pollInterval()))
	}
}

func (s *Supervisor) sleep(d time.Duration) {
	<-s.clock().After(d)
}

func (s *Supervisor) clock() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.WallClock
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return defaultPollInterval
}
