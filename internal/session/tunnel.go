package session

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/process"
	"github.com/crepererum/cloudexec/internal/vm"
)

// DefaultSSHBinary is the OpenSSH client used for the reverse tunnel.
const DefaultSSHBinary = "ssh"

// ReverseTunnelArgs builds the ssh arguments that expose the local port on
// the same port of the leased machine's loopback interface.
func ReverseTunnelArgs(lease vm.Lease, port int) []string {
	p := strconv.Itoa(port)
	return []string{
		"-N",
		"-oStrictHostKeyChecking=no",
		"-oUserKnownHostsFile=/dev/null",
		"-oExitOnForwardFailure=yes",
		"-oServerAliveInterval=15",
		"-l", lease.User,
		"-i", lease.KeyPath,
		lease.Address,
		"-R" + p + ":localhost:" + p,
	}
}

// ReverseTunnel is a supervised ssh client process holding a remote port
// forward open.
type ReverseTunnel struct {
	child      *process.Child
	supervisor *process.Supervisor
	logger     *slog.Logger
}

// StartReverseTunnel spawns the ssh client. Its output is discarded.
func StartReverseTunnel(ctx context.Context, binary string, lease vm.Lease, port int, supervisor *process.Supervisor, logger *slog.Logger) (*ReverseTunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if binary == "" {
		binary = DefaultSSHBinary
	}
	logger = logging.Ensure(logger).With("component", "tunnel", "address", lease.Address, "port", port)
	if supervisor == nil {
		supervisor = process.NewSupervisor(logger)
	}

	child, err := process.Start(exec.Command(binary, ReverseTunnelArgs(lease, port)...))
	if err != nil {
		return nil, fmt.Errorf("start reverse tunnel: %w", err)
	}
	logger.Info("reverse tunnel started", "pid", child.Pid())
	return &ReverseTunnel{child: child, supervisor: supervisor, logger: logger}, nil
}

// Close shuts the ssh client down.
func (t *ReverseTunnel) Close() {
	if t.Exited() {
		t.logger.Warn("reverse tunnel exited before the session ended")
	}
	state := t.supervisor.Shutdown(t.child, process.DefaultStepTimeout)
	t.logger.Info("reverse tunnel stopped", "state", state)
}

// Exited reports whether the ssh client is gone.
func (t *ReverseTunnel) Exited() bool {
	return t.child.Exited()
}
