package vm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/remote"
)

const (
	// UnlockRootCommand clears the root password so the account is usable.
	UnlockRootCommand = "passwd -d root"

	// InstallSSHFSCommand installs sshfs with whichever package manager the
	// image ships.
	InstallSSHFSCommand = "(apt-get -y update && apt-get -y upgrade && apt-get -y install sshfs)" +
		" || (yum -y update && yum -y install fuse-sshfs)" +
		" || (pacman -Suy --noconfirm && pacman -S sshfs --noconfirm)"

	// VerifySSHFSCommand succeeds when sshfs is on the PATH.
	VerifySSHFSCommand = "command -v sshfs"
)

// Target is the machine a bootstrapper connects to.
type Target struct {
	Address string
	User    string
	KeyPath string
}

// Bootstrapper prepares a freshly booted machine for sessions.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, target Target) error
}

// commandRunner runs a command and reports its exit status.
type commandRunner interface {
	Run(ctx context.Context, command string) (int, error)
}

// SSHBootstrapper bootstraps over SSH.
type SSHBootstrapper struct {
	DialTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Bootstrap unlocks root, installs sshfs and verifies the installation.
// Command output is discarded.
func (b SSHBootstrapper) Bootstrap(ctx context.Context, target Target) error {
	logger := logging.Ensure(b.Logger).With("address", target.Address)

	client, err := remote.Dial(ctx, remote.DialConfig{
		Address: target.Address,
		User:    target.User,
		KeyPath: target.KeyPath,
		Timeout: b.DialTimeout,
		Clock:   b.Clock,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("connect for bootstrap: %w", err)
	}
	defer client.Close()

	return runBootstrap(ctx, client, logger)
}

func runBootstrap(ctx context.Context, r commandRunner, logger *slog.Logger) error {
	logger.Info("bootstrapping machine")

	status, err := r.Run(ctx, UnlockRootCommand)
	if err != nil {
		return fmt.Errorf("unlock root: %w", err)
	}
	if status != 0 {
		return &BootstrapError{Step: UnlockRootCommand, Status: status}
	}

	// a failing chain is judged by the verification below
	status, err = r.Run(ctx, InstallSSHFSCommand)
	if err != nil {
		return fmt.Errorf("install sshfs: %w", err)
	}
	logger.Debug("package installation finished", "status", status)

	status, err = r.Run(ctx, VerifySSHFSCommand)
	if err != nil {
		return fmt.Errorf("verify sshfs: %w", err)
	}
	if status != 0 {
		return &BootstrapError{Step: VerifySSHFSCommand, Status: status}
	}

	logger.Info("bootstrap finished")
	return nil
}
