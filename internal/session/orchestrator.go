// Package session runs one command on a leased machine: it mounts the local
// base directory on the machine through a reverse tunnel into a throwaway
// sshd, executes the command inside the mount and tears everything down in
// reverse order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/kballard/go-shellquote"

	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/process"
	"github.com/crepererum/cloudexec/internal/remote"
	"github.com/crepererum/cloudexec/internal/setup"
	"github.com/crepererum/cloudexec/internal/sshd"
	"github.com/crepererum/cloudexec/internal/vm"
)

// Remote paths, relative to the leased user's home directory.
const (
	MountDir      = "mount"
	RemoteKeyPath = ".ssh/id_rsa"
)

const (
	mountKeyName = "key.mount"
	hostKeyName  = "key.local"

	mountAttempts = 10
	mountDelay    = 500 * time.Millisecond
)

// LeaseSource hands out machine leases by profile.
type LeaseSource interface {
	GetLease(ctx context.Context, profile string) (vm.Lease, error)
}

// Endpoint is the local sshd the leased machine mounts from.
type Endpoint interface {
	LocalPort() int
	WaitReady(ctx context.Context) error
	Shutdown()
}

// Tunnel keeps the endpoint reachable from the leased machine.
type Tunnel interface {
	Close()
}

// Remote is a command and file transfer connection to the leased machine.
type Remote interface {
	Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
	Upload(localPath, remotePath string, mode os.FileMode) error
	Remove(remotePath string) error
	EnsureDir(remotePath string) error
	Close() error
}

type (
	EndpointStarter func(ctx context.Context, hostKey, authorizedKey *keypair.KeyPair, workdir string) (Endpoint, error)
	TunnelStarter   func(ctx context.Context, lease vm.Lease, port int) (Tunnel, error)
	Dialer          func(ctx context.Context, lease vm.Lease) (Remote, error)
)

// OutsideBaseDirError reports a working directory that the mount cannot
// reach.
type OutsideBaseDirError struct {
	BaseDir string
	WorkDir string
}

func (e *OutsideBaseDirError) Error() string {
	return fmt.Sprintf("working directory %s is outside the base directory %s", e.WorkDir, e.BaseDir)
}

// RemoteCommandError reports a setup command that exited non-zero on the
// leased machine.
type RemoteCommandError struct {
	Command string
	Status  int
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("remote command %q exited with status %d", e.Command, e.Status)
}

// CleanupError wraps teardown failures of a session whose command itself
// completed; the exit status returned alongside it is valid.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string {
	return "session cleanup: " + e.Err.Error()
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// Request describes one command execution.
type Request struct {
	Profile    string
	BaseDir    string
	WorkDir    string
	Executable string
	Args       []string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Orchestrator runs sessions. Fields left nil fall back to the real
// implementations.
type Orchestrator struct {
	Leases        LeaseSource
	RuntimeDir    string
	KeyGenerator  keypair.Generator
	StartEndpoint EndpointStarter
	StartTunnel   TunnelStarter
	Dial          Dialer
	LocalUser     string
	Clock         clock.Clock
	Logger        *slog.Logger
}

// New returns an orchestrator wired to the real sshd, ssh and SSH client.
func New(leases LeaseSource, runtimeDir string, logger *slog.Logger) *Orchestrator {
	logger = logging.Ensure(logger)
	supervisor := process.NewSupervisor(logger)
	return &Orchestrator{
		Leases:     leases,
		RuntimeDir: runtimeDir,
		StartEndpoint: func(ctx context.Context, hostKey, authorizedKey *keypair.KeyPair, workdir string) (Endpoint, error) {
			endpoint, err := sshd.Start(ctx, hostKey, authorizedKey, workdir, sshd.Options{Supervisor: supervisor, Logger: logger})
			if err != nil {
				return nil, err
			}
			return sshdEndpoint{endpoint}, nil
		},
		StartTunnel: func(ctx context.Context, lease vm.Lease, port int) (Tunnel, error) {
			return StartReverseTunnel(ctx, DefaultSSHBinary, lease, port, supervisor, logger)
		},
		Dial: func(ctx context.Context, lease vm.Lease) (Remote, error) {
			client, err := remote.Dial(ctx, remote.DialConfig{
				Address: lease.Address,
				User:    lease.User,
				KeyPath: lease.KeyPath,
				Logger:  logger,
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Logger: logger,
	}
}

type sshdEndpoint struct {
	*sshd.Endpoint
}

func (e sshdEndpoint) LocalPort() int {
	return e.Port
}

// Run executes the request and returns the remote exit status. Every
// acquired resource is released before Run returns, on a context detached
// from ctx so that cancellation does not skip the teardown.
func (o *Orchestrator) Run(ctx context.Context, req Request) (status int, err error) {
	baseDir, relDir, err := resolveWorkDir(req.BaseDir, req.WorkDir)
	if err != nil {
		return -1, err
	}
	if req.Executable == "" {
		return -1, errors.New("no executable given")
	}

	logger := logging.Ensure(o.Logger).With("session", uuid.NewString(), "profile", req.Profile)
	stack := NewStack(logger)
	defer func() {
		unwindErr := stack.Unwind(context.WithoutCancel(ctx))
		switch {
		case unwindErr == nil:
		case err != nil:
			err = errors.Join(err, unwindErr)
		default:
			err = &CleanupError{Err: unwindErr}
		}
	}()

	lease, err := o.Leases.GetLease(ctx, req.Profile)
	if err != nil {
		return -1, fmt.Errorf("request lease: %w", err)
	}
	logger = logger.With("address", lease.Address)
	logger.Info("lease acquired")

	scratch, removeScratch, err := setup.NewScratchDir(o.RuntimeDir, "session-")
	if err != nil {
		return -1, err
	}
	stack.Push("scratch directory", func(context.Context) error {
		removeScratch()
		return nil
	})

	mountKey, err := o.createKey(ctx, stack, filepath.Join(scratch, mountKeyName), logger)
	if err != nil {
		return -1, err
	}
	hostKey, err := o.createKey(ctx, stack, filepath.Join(scratch, hostKeyName), logger)
	if err != nil {
		return -1, err
	}

	endpoint, err := o.StartEndpoint(ctx, hostKey, mountKey, scratch)
	if err != nil {
		return -1, err
	}
	stack.Push("sshd", func(context.Context) error {
		endpoint.Shutdown()
		return nil
	})
	if err := endpoint.WaitReady(ctx); err != nil {
		return -1, err
	}
	port := endpoint.LocalPort()

	tunnel, err := o.StartTunnel(ctx, lease, port)
	if err != nil {
		return -1, err
	}
	stack.Push("reverse tunnel", func(context.Context) error {
		tunnel.Close()
		return nil
	})

	conn, err := o.Dial(ctx, lease)
	if err != nil {
		return -1, err
	}
	stack.Push("ssh connection", func(context.Context) error {
		return conn.Close()
	})

	if err := conn.Upload(mountKey.PrivatePath, RemoteKeyPath, 0o600); err != nil {
		return -1, err
	}
	stack.Push("remote mount key", func(context.Context) error {
		return conn.Remove(RemoteKeyPath)
	})

	if err := conn.EnsureDir(MountDir); err != nil {
		return -1, err
	}
	if err := o.mount(ctx, conn, baseDir, port, logger); err != nil {
		return -1, err
	}
	stack.Push("sshfs mount", func(ctx context.Context) error {
		return runQuiet(ctx, conn, UnmountCommand())
	})

	command := ExecCommand(relDir, req.Executable, req.Args)
	logger.Info("execute", "command", command)
	status, err = conn.Exec(ctx, command, writerOr(req.Stdout, os.Stdout), writerOr(req.Stderr, os.Stderr))
	if err != nil {
		return -1, fmt.Errorf("execute command: %w", err)
	}
	logger.Info("command finished", "status", status)
	return status, nil
}

func (o *Orchestrator) createKey(ctx context.Context, stack *Stack, path string, logger *slog.Logger) (*keypair.KeyPair, error) {
	key, err := keypair.Create(ctx, path, o.KeyGenerator, logger)
	if err != nil {
		return nil, err
	}
	stack.Push(filepath.Base(path), func(context.Context) error {
		key.Release()
		return nil
	})
	return key, nil
}

// mount retries sshfs while the reverse tunnel comes up.
func (o *Orchestrator) mount(ctx context.Context, conn Remote, baseDir string, port int, logger *slog.Logger) error {
	localUser, err := o.localUser()
	if err != nil {
		return err
	}
	command := MountCommand(localUser, baseDir, port)
	clk := o.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return runQuiet(ctx, conn, command)
		},
		IsFatalError: func(err error) bool {
			var cmdErr *RemoteCommandError
			return !errors.As(err, &cmdErr)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("sshfs mount failed", "attempt", attempt, "error", err)
		},
		Attempts: mountAttempts,
		Delay:    mountDelay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("mount %s: %w", baseDir, retry.LastError(err))
	}
	logger.Info("base directory mounted", "basedir", baseDir)
	return nil
}

func (o *Orchestrator) localUser() (string, error) {
	if o.LocalUser != "" {
		return o.LocalUser, nil
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	return "", errors.New("cannot determine local user name")
}

func runQuiet(ctx context.Context, conn Remote, command string) error {
	status, err := conn.Exec(ctx, command, io.Discard, io.Discard)
	if err != nil {
		return err
	}
	if status != 0 {
		return &RemoteCommandError{Command: command, Status: status}
	}
	return nil
}

// MountCommand mounts baseDir of localUser, reached through the tunnelled
// port, onto MountDir.
func MountCommand(localUser, baseDir string, port int) string {
	return shellquote.Join(
		"sshfs",
		"-oStrictHostKeyChecking=no",
		"-oUserKnownHostsFile=/dev/null",
		localUser+"@localhost:"+baseDir,
		MountDir,
		"-p", strconv.Itoa(port),
	)
}

// UnmountCommand releases MountDir.
func UnmountCommand() string {
	return "fusermount -u " + MountDir
}

// ExecCommand changes into relDir below the mount and runs the quoted
// command line.
func ExecCommand(relDir, executable string, args []string) string {
	dir := path.Join(MountDir, filepath.ToSlash(relDir))
	argv := append([]string{executable}, args...)
	return "cd " + shellquote.Join(dir) + " && " + shellquote.Join(argv...)
}

// resolveWorkDir returns the absolute base directory and the working
// directory relative to it.
func resolveWorkDir(baseDir, workDir string) (string, string, error) {
	if baseDir == "" {
		baseDir = "."
	}
	if workDir == "" {
		workDir = "."
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve base directory: %w", err)
	}
	work, err := filepath.Abs(workDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve working directory: %w", err)
	}
	rel, err := filepath.Rel(base, work)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", &OutsideBaseDirError{BaseDir: base, WorkDir: work}
	}
	return base, rel, nil
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}
