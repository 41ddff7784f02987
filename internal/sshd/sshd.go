// Package sshd runs a throwaway OpenSSH server on a free loopback port. The
// remote machine reaches it through a reverse tunnel to mount the local base
// directory with sshfs.
package sshd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/process"
)

const (
	// DefaultStartPort is where the port scan begins.
	DefaultStartPort = 8000

	configName = "sshd_config"
	logName    = "sshd.log"
	pidName    = "sshd.pid"

	defaultReadyTimeout = 10 * time.Second
)

const configTemplate = `Port {{.Port}}
ListenAddress 127.0.0.1
HostKey {{quote .HostKey}}
LogLevel DEBUG
AuthorizedKeysFile {{quote .AuthorizedKeysFile}}
PidFile {{quote .PIDFile}}
Subsystem sftp internal-sftp
UsePAM no
PasswordAuthentication no
KbdInteractiveAuthentication no
StrictModes no
`

// EndpointStartError reports that the server could not be launched.
type EndpointStartError struct {
	Port int
	Err  error
}

func (e *EndpointStartError) Error() string {
	return fmt.Sprintf("start local ssh endpoint on port %d: %v", e.Port, e.Err)
}

func (e *EndpointStartError) Unwrap() error {
	return e.Err
}

// ConfigData is the input of the rendered sshd configuration.
type ConfigData struct {
	Port               int
	HostKey            string
	AuthorizedKeysFile string
	PIDFile            string
}

// RenderConfig produces an sshd_config accepting only public key logins for
// the authorized key.
func RenderConfig(data ConfigData) ([]byte, error) {
	tmpl, err := template.New(configName).
		Funcs(template.FuncMap{"quote": strconv.Quote}).
		Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse sshd config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render sshd config: %w", err)
	}
	return buf.Bytes(), nil
}

// Options tune how the server is launched and supervised. The zero value is
// usable.
type Options struct {
	// Binary is the sshd executable; sshd needs an absolute path to re-exec
	// itself, so relative names are resolved.
	Binary      string
	StartPort   int
	StepTimeout time.Duration
	Supervisor  *process.Supervisor
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Endpoint is one running sshd instance. It owns its port reservation and
// the configuration, log and pid files in its working directory.
type Endpoint struct {
	Port       int
	ConfigPath string
	LogPath    string
	PIDFile    string

	launcher    *process.Child
	supervisor  *process.Supervisor
	stepTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	once sync.Once
}

// Start writes the configuration into workdir and launches sshd trusting
// authorizedKey. It returns once the process is spawned; use WaitReady to
// wait for the listener.
func Start(ctx context.Context, hostKey, authorizedKey *keypair.KeyPair, workdir string, opts Options) (*Endpoint, error) {
	logger := logging.Ensure(opts.Logger).With("component", "sshd")
	if err := ctx.Err(); err != nil {
		return nil, &EndpointStartError{Err: err}
	}

	binary, err := resolveBinary(opts.Binary)
	if err != nil {
		return nil, &EndpointStartError{Err: err}
	}

	startPort := opts.StartPort
	if startPort <= 0 {
		startPort = DefaultStartPort
	}
	port, err := process.FindFreePort(startPort)
	if err != nil {
		return nil, &EndpointStartError{Err: err}
	}

	ep := &Endpoint{
		Port:        port,
		ConfigPath:  filepath.Join(workdir, configName),
		LogPath:     filepath.Join(workdir, logName),
		PIDFile:     filepath.Join(workdir, pidName),
		supervisor:  opts.Supervisor,
		stepTimeout: opts.StepTimeout,
		clock:       opts.Clock,
		logger:      logger.With("port", port),
	}
	if ep.supervisor == nil {
		ep.supervisor = process.NewSupervisor(logger)
	}
	if ep.clock == nil {
		ep.clock = clock.WallClock
	}

	cfg, err := RenderConfig(ConfigData{
		Port:               port,
		HostKey:            hostKey.PrivatePath,
		AuthorizedKeysFile: authorizedKey.PublicPath,
		PIDFile:            ep.PIDFile,
	})
	if err == nil {
		err = os.WriteFile(ep.ConfigPath, cfg, 0o600)
	}
	if err != nil {
		process.ReleasePort(port)
		return nil, &EndpointStartError{Port: port, Err: err}
	}

	ep.logger.Info("starting sshd", "config", ep.ConfigPath)
	child, err := process.Start(exec.Command(binary, "-f", ep.ConfigPath, "-E", ep.LogPath))
	if err != nil {
		process.ReleasePort(port)
		return nil, &EndpointStartError{Port: port, Err: err}
	}
	ep.launcher = child
	return ep, nil
}

var errLauncherFailed = errors.New("sshd exited with an error")

// WaitReady polls the port until sshd accepts connections.
func (e *Endpoint) WaitReady(ctx context.Context) error {
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(e.Port))
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if e.launcher != nil && e.launcher.Exited() {
				if werr := e.launcher.Wait(); werr != nil {
					return fmt.Errorf("%w: %v (see %s)", errLauncherFailed, werr, e.LogPath)
				}
			}
			conn, err := net.DialTimeout("tcp", address, time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errLauncherFailed)
		},
		Attempts:    -1,
		Delay:       50 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxDuration: defaultReadyTimeout,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("wait for sshd on %s: %w", address, retry.LastError(err))
	}
	return nil
}

// Shutdown stops the daemon named in the pid file, then the launcher, and
// releases the port. It is idempotent and never fails; problems are logged.
func (e *Endpoint) Shutdown() {
	e.once.Do(e.shutdown)
}

func (e *Endpoint) shutdown() {
	defer process.ReleasePort(e.Port)

	// sshd forks away from the launcher; the daemon writes the pid file once
	// it listens
	if e.launcher != nil {
		if !e.launcher.Exited() || e.launcher.Wait() == nil {
			if daemon, err := e.readPIDFile(); err != nil {
				e.logger.Debug("no sshd daemon to stop", "error", err)
			} else {
				e.supervisor.Shutdown(daemon, e.stepTimeout)
			}
		}
		e.supervisor.Shutdown(e.launcher, e.stepTimeout)
	}
	e.logger.Info("sshd stopped")
}

func (e *Endpoint) readPIDFile() (process.PIDProcess, error) {
	var pid process.PIDProcess
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			pid, err = process.ReadPIDFile(e.PIDFile)
			return err
		},
		Attempts: 20,
		Delay:    50 * time.Millisecond,
		Clock:    e.clock,
	})
	if err != nil {
		return 0, retry.LastError(err)
	}
	return pid, nil
}

func resolveBinary(name string) (string, error) {
	if name == "" {
		name = "sshd"
		if _, err := exec.LookPath(name); err != nil {
			name = "/usr/sbin/sshd"
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("sshd not found: %w", err)
	}
	return filepath.Abs(path)
}
