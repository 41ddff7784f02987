// Package remote is the SSH side of a session: command execution with
// streamed output and SFTP file handling on the leased machine.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
)

const (
	DefaultPort        = 22
	defaultDialTimeout = 2 * time.Minute
	handshakeTimeout   = 15 * time.Second
)

// DialConfig locates and authenticates against a remote machine.
type DialConfig struct {
	Address string
	Port    int
	User    string
	KeyPath string

	// Timeout bounds the total time spent retrying the connection.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Client is an authenticated SSH connection. Host keys are not verified:
// leased machines are fresh and their keys unknown.
type Client struct {
	conn   *ssh.Client
	logger *slog.Logger

	mu   sync.Mutex
	sftp *sftp.Client
}

// Dial connects to the machine, retrying while it boots.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	logger := logging.Ensure(cfg.Logger).With("component", "remote", "address", cfg.Address)

	signer, err := keypair.LoadSigner(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         handshakeTimeout,
	}
	address := net.JoinHostPort(cfg.Address, strconv.Itoa(port))

	var conn *ssh.Client
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			conn, err = dialOnce(ctx, address, sshConfig)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("ssh connect failed", "attempt", attempt, "error", err)
		},
		Attempts:    -1,
		Delay:       time.Second,
		MaxDelay:    10 * time.Second,
		MaxDuration: timeout,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ssh connect to %s: %w", address, retry.LastError(err))
	}
	logger.Info("ssh connection established", "user", cfg.User)
	return &Client{conn: conn, logger: logger}, nil
}

func dialOnce(ctx context.Context, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, address, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Exec runs command and streams its output into stdout and stderr as it
// arrives. Writes to stdout and stderr are serialised, so one writer may
// serve both. It returns once the exit status is known and both streams are
// drained. A non-zero exit status is not an error. Cancelling ctx sends
// SIGINT to the remote command and closes the session.
func (c *Client) Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	outPipe, err := session.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := session.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	c.logger.Debug("exec", "command", command)
	if err := session.Start(command); err != nil {
		return -1, fmt.Errorf("start remote command: %w", err)
	}

	var (
		streams sync.WaitGroup
		writeMu sync.Mutex
	)
	copyErrs := make([]error, 2)
	for i, pair := range []struct {
		dst io.Writer
		src io.Reader
	}{{stdout, outPipe}, {stderr, errPipe}} {
		streams.Add(1)
		go func() {
			defer streams.Done()
			copyErrs[i] = streamCopy(&lockedWriter{mu: &writeMu, w: pair.dst}, pair.src)
		}()
	}

	done := make(chan error, 1)
	go func() {
		streams.Wait()
		done <- session.Wait()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGINT)
		_ = session.Close()
		<-done
		return -1, ctx.Err()
	}

	if copyErr := errors.Join(copyErrs...); copyErr != nil {
		return -1, fmt.Errorf("stream remote output: %w", copyErr)
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("remote command: %w", err)
}

// Run executes command and discards its output.
func (c *Client) Run(ctx context.Context, command string) (int, error) {
	return c.Exec(ctx, command, io.Discard, io.Discard)
}

// streamCopy forwards every chunk as soon as it is read.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	if l.w == nil {
		return len(p), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func streamCopy(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_, _ = io.Copy(io.Discard, src)
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close tears down the SFTP subsystem and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
