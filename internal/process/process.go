// Package process supervises the child processes of a session (local sshd,
// reverse port forward) and the daemons they leave behind.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Process is a running OS process that can be signalled and polled without
// blocking.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Exited() bool
}

// Child is a process started by this program. A reaper goroutine waits for it
// so that Exited never blocks and the process never lingers as a zombie.
type Child struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

var _ Process = (*Child)(nil)

// Start launches cmd and begins reaping it.
func Start(cmd *exec.Cmd) (*Child, error) {
	if cmd == nil {
		return nil, errors.New("command is nil")
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	child := &Child{cmd: cmd, done: make(chan struct{})}
	go func() {
		child.err = cmd.Wait()
		close(child.done)
	}()
	return child, nil
}

// Pid returns the process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Signal delivers sig. Signalling an exited child reports os.ErrProcessDone.
func (c *Child) Signal(sig os.Signal) error {
	if c.Exited() {
		return os.ErrProcessDone
	}
	return c.cmd.Process.Signal(sig)
}

// Exited reports whether the child has been reaped.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the child exits and returns its exit error.
func (c *Child) Wait() error {
	<-c.done
	return c.err
}

// PIDProcess refers to a process this program did not start, such as a
// daemon that forked away from its launcher.
type PIDProcess int

var _ Process = PIDProcess(0)

// Pid returns the process id.
func (p PIDProcess) Pid() int {
	return int(p)
}

// Signal delivers sig.
func (p PIDProcess) Signal(sig os.Signal) error {
	s, ok := sig.(unix.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	err := unix.Kill(int(p), s)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// Exited probes the process with signal 0. A zombie counts as exited: an
// orphaned daemon may linger unreaped when no init process collects it.
func (p PIDProcess) Exited() bool {
	if errors.Is(unix.Kill(int(p), 0), unix.ESRCH) {
		return true
	}
	return isZombie(int(p))
}

func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// the state field follows the parenthesised command name
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return false
	}
	return data[idx+2] == 'Z'
}

// ReadPIDFile parses a pid file as written by daemons such as sshd.
func ReadPIDFile(path string) (PIDProcess, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s holds no valid pid", path)
	}
	return PIDProcess(pid), nil
}
