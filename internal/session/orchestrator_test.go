package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/pool"
	"github.com/crepererum/cloudexec/internal/vm"
)

var errInjected = errors.New("injected failure")

// fileGenerator writes placeholder key files.
type fileGenerator struct{}

func (fileGenerator) Generate(_ context.Context, path string) error {
	if err := os.WriteFile(path, []byte("private"), 0o600); err != nil {
		return err
	}
	return os.WriteFile(path+keypair.PublicSuffix, []byte("ssh-rsa AAAA test"), 0o644)
}

type recorder struct {
	mu       sync.Mutex
	acquired []string
	released []string
	commands []string
}

func (r *recorder) acquire(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired = append(r.acquired, name)
}

func (r *recorder) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, name)
}

type harness struct {
	rec    *recorder
	failAt string
	// blockAt names a remote step that waits for cancellation.
	blockAt  string
	blocked  chan struct{}
	sshfsErr []int
	// unmountErr is the context state seen by the unmount.
	unmountErr error
	keyPaths   []string
	lease      vm.Lease
	uploaded   map[string]os.FileMode
}

type fakeLeases struct{ h *harness }

func (l fakeLeases) GetLease(_ context.Context, profile string) (vm.Lease, error) {
	if l.h.failAt == "lease" {
		return vm.Lease{}, &pool.UnknownProfileError{Profile: profile}
	}
	l.h.rec.acquire("lease")
	return l.h.lease, nil
}

type fakeEndpoint struct {
	h    *harness
	port int
}

func (e *fakeEndpoint) LocalPort() int { return e.port }

func (e *fakeEndpoint) WaitReady(context.Context) error {
	if e.h.failAt == "ready" {
		return errInjected
	}
	return nil
}

func (e *fakeEndpoint) Shutdown() { e.h.rec.release("sshd") }

type fakeTunnel struct{ h *harness }

func (t fakeTunnel) Close() { t.h.rec.release("tunnel") }

type fakeRemote struct {
	h *harness
}

func (r *fakeRemote) block(ctx context.Context) (int, error) {
	close(r.h.blocked)
	<-ctx.Done()
	return -1, ctx.Err()
}

func (r *fakeRemote) Exec(ctx context.Context, command string, stdout, _ io.Writer) (int, error) {
	r.h.rec.mu.Lock()
	r.h.rec.commands = append(r.h.rec.commands, command)
	r.h.rec.mu.Unlock()

	switch {
	case strings.HasPrefix(command, "sshfs "):
		if r.h.blockAt == "mount" {
			return r.block(ctx)
		}
		if r.h.failAt == "mount" {
			return -1, errInjected
		}
		if len(r.h.sshfsErr) > 0 {
			status := r.h.sshfsErr[0]
			r.h.sshfsErr = r.h.sshfsErr[1:]
			return status, nil
		}
		r.h.rec.acquire("mount")
		return 0, nil
	case command == UnmountCommand():
		r.h.unmountErr = ctx.Err()
		r.h.rec.release("mount")
		return 0, nil
	case strings.HasPrefix(command, "cd "):
		if r.h.blockAt == "exec" {
			return r.block(ctx)
		}
		if r.h.failAt == "exec" {
			return -1, errInjected
		}
		if strings.HasSuffix(command, "&& echo hello") {
			_, _ = io.WriteString(stdout, "hello\n")
			return 0, nil
		}
		return 42, nil
	}
	return 127, nil
}

func (r *fakeRemote) Upload(localPath, remotePath string, mode os.FileMode) error {
	if r.h.failAt == "upload" {
		return errInjected
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	r.h.uploaded[remotePath] = mode
	r.h.rec.acquire("key upload")
	return nil
}

func (r *fakeRemote) Remove(remotePath string) error {
	delete(r.h.uploaded, remotePath)
	r.h.rec.release("key upload")
	return nil
}

func (r *fakeRemote) EnsureDir(string) error {
	if r.h.failAt == "mkdir" {
		return errInjected
	}
	return nil
}

func (r *fakeRemote) Close() error {
	r.h.rec.release("connection")
	return nil
}

func newHarness(t *testing.T, failAt string) (*Orchestrator, *harness) {
	t.Helper()
	h := &harness{
		rec:      &recorder{},
		failAt:   failAt,
		blocked:  make(chan struct{}),
		lease:    vm.Lease{Address: "192.0.2.10", User: "root", KeyPath: "/keys/key.ssh.ZGVmYXVsdA=="},
		uploaded: map[string]os.FileMode{},
	}
	o := &Orchestrator{
		Leases:       fakeLeases{h},
		RuntimeDir:   t.TempDir(),
		KeyGenerator: fileGenerator{},
		StartEndpoint: func(_ context.Context, hostKey, authorizedKey *keypair.KeyPair, workdir string) (Endpoint, error) {
			if failAt == "endpoint" {
				return nil, errInjected
			}
			h.keyPaths = []string{authorizedKey.PrivatePath, hostKey.PrivatePath}
			if filepath.Dir(hostKey.PrivatePath) != workdir {
				t.Errorf("host key %s not in scratch dir %s", hostKey.PrivatePath, workdir)
			}
			h.rec.acquire("sshd")
			return &fakeEndpoint{h: h, port: 8022}, nil
		},
		StartTunnel: func(_ context.Context, lease vm.Lease, port int) (Tunnel, error) {
			if failAt == "tunnel" {
				return nil, errInjected
			}
			if port != 8022 || lease != h.lease {
				t.Errorf("tunnel started with %v port %d", lease, port)
			}
			h.rec.acquire("tunnel")
			return fakeTunnel{h}, nil
		},
		Dial: func(context.Context, vm.Lease) (Remote, error) {
			if failAt == "dial" {
				return nil, errInjected
			}
			h.rec.acquire("connection")
			return &fakeRemote{h: h}, nil
		},
		LocalUser: "alice",
		Logger:    logging.Discard(),
	}
	return o, h
}

func reversed(in []string) []string {
	var out []string
	for i := len(in) - 1; i >= 0; i-- {
		out = append(out, in[i])
	}
	return out
}

func TestRunEchoHello(t *testing.T) {
	o, h := newHarness(t, "")
	base := t.TempDir()
	work := filepath.Join(base, "src", "pkg")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var stdout bytes.Buffer
	status, err := o.Run(context.Background(), Request{
		Profile:    "default",
		BaseDir:    base,
		WorkDir:    work,
		Executable: "echo",
		Args:       []string{"hello"},
		Stdout:     &stdout,
		Stderr:     io.Discard,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status != 0 || stdout.String() != "hello\n" {
		t.Fatalf("Run() = %d, %q", status, stdout.String())
	}

	wantAcquired := []string{"lease", "sshd", "tunnel", "connection", "key upload", "mount"}
	if !reflect.DeepEqual(h.rec.acquired, wantAcquired) {
		t.Fatalf("acquired = %v", h.rec.acquired)
	}
	if want := reversed(wantAcquired[1:]); !reflect.DeepEqual(h.rec.released, want) {
		t.Fatalf("released = %v, want %v", h.rec.released, want)
	}

	wantMount := "sshfs -oStrictHostKeyChecking=no -oUserKnownHostsFile=/dev/null alice@localhost:" + base + " mount -p 8022"
	if h.rec.commands[0] != wantMount {
		t.Fatalf("mount command = %q, want %q", h.rec.commands[0], wantMount)
	}
	if got, want := h.rec.commands[1], "cd mount/src/pkg && echo hello"; got != want {
		t.Fatalf("exec command = %q, want %q", got, want)
	}
	if len(h.uploaded) != 0 {
		t.Fatalf("remote key left behind: %v", h.uploaded)
	}
	for _, path := range h.keyPaths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("local key %s not released: %v", path, err)
		}
	}
	if entries, _ := os.ReadDir(o.RuntimeDir); len(entries) != 0 {
		t.Fatalf("scratch directory left behind: %v", entries)
	}
}

func TestRunReturnsRemoteStatus(t *testing.T) {
	o, _ := newHarness(t, "")
	base := t.TempDir()
	status, err := o.Run(context.Background(), Request{
		Profile:    "default",
		BaseDir:    base,
		WorkDir:    base,
		Executable: "false",
		Stdout:     io.Discard,
		Stderr:     io.Discard,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status != 42 {
		t.Fatalf("status = %d, want remote status 42", status)
	}
}

func TestRunReleasesWhatWasAcquired(t *testing.T) {
	for _, failAt := range []string{"lease", "endpoint", "ready", "tunnel", "dial", "upload", "mkdir", "mount", "exec"} {
		t.Run(failAt, func(t *testing.T) {
			o, h := newHarness(t, failAt)
			base := t.TempDir()
			_, err := o.Run(context.Background(), Request{
				Profile:    "default",
				BaseDir:    base,
				WorkDir:    base,
				Executable: "true",
				Stdout:     io.Discard,
				Stderr:     io.Discard,
			})
			if err == nil {
				t.Fatal("Run() succeeded despite injected failure")
			}

			var acquired []string
			for _, name := range h.rec.acquired {
				if name != "lease" {
					acquired = append(acquired, name)
				}
			}
			if want := reversed(acquired); !reflect.DeepEqual(h.rec.released, want) {
				t.Fatalf("released = %v, want %v", h.rec.released, want)
			}
			if entries, _ := os.ReadDir(o.RuntimeDir); len(entries) != 0 {
				t.Fatalf("scratch directory left behind: %v", entries)
			}
		})
	}
}

func TestRunUnwindsAfterCancellation(t *testing.T) {
	tests := []struct {
		blockAt      string
		wantAcquired []string
	}{
		{"mount", []string{"lease", "sshd", "tunnel", "connection", "key upload"}},
		{"exec", []string{"lease", "sshd", "tunnel", "connection", "key upload", "mount"}},
	}
	for _, tc := range tests {
		t.Run(tc.blockAt, func(t *testing.T) {
			o, h := newHarness(t, "")
			h.blockAt = tc.blockAt
			base := t.TempDir()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() {
				_, err := o.Run(ctx, Request{
					Profile:    "default",
					BaseDir:    base,
					WorkDir:    base,
					Executable: "sleep",
					Args:       []string{"600"},
					Stdout:     io.Discard,
					Stderr:     io.Discard,
				})
				done <- err
			}()

			select {
			case <-h.blocked:
			case <-time.After(5 * time.Second):
				t.Fatal("remote step never started")
			}
			cancel()

			var err error
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run() did not return after cancellation")
			}
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Run() error = %v, want context.Canceled", err)
			}

			h.rec.mu.Lock()
			defer h.rec.mu.Unlock()
			if !reflect.DeepEqual(h.rec.acquired, tc.wantAcquired) {
				t.Fatalf("acquired = %v, want %v", h.rec.acquired, tc.wantAcquired)
			}
			if want := reversed(tc.wantAcquired[1:]); !reflect.DeepEqual(h.rec.released, want) {
				t.Fatalf("released = %v, want %v", h.rec.released, want)
			}
			if h.unmountErr != nil {
				t.Fatalf("unmount ran on a cancelled context: %v", h.unmountErr)
			}
			if entries, _ := os.ReadDir(o.RuntimeDir); len(entries) != 0 {
				t.Fatalf("scratch directory left behind: %v", entries)
			}
		})
	}
}

func TestRunRetriesMount(t *testing.T) {
	o, h := newHarness(t, "")
	h.sshfsErr = []int{1, 1}
	base := t.TempDir()
	status, err := o.Run(context.Background(), Request{
		Profile:    "default",
		BaseDir:    base,
		WorkDir:    base,
		Executable: "echo",
		Args:       []string{"hello"},
		Stdout:     io.Discard,
		Stderr:     io.Discard,
	})
	if err != nil || status != 0 {
		t.Fatalf("Run() = %d, %v", status, err)
	}
	mounts := 0
	for _, cmd := range h.rec.commands {
		if strings.HasPrefix(cmd, "sshfs ") {
			mounts++
		}
	}
	if mounts != 3 {
		t.Fatalf("sshfs ran %d times, want 3", mounts)
	}
}

func TestRunRejectsWorkDirOutsideBaseDir(t *testing.T) {
	o, h := newHarness(t, "")
	root := t.TempDir()
	_, err := o.Run(context.Background(), Request{
		Profile:    "default",
		BaseDir:    filepath.Join(root, "project"),
		WorkDir:    filepath.Join(root, "elsewhere"),
		Executable: "true",
	})
	var outside *OutsideBaseDirError
	if !errors.As(err, &outside) {
		t.Fatalf("error = %v, want OutsideBaseDirError", err)
	}
	if len(h.rec.acquired) != 0 {
		t.Fatalf("resources acquired before rejection: %v", h.rec.acquired)
	}
}

func TestExecCommandQuoting(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		exe  string
		args []string
		want string
	}{
		{"plain", ".", "echo", []string{"hello"}, "cd mount && echo hello"},
		{"subdir", "a/b", "make", []string{"-j4"}, "cd mount/a/b && make -j4"},
		{"spaces", "my dir", "echo", []string{"a b"}, "cd 'mount/my dir' && echo 'a b'"},
		{"metacharacters", ".", "sh", []string{"-c", "$HOME;rm"}, `cd mount && sh -c \$HOME\;rm`},
		{"empty argument", ".", "printf", []string{""}, "cd mount && printf ''"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExecCommand(tc.rel, tc.exe, tc.args); got != tc.want {
				t.Fatalf("ExecCommand() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveWorkDir(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		base    string
		work    string
		wantRel string
		wantErr bool
	}{
		{"same", root, root, ".", false},
		{"nested", root, filepath.Join(root, "x", "y"), filepath.Join("x", "y"), false},
		{"parent", filepath.Join(root, "x"), root, "", true},
		{"sibling with prefix", filepath.Join(root, "x"), filepath.Join(root, "xy"), "", true},
		{"dotdot name", root, filepath.Join(root, "..data"), "..data", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, rel, err := resolveWorkDir(tc.base, tc.work)
			if (err != nil) != tc.wantErr {
				t.Fatalf("resolveWorkDir() error = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && rel != tc.wantRel {
				t.Fatalf("rel = %q, want %q", rel, tc.wantRel)
			}
		})
	}
}
