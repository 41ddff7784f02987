package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
)

// testServer is an in-process SSH server with scripted commands and an SFTP
// subsystem rooted at a temporary directory.
type testServer struct {
	addr *net.TCPAddr
	root string
}

type scriptedResult struct {
	stdout string
	stderr string
	status uint32
}

var scripted = map[string]scriptedResult{
	"echo hello": {stdout: "hello\n"},
	"fail":       {stderr: "boom\n", status: 3},
	"both":       {stdout: "out\n", stderr: "err\n"},
}

func startTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errUnauthorized
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := &testServer{addr: ln.Addr().(*net.TCPAddr), root: t.TempDir()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, config)
		}
	}()
	return srv
}

var errUnauthorized = errors.New("unauthorized key")

func (s *testServer) serve(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *testServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			_ = req.Reply(true, nil)
			result := scripted[payload.Command]
			_, _ = ch.Write([]byte(result.stdout))
			_, _ = ch.Stderr().Write([]byte(result.stderr))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{result.status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.root))
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func dialTestServer(t *testing.T) (*Client, *testServer) {
	t.Helper()
	key, err := keypair.Create(context.Background(), filepath.Join(t.TempDir(), "id"), keypair.NativeGenerator{Bits: 2048}, logging.Discard())
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	t.Cleanup(key.Release)
	signer, err := key.Signer()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	srv := startTestServer(t, signer.PublicKey())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Dial(ctx, DialConfig{
		Address: srv.addr.IP.String(),
		Port:    srv.addr.Port,
		User:    "root",
		KeyPath: key.PrivatePath,
		Timeout: 5 * time.Second,
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestExecStreamsOutput(t *testing.T) {
	client, _ := dialTestServer(t)

	tests := []struct {
		command    string
		wantStatus int
		wantStdout string
		wantStderr string
	}{
		{command: "echo hello", wantStatus: 0, wantStdout: "hello\n"},
		{command: "fail", wantStatus: 3, wantStderr: "boom\n"},
	}
	for _, tc := range tests {
		t.Run(tc.command, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			status, err := client.Exec(context.Background(), tc.command, &stdout, &stderr)
			if err != nil {
				t.Fatalf("Exec() error = %v", err)
			}
			if status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", status, tc.wantStatus)
			}
			if stdout.String() != tc.wantStdout || stderr.String() != tc.wantStderr {
				t.Fatalf("stdout = %q, stderr = %q", stdout.String(), stderr.String())
			}
		})
	}
}

func TestExecSharedWriter(t *testing.T) {
	client, _ := dialTestServer(t)

	var combined bytes.Buffer
	status, err := client.Exec(context.Background(), "both", &combined, &combined)
	if err != nil || status != 0 {
		t.Fatalf("Exec() = %d, %v", status, err)
	}
	got := combined.String()
	if got != "out\nerr\n" && got != "err\nout\n" {
		t.Fatalf("combined output = %q", got)
	}
}

func TestSFTPOperations(t *testing.T) {
	client, srv := dialTestServer(t)

	local := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(local, []byte("private"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.Upload(local, ".ssh/id_rsa", 0o600); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	uploaded := filepath.Join(srv.root, ".ssh", "id_rsa")
	info, err := os.Stat(uploaded)
	if err != nil {
		t.Fatalf("stat uploaded: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
	if data, _ := os.ReadFile(uploaded); string(data) != "private" {
		t.Fatalf("content = %q", data)
	}

	for i := 0; i < 2; i++ {
		if err := client.EnsureDir("mount"); err != nil {
			t.Fatalf("EnsureDir() call %d error = %v", i, err)
		}
	}
	if info, err := os.Stat(filepath.Join(srv.root, "mount")); err != nil || !info.IsDir() {
		t.Fatalf("mount directory missing: %v", err)
	}

	names, err := client.List(".")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 2 || names[0] != ".ssh" || names[1] != "mount" {
		t.Fatalf("List() = %v", names)
	}

	for i := 0; i < 2; i++ {
		if err := client.Remove(".ssh/id_rsa"); err != nil {
			t.Fatalf("Remove() call %d error = %v", i, err)
		}
	}
	if _, err := os.Stat(uploaded); !os.IsNotExist(err) {
		t.Fatalf("uploaded key still present: %v", err)
	}
}

func TestDialGivesUpAfterTimeout(t *testing.T) {
	key, err := keypair.Create(context.Background(), filepath.Join(t.TempDir(), "id"), keypair.NativeGenerator{Bits: 2048}, logging.Discard())
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	defer key.Release()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	_, err = Dial(context.Background(), DialConfig{
		Address: "127.0.0.1",
		Port:    port,
		User:    "root",
		KeyPath: key.PrivatePath,
		Timeout: 300 * time.Millisecond,
		Logger:  logging.Discard(),
	})
	if err == nil {
		t.Fatal("Dial() succeeded against a closed port")
	}
}
