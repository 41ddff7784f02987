package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crepererum/cloudexec/internal/cloud"
	"github.com/crepererum/cloudexec/internal/config"
	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/pool"
	"github.com/crepererum/cloudexec/internal/vm"
)

type fakePool struct {
	leases map[string]vm.Lease
	errs   map[string]error
	block  chan struct{}
}

func (p *fakePool) GetLease(ctx context.Context, profile string) (vm.Lease, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return vm.Lease{}, ctx.Err()
		}
	}
	if err, ok := p.errs[profile]; ok {
		return vm.Lease{}, err
	}
	lease, ok := p.leases[profile]
	if !ok {
		return vm.Lease{}, &pool.UnknownProfileError{Profile: profile}
	}
	return lease, nil
}

func (p *fakePool) List() []pool.Entry {
	return []pool.Entry{{Profile: "default", Address: "192.0.2.10"}}
}

// socketPath keeps the path short enough for sun_path.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cxd")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, p Pool) string {
	t.Helper()
	path := socketPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(path, p, logging.Discard())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return path
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never started listening")
	return ""
}

func TestGetLeaseRoundTrip(t *testing.T) {
	want := vm.Lease{Address: "192.0.2.10", User: "root", KeyPath: "/run/cloudexec/key.ssh.ZGVmYXVsdA=="}
	path := startServer(t, &fakePool{leases: map[string]vm.Lease{"default": want}})

	client := NewClient(path)
	got, err := client.GetLease(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetLease() error = %v", err)
	}
	if got != want {
		t.Fatalf("GetLease() = %#v, want %#v", got, want)
	}

	entries, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Profile != "default" || entries[0].Address != "192.0.2.10" {
		t.Fatalf("List() = %#v", entries)
	}
}

func TestErrorCodes(t *testing.T) {
	p := &fakePool{
		errs: map[string]error{
			"orphan":  &pool.UnknownAccountError{Profile: "orphan", Account: "missing"},
			"foreign": &cloud.UnknownProviderError{Provider: "nimbus"},
			"partial": &config.InvalidConfigurationError{Kind: "account", Name: "lab", Field: "api_key"},
			"image":   &vm.ImageNotFoundError{ImageID: "img-9", Available: []cloud.Image{{ID: "img-1", Name: "debian"}}},
			"size":    &vm.SizeNotFoundError{SizeID: "huge"},
			"broken":  errors.New("quota exceeded"),
		},
	}
	path := startServer(t, p)
	client := NewClient(path)

	tests := []struct {
		profile string
		code    string
	}{
		{"ghost", CodeUnknownProfile},
		{"orphan", CodeUnknownAccount},
		{"foreign", CodeUnknownProvider},
		{"partial", CodeInvalidConfiguration},
		{"image", CodeImageNotFound},
		{"size", CodeSizeNotFound},
		{"broken", CodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.profile, func(t *testing.T) {
			_, err := client.GetLease(context.Background(), tc.profile)
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("error = %v, want RequestError", err)
			}
			if reqErr.Code != tc.code {
				t.Fatalf("code = %q, want %q (message %q)", reqErr.Code, tc.code, reqErr.Message)
			}
			if reqErr.Message == "" {
				t.Fatal("message is empty")
			}
			if !IsCode(err, tc.code) {
				t.Fatal("IsCode() = false")
			}
		})
	}
}

func TestUnknownActionRejected(t *testing.T) {
	path := startServer(t, &fakePool{})
	client := NewClient(path)
	_, err := client.send(context.Background(), Request{Action: "reboot"})
	if !IsCode(err, CodeInternal) {
		t.Fatalf("error = %v, want internal", err)
	}
}

func TestGetLeaseHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	path := startServer(t, &fakePool{block: block})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewClient(path).GetLease(ctx, "default")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

// rawServer answers every connection with resp.
func rawServer(t *testing.T, resp Response) string {
	t.Helper()
	path := socketPath(t)
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			var req Request
			_ = newDecoder(conn).Decode(&req)
			_ = newEncoder(conn).Encode(resp)
			conn.Close()
		}
	}()
	return path
}

func TestMalformedLease(t *testing.T) {
	encode := func(v any) []byte {
		data, err := marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"missing data", nil},
		{"future version", encode(LeaseRecord{V: 2, Address: "a", User: "root", Key: "k"})},
		{"empty address", encode(LeaseRecord{V: 1, User: "root", Key: "k"})},
		{"empty key", encode(LeaseRecord{V: 1, Address: "a", User: "root"})},
		{"wrong shape", encode([]string{"a", "b"})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := rawServer(t, Response{OK: true, Data: tc.data})
			_, err := NewClient(path).GetLease(context.Background(), "default")
			if !errors.Is(err, ErrMalformedLease) {
				t.Fatalf("error = %v, want ErrMalformedLease", err)
			}
		})
	}
}

func TestServeReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write stale socket: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(path, &fakePool{}, logging.Discard()).Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket not removed: %v", err)
	}
}
