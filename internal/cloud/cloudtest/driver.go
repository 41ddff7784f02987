// Package cloudtest provides an in-memory cloud.Driver for tests.
package cloudtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crepererum/cloudexec/internal/cloud"
)

// Driver records every call and serves a fixed catalog.
type Driver struct {
	Images  []cloud.Image
	Sizes   []cloud.Size
	Address string

	CreateErr  error
	WaitErr    error
	DestroyErr error
	// CreateGate, when set, blocks CreateNode until it is closed.
	CreateGate chan struct{}

	mu          sync.Mutex
	creates     int
	destroyed   []string
	keys        map[string]*cloud.KeyPair
	deletedKeys []string
	closed      bool
	afterClose  int
}

// NewDriver returns a driver offering image "img-1" and size "small".
func NewDriver() *Driver {
	return &Driver{
		Images:  []cloud.Image{{ID: "img-1", Name: "Test Image"}},
		Sizes:   []cloud.Size{{ID: "small", Name: "Small", VCPUs: 1, MemoryMB: 1024}},
		Address: "192.0.2.10",
		keys:    map[string]*cloud.KeyPair{},
	}
}

// Factory returns a cloud.Factory that always hands out d.
func (d *Driver) Factory() cloud.Factory {
	return func(cloud.Credentials, *slog.Logger) (cloud.Driver, error) {
		return d, nil
	}
}

func (d *Driver) ListImages(context.Context) ([]cloud.Image, error) {
	return d.Images, nil
}

func (d *Driver) ListSizes(context.Context) ([]cloud.Size, error) {
	return d.Sizes, nil
}

func (d *Driver) ImportKeyPair(_ context.Context, name string, publicKey []byte) (*cloud.KeyPair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]*cloud.KeyPair{}
	}
	key := &cloud.KeyPair{Name: name, PublicKey: string(publicKey)}
	d.keys[name] = key
	return key, nil
}

func (d *Driver) DeleteKeyPair(_ context.Context, key *cloud.KeyPair) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.afterClose++
	}
	delete(d.keys, key.Name)
	d.deletedKeys = append(d.deletedKeys, key.Name)
	return nil
}

func (d *Driver) CreateNode(ctx context.Context, spec cloud.NodeSpec) (*cloud.Node, error) {
	d.mu.Lock()
	d.creates++
	gate := d.CreateGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.CreateErr != nil {
		return nil, d.CreateErr
	}
	return &cloud.Node{ID: spec.Name, Name: spec.Name}, nil
}

func (d *Driver) WaitUntilRunning(_ context.Context, node *cloud.Node) (string, error) {
	if d.WaitErr != nil {
		return "", d.WaitErr
	}
	node.Address = d.Address
	return d.Address, nil
}

func (d *Driver) DestroyNode(_ context.Context, node *cloud.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.afterClose++
	}
	d.destroyed = append(d.destroyed, node.Name)
	if d.DestroyErr != nil {
		return fmt.Errorf("destroy %s: %w", node.Name, d.DestroyErr)
	}
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Creates returns the number of CreateNode calls.
func (d *Driver) Creates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates
}

// Destroyed returns the names of destroyed nodes.
func (d *Driver) Destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

// ImportedKeys returns the names of key pairs currently imported.
func (d *Driver) ImportedKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.keys))
	for name := range d.keys {
		names = append(names, name)
	}
	return names
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CallsAfterClose returns the number of teardown calls made after Close.
func (d *Driver) CallsAfterClose() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.afterClose
}
