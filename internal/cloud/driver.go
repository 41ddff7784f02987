// Package cloud defines the provider-neutral driver capability used to
// provision machines, and the registry that maps provider names to driver
// factories.
package cloud

import (
	"context"
	"fmt"
	"log/slog"
)

// Image is a bootable image offered by a provider.
type Image struct {
	ID   string
	Name string
}

// Size is a machine shape offered by a provider.
type Size struct {
	ID       string
	Name     string
	VCPUs    int
	MemoryMB int
}

// KeyPair is a public key registered with the provider.
type KeyPair struct {
	Name      string
	PublicKey string
}

// Node is a machine created through a driver.
type Node struct {
	ID      string
	Name    string
	Address string
	// Extra holds provider specific bookkeeping.
	Extra map[string]string
}

// NodeSpec describes the machine CreateNode provisions.
type NodeSpec struct {
	Name    string
	Image   Image
	Size    Size
	KeyPair *KeyPair
}

// Driver is the capability a cloud provider exposes. Drivers are created once
// per account and shared by every machine provisioned through that account.
type Driver interface {
	ListImages(ctx context.Context) ([]Image, error)
	ListSizes(ctx context.Context) ([]Size, error)
	ImportKeyPair(ctx context.Context, name string, publicKey []byte) (*KeyPair, error)
	DeleteKeyPair(ctx context.Context, key *KeyPair) error
	CreateNode(ctx context.Context, spec NodeSpec) (*Node, error)
	// WaitUntilRunning blocks until node is running and returns its public
	// address.
	WaitUntilRunning(ctx context.Context, node *Node) (string, error)
	DestroyNode(ctx context.Context, node *Node) error
	Close() error
}

// Credentials carries the account fields a factory needs.
type Credentials struct {
	Username string
	APIKey   string
	Region   string
	Options  map[string]string
}

// Option returns an option value or fallback when unset.
func (c Credentials) Option(key, fallback string) string {
	if value, ok := c.Options[key]; ok && value != "" {
		return value
	}
	return fallback
}

// Factory builds a driver for one account.
type Factory func(creds Credentials, logger *slog.Logger) (Driver, error)

// UnknownProviderError reports an account naming a provider without a
// registered factory.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}
