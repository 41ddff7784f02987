// Package vm owns one provisioned machine: the provider node, the key pair
// that grants root access to it and the bootstrap that prepares it for
// sessions.
package vm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/crepererum/cloudexec/internal/cloud"
	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
)

const (
	// User is the account sessions log in as.
	User = "root"

	nodePrefix = "cloudexec_"
)

// Lease describes how to reach a provisioned machine. It carries no
// ownership: the handle outlives every lease handed out for it.
type Lease struct {
	Address string
	User    string
	KeyPath string
}

// KeyPath is where the access key of profile is stored inside keyDir.
func KeyPath(keyDir, profile string) string {
	return filepath.Join(keyDir, "key.ssh."+base64.URLEncoding.EncodeToString([]byte(profile)))
}

// NodeName returns a fresh provider node name.
func NodeName() string {
	return nodePrefix + uuid.NewString()
}

// ProvisionRequest selects what Provision creates.
type ProvisionRequest struct {
	Profile string
	Driver  cloud.Driver
	ImageID string
	SizeID  string
	KeyDir  string

	KeyGenerator keypair.Generator
	Bootstrapper Bootstrapper
	Logger       *slog.Logger
}

// Handle is one provisioned machine.
type Handle struct {
	Profile string
	Address string
	Key     *keypair.KeyPair

	driver      cloud.Driver
	providerKey *cloud.KeyPair
	node        *cloud.Node
	logger      *slog.Logger

	mu        sync.Mutex
	destroyed bool
}

// Provision creates, boots and bootstraps a machine. On any failure the
// partially created resources are destroyed before the error is returned.
func Provision(ctx context.Context, req ProvisionRequest) (*Handle, error) {
	logger := logging.Ensure(req.Logger).With("profile", req.Profile)
	if req.Driver == nil {
		return nil, errors.New("provision requires a driver")
	}

	image, size, err := resolveCatalog(ctx, req.Driver, req.ImageID, req.SizeID)
	if err != nil {
		return nil, err
	}

	key, err := keypair.Create(ctx, KeyPath(req.KeyDir, req.Profile), req.KeyGenerator, logger)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		Profile: req.Profile,
		Key:     key,
		driver:  req.Driver,
		logger:  logger,
	}

	if err := h.provision(ctx, image, size, req.Bootstrapper); err != nil {
		if destroyErr := h.Destroy(context.WithoutCancel(ctx)); destroyErr != nil {
			logger.Error("failed to clean up partially provisioned machine", "error", destroyErr)
		}
		return nil, err
	}
	return h, nil
}

func resolveCatalog(ctx context.Context, driver cloud.Driver, imageID, sizeID string) (cloud.Image, cloud.Size, error) {
	images, err := driver.ListImages(ctx)
	if err != nil {
		return cloud.Image{}, cloud.Size{}, fmt.Errorf("list images: %w", err)
	}
	image, ok := findByID(images, imageID, func(i cloud.Image) string { return i.ID })
	if !ok {
		return cloud.Image{}, cloud.Size{}, &ImageNotFoundError{ImageID: imageID, Available: images}
	}

	sizes, err := driver.ListSizes(ctx)
	if err != nil {
		return cloud.Image{}, cloud.Size{}, fmt.Errorf("list sizes: %w", err)
	}
	size, ok := findByID(sizes, sizeID, func(s cloud.Size) string { return s.ID })
	if !ok {
		return cloud.Image{}, cloud.Size{}, &SizeNotFoundError{SizeID: sizeID, Available: sizes}
	}
	return image, size, nil
}

func findByID[T any](items []T, id string, key func(T) string) (T, bool) {
	for _, item := range items {
		if key(item) == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

func (h *Handle) provision(ctx context.Context, image cloud.Image, size cloud.Size, bootstrapper Bootstrapper) error {
	publicKey, err := h.Key.AuthorizedKey()
	if err != nil {
		return err
	}

	name := NodeName()
	logger := h.logger.With("node", name)

	providerKey, err := h.driver.ImportKeyPair(ctx, name, publicKey)
	if err != nil {
		return fmt.Errorf("import key pair: %w", err)
	}
	h.providerKey = providerKey

	logger.Info("creating node", "image", image.ID, "size", size.ID)
	node, err := h.driver.CreateNode(ctx, cloud.NodeSpec{
		Name:    name,
		Image:   image,
		Size:    size,
		KeyPair: providerKey,
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	h.node = node

	address, err := h.driver.WaitUntilRunning(ctx, node)
	if err != nil {
		return fmt.Errorf("wait for node: %w", err)
	}
	h.Address = address
	logger.Info("VM is up and running", "address", address)

	if bootstrapper == nil {
		bootstrapper = SSHBootstrapper{Logger: h.logger}
	}
	if err := bootstrapper.Bootstrap(ctx, Target{Address: address, User: User, KeyPath: h.Key.PrivatePath}); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

// Lease returns the access description of the machine.
func (h *Handle) Lease() Lease {
	return Lease{Address: h.Address, User: User, KeyPath: h.Key.PrivatePath}
}

// Destroy tears the machine down: node, provider key, then the local key
// files. Every step runs even if an earlier one fails. Destroy is idempotent
// and tolerates resources that were never created.
func (h *Handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.destroyed = true

	var errs []error
	if h.node != nil {
		h.logger.Info("destroying node", "node", h.node.Name)
		if err := h.driver.DestroyNode(ctx, h.node); err != nil {
			errs = append(errs, fmt.Errorf("destroy node %s: %w", h.node.Name, err))
		}
	}
	if h.providerKey != nil {
		if err := h.driver.DeleteKeyPair(ctx, h.providerKey); err != nil {
			errs = append(errs, fmt.Errorf("delete key pair %s: %w", h.providerKey.Name, err))
		}
	}
	h.Key.Release()
	return errors.Join(errs...)
}

// Destroyed reports whether Destroy has run.
func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}
