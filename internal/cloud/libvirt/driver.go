// Package libvirt provisions machines on a libvirt host. Base images are the
// volumes of the active storage pools; every node boots from a qcow2 overlay
// with a cloud-init seed that authorizes the imported key for root.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	libvirt "libvirt.org/go/libvirt"

	"github.com/crepererum/cloudexec/internal/cloud"
	"github.com/crepererum/cloudexec/internal/logging"
)

const (
	// ProviderName is the provider identifier used in account entries.
	ProviderName = "libvirt"

	DefaultNetwork = "default"
	DefaultWorkdir = "/var/lib/libvirt/images/cloudexec"

	defaultWaitTimeout = 5 * time.Minute
	defaultPollDelay   = 2 * time.Second

	overlayName = "disk.qcow2"
	seedName    = "seed.iso"
)

var sizes = []cloud.Size{
	{ID: "small", Name: "1 vCPU, 1 GiB", VCPUs: 1, MemoryMB: 1024},
	{ID: "medium", Name: "2 vCPU, 2 GiB", VCPUs: 2, MemoryMB: 2048},
	{ID: "large", Name: "4 vCPU, 4 GiB", VCPUs: 4, MemoryMB: 4096},
	{ID: "xlarge", Name: "8 vCPU, 8 GiB", VCPUs: 8, MemoryMB: 8192},
}

var _ cloud.Driver = (*Driver)(nil)

// Driver implements cloud.Driver against one libvirt connection.
type Driver struct {
	Network string
	Workdir string
	// Bridge overrides the bridge used for the neighbour table fallback.
	Bridge string

	Clock       clock.Clock
	WaitTimeout time.Duration
	PollDelay   time.Duration
	Logger      *slog.Logger

	hv hypervisor

	mu   sync.Mutex
	keys map[string]*cloud.KeyPair
}

// NewDriver is the cloud.Factory of the libvirt provider. The account region
// is the connection URI; username and api key answer authentication prompts.
func NewDriver(creds cloud.Credentials, logger *slog.Logger) (cloud.Driver, error) {
	hv, err := connect(creds.Region, creds.Username, creds.APIKey)
	if err != nil {
		return nil, err
	}
	return newDriver(hv, creds, logger), nil
}

func newDriver(hv hypervisor, creds cloud.Credentials, logger *slog.Logger) *Driver {
	return &Driver{
		Network: creds.Option("network", DefaultNetwork),
		Workdir: creds.Option("workdir", DefaultWorkdir),
		Bridge:  creds.Option("bridge", ""),
		Clock:   clock.WallClock,
		Logger:  logging.Ensure(logger).With("component", "libvirt", "uri", creds.Region),
		hv:      hv,
		keys:    map[string]*cloud.KeyPair{},
	}
}

func (d *Driver) logger() *slog.Logger {
	return logging.Ensure(d.Logger)
}

// ListImages lists every volume of every active storage pool as
// "<pool>/<volume>".
func (d *Driver) ListImages(ctx context.Context) ([]cloud.Image, error) {
	volumes, err := d.hv.listVolumes()
	if err != nil {
		return nil, err
	}
	images := make([]cloud.Image, 0, len(volumes))
	for _, vol := range volumes {
		images = append(images, cloud.Image{ID: vol.Pool + "/" + vol.Name, Name: vol.Name})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	return images, nil
}

// ListSizes returns the fixed size catalog.
func (d *Driver) ListSizes(ctx context.Context) ([]cloud.Size, error) {
	return append([]cloud.Size(nil), sizes...), nil
}

// ImportKeyPair records the public key; it is injected through the seed
// image of nodes created with it.
func (d *Driver) ImportKeyPair(ctx context.Context, name string, publicKey []byte) (*cloud.KeyPair, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("key pair name is required")
	}
	if len(strings.TrimSpace(string(publicKey))) == 0 {
		return nil, errors.New("public key is empty")
	}
	key := &cloud.KeyPair{Name: name, PublicKey: strings.TrimSpace(string(publicKey))}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[name] = key
	return key, nil
}

// DeleteKeyPair forgets a recorded key.
func (d *Driver) DeleteKeyPair(ctx context.Context, key *cloud.KeyPair) error {
	if key == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key.Name)
	return nil
}

// CreateNode prepares the overlay and seed images and boots the domain.
func (d *Driver) CreateNode(ctx context.Context, spec cloud.NodeSpec) (*cloud.Node, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("node name is required")
	}
	if spec.KeyPair == nil {
		return nil, errors.New("node requires a key pair")
	}
	logger := d.logger().With("node", spec.Name, "image", spec.Image.ID, "size", spec.Size.ID)

	basePath, err := d.volumePath(spec.Image.ID)
	if err != nil {
		return nil, err
	}

	runDir, err := ensureRunDirectory(filepath.Join(d.Workdir, spec.Name))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if err := os.RemoveAll(runDir); err != nil {
			logger.Warn("failed to remove run directory", "path", runDir, "error", err)
		}
	}

	overlay := filepath.Join(runDir, overlayName)
	if err := createDiskOverlay(basePath, overlay); err != nil {
		cleanup()
		return nil, fmt.Errorf("prepare overlay disk: %w", err)
	}
	logger.Debug("created overlay disk", "base_image", basePath, "overlay", overlay)

	seed := filepath.Join(runDir, seedName)
	if err := writeSeedISO(seed, spec.Name, spec.KeyPair.PublicKey); err != nil {
		cleanup()
		return nil, fmt.Errorf("prepare seed image: %w", err)
	}

	mac := generateMAC(spec.Name)
	domainXML, err := renderDomainXML(defaultDomain, domainTemplateData{
		Name:     spec.Name,
		MemoryMB: spec.Size.MemoryMB,
		VCPUs:    spec.Size.VCPUs,
		Overlay:  overlay,
		Seed:     seed,
		Network:  d.Network,
		MAC:      mac,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("render domain definition: %w", err)
	}

	if err := d.hv.defineAndStart(string(domainXML)); err != nil {
		cleanup()
		return nil, err
	}
	logger.Info("domain started", "mac", mac)

	return &cloud.Node{
		ID:   spec.Name,
		Name: spec.Name,
		Extra: map[string]string{
			"mac":     mac,
			"run_dir": runDir,
		},
	}, nil
}

func (d *Driver) volumePath(imageID string) (string, error) {
	volumes, err := d.hv.listVolumes()
	if err != nil {
		return "", err
	}
	for _, vol := range volumes {
		if vol.Pool+"/"+vol.Name == imageID {
			return vol.Path, nil
		}
	}
	return "", fmt.Errorf("volume %q not found", imageID)
}

// WaitUntilRunning polls the network's DHCP leases, then the bridge
// neighbour table, for the node's MAC address.
func (d *Driver) WaitUntilRunning(ctx context.Context, node *cloud.Node) (string, error) {
	if node == nil {
		return "", errors.New("node is nil")
	}
	mac := node.Extra["mac"]
	if mac == "" {
		mac = generateMAC(node.Name)
	}
	logger := d.logger().With("node", node.Name, "mac", mac)

	timeout := d.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	delay := d.PollDelay
	if delay <= 0 {
		delay = defaultPollDelay
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var address string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ip, err := d.lookupAddress(mac)
			if err != nil {
				return err
			}
			address = ip
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("node has no address yet", "attempt", attempt, "error", err)
		},
		Attempts:    -1,
		Delay:       delay,
		MaxDuration: timeout,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("wait for node %s: %w", node.Name, retry.LastError(err))
	}

	node.Address = address
	logger.Info("node is running", "address", address)
	return address, nil
}

var errNoAddress = errors.New("no address for MAC")

func (d *Driver) lookupAddress(mac string) (string, error) {
	leases, leaseErr := d.hv.dhcpLeases(d.Network)
	if ip := findLease(leases, mac); ip != nil {
		return ip.String(), nil
	}

	bridge := d.Bridge
	if bridge == "" {
		name, err := d.hv.bridgeName(d.Network)
		if err != nil {
			return "", errors.Join(errNoAddress, leaseErr, err)
		}
		bridge = name
	}
	neighbours, neighErr := listNeighbours(bridge)
	if ip := findLease(neighbours, mac); ip != nil {
		return ip.String(), nil
	}
	return "", errors.Join(errNoAddress, leaseErr, neighErr)
}

// DestroyNode stops and undefines the domain and removes its disks. A domain
// that no longer exists is not an error.
func (d *Driver) DestroyNode(ctx context.Context, node *cloud.Node) error {
	if node == nil {
		return nil
	}
	var errs []error
	if err := d.hv.destroyDomain(node.Name); err != nil && !isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
		errs = append(errs, err)
	}

	runDir := node.Extra["run_dir"]
	if runDir == "" {
		runDir = filepath.Join(d.Workdir, node.Name)
	}
	if err := os.RemoveAll(runDir); err != nil {
		errs = append(errs, fmt.Errorf("remove run directory: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.logger().Info("node destroyed", "node", node.Name)
	return nil
}

// Close releases the libvirt connection.
func (d *Driver) Close() error {
	return d.hv.close()
}
