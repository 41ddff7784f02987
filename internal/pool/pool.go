// Package pool keeps one provisioned machine per configured profile. Machines
// are created on the first lease request for their profile and live until
// DestroyAll.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/crepererum/cloudexec/internal/cloud"
	"github.com/crepererum/cloudexec/internal/config"
	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/logging"
	"github.com/crepererum/cloudexec/internal/vm"
)

// UnknownProfileError reports a lease request for a profile that is not
// configured.
type UnknownProfileError struct {
	Profile string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown profile %q", e.Profile)
}

// UnknownAccountError reports a profile referring to an account that is not
// configured.
type UnknownAccountError struct {
	Profile string
	Account string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("unknown account %q", e.Account)
}

// ErrClosed is returned for requests arriving after DestroyAll.
var ErrClosed = errors.New("pool is shut down")

// Options configure a Manager.
type Options struct {
	Config   *config.Config
	Registry *cloud.Registry
	// KeyDir holds the access keys of the pooled machines.
	KeyDir       string
	KeyGenerator keypair.Generator
	Bootstrapper vm.Bootstrapper
	Logger       *slog.Logger
}

// Entry describes a ready machine.
type Entry struct {
	Profile string
	Address string
}

// Manager maps profile names to machines.
type Manager struct {
	cfg      *config.Config
	registry *cloud.Registry
	keyDir   string
	keyGen   keypair.Generator
	boot     vm.Bootstrapper
	logger   *slog.Logger

	// provisioning outlives the request that triggered it
	ctx    context.Context
	cancel context.CancelFunc

	inflight   singleflight.Group
	driverInit singleflight.Group
	// provisioning counts running provisions; Add only under mu while open
	provisioning sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*vm.Handle
	drivers map[string]cloud.Driver
	closed  bool
}

// New returns an empty pool.
func New(opts Options) *Manager {
	registry := opts.Registry
	if registry == nil {
		registry = cloud.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      opts.Config,
		registry: registry,
		keyDir:   opts.KeyDir,
		keyGen:   opts.KeyGenerator,
		boot:     opts.Bootstrapper,
		logger:   logging.Ensure(opts.Logger).With("component", "pool"),
		ctx:      ctx,
		cancel:   cancel,
		handles:  map[string]*vm.Handle{},
		drivers:  map[string]cloud.Driver{},
	}
}

// GetLease returns the lease of profile's machine, provisioning it first if
// needed. Concurrent requests for one profile share a single provisioning;
// a failed provisioning leaves the profile without a machine so a later
// request retries. ctx only bounds the wait of this caller.
func (m *Manager) GetLease(ctx context.Context, profile string) (vm.Lease, error) {
	if h, ok := m.lookup(profile); ok {
		return h.Lease(), nil
	}

	prof, ok := m.cfg.Profile(profile)
	if !ok {
		return vm.Lease{}, &UnknownProfileError{Profile: profile}
	}

	result := m.inflight.DoChan(profile, func() (any, error) {
		if h, ok := m.lookup(profile); ok {
			return h, nil
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		m.provisioning.Add(1)
		m.mu.Unlock()
		defer m.provisioning.Done()

		if err := prof.Validate(profile); err != nil {
			return nil, err
		}
		driver, err := m.createDriver(profile, prof.Account)
		if err != nil {
			return nil, err
		}
		h, err := m.createVm(m.ctx, profile, driver, prof.ImageID, prof.SizeID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			if destroyErr := h.Destroy(context.Background()); destroyErr != nil {
				m.logger.Error("failed to destroy machine provisioned during shutdown", "profile", profile, "error", destroyErr)
			}
			return nil, ErrClosed
		}
		m.handles[profile] = h
		m.mu.Unlock()
		return h, nil
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return vm.Lease{}, res.Err
		}
		return res.Val.(*vm.Handle).Lease(), nil
	case <-ctx.Done():
		return vm.Lease{}, ctx.Err()
	}
}

func (m *Manager) lookup(profile string) (*vm.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[profile]
	return h, ok
}

// createDriver returns the cached driver of account, creating it on first
// use. Exactly one driver exists per account name.
func (m *Manager) createDriver(profile, accountName string) (cloud.Driver, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if driver, ok := m.drivers[accountName]; ok {
		m.mu.Unlock()
		return driver, nil
	}
	m.mu.Unlock()

	v, err, _ := m.driverInit.Do(accountName, func() (any, error) {
		m.mu.Lock()
		if driver, ok := m.drivers[accountName]; ok {
			m.mu.Unlock()
			return driver, nil
		}
		m.mu.Unlock()

		account, ok := m.cfg.Account(accountName)
		if !ok {
			return nil, &UnknownAccountError{Profile: profile, Account: accountName}
		}
		if err := account.Validate(accountName); err != nil {
			return nil, err
		}

		m.logger.Info("creating driver", "account", accountName, "provider", account.Provider)
		driver, err := m.registry.New(account.Provider, cloud.Credentials{
			Username: account.Username,
			APIKey:   account.APIKey,
			Region:   account.Region,
			Options:  account.Options,
		}, m.logger.With("account", accountName))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.drivers[accountName] = driver
		return driver, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cloud.Driver), nil
}

func (m *Manager) createVm(ctx context.Context, profile string, driver cloud.Driver, imageID, sizeID string) (*vm.Handle, error) {
	m.logger.Info("provisioning VM", "profile", profile)
	h, err := vm.Provision(ctx, vm.ProvisionRequest{
		Profile:      profile,
		Driver:       driver,
		ImageID:      imageID,
		SizeID:       sizeID,
		KeyDir:       m.keyDir,
		KeyGenerator: m.keyGen,
		Bootstrapper: m.boot,
		Logger:       m.logger,
	})
	if err != nil {
		m.logger.Error("provisioning failed", "profile", profile, "error", err)
		return nil, err
	}
	m.logger.Info("VM ready", "profile", profile, "address", h.Address)
	return h, nil
}

// List returns the ready machines sorted by profile.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, 0, len(m.handles))
	for profile, h := range m.handles {
		entries = append(entries, Entry{Profile: profile, Address: h.Address})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Profile < entries[j].Profile })
	return entries
}

// DestroyAll aborts in-flight provisioning, waits for it to unwind, destroys
// every machine and closes the drivers. ctx bounds the wait for in-flight
// provisioning. A failure never stops the remaining teardown; all failures
// are returned joined.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	var errs []error
	unwound := make(chan struct{})
	go func() {
		m.provisioning.Wait()
		close(unwound)
	}()
	select {
	case <-unwound:
	case <-ctx.Done():
		m.logger.Error("gave up waiting for in-flight provisioning", "error", ctx.Err())
		errs = append(errs, fmt.Errorf("wait for in-flight provisioning: %w", ctx.Err()))
	}

	m.mu.Lock()
	handles := m.handles
	drivers := m.drivers
	m.handles = map[string]*vm.Handle{}
	m.drivers = map[string]cloud.Driver{}
	m.mu.Unlock()

	profiles := make([]string, 0, len(handles))
	for profile := range handles {
		profiles = append(profiles, profile)
	}
	sort.Strings(profiles)
	for _, profile := range profiles {
		m.logger.Info("destroying VM", "profile", profile)
		if err := handles[profile].Destroy(ctx); err != nil {
			m.logger.Error("failed to destroy VM", "profile", profile, "error", err)
			errs = append(errs, fmt.Errorf("profile %s: %w", profile, err))
		}
	}
	for account, driver := range drivers {
		if err := driver.Close(); err != nil {
			m.logger.Warn("failed to close driver", "account", account, "error", err)
			errs = append(errs, fmt.Errorf("close driver for account %s: %w", account, err))
		}
	}
	return errors.Join(errs...)
}
