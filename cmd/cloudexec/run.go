package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/crepererum/cloudexec/internal/cloud"
	cloudlibvirt "github.com/crepererum/cloudexec/internal/cloud/libvirt"
	"github.com/crepererum/cloudexec/internal/config"
	"github.com/crepererum/cloudexec/internal/daemon"
	"github.com/crepererum/cloudexec/internal/keypair"
	"github.com/crepererum/cloudexec/internal/pool"
	"github.com/crepererum/cloudexec/internal/session"
	"github.com/crepererum/cloudexec/internal/setup"
	"github.com/crepererum/cloudexec/internal/vm"
)

// socketPath returns the configured socket, or the default one inside the
// runtime directory.
func socketPath(s settings) (string, error) {
	if s.Socket != "" {
		return filepath.Abs(s.Socket)
	}
	dir, err := setup.DefaultRuntimeDir()
	if err != nil {
		return "", err
	}
	return setup.SocketPath(dir), nil
}

const (
	keyGenNative    = "native"
	keyGenSSHKeygen = "ssh-keygen"
)

// keyGenerator maps the --keygen value to a key generator.
func keyGenerator(name string) (keypair.Generator, error) {
	switch name {
	case "", keyGenNative:
		return keypair.NativeGenerator{}, nil
	case keyGenSSHKeygen:
		return keypair.SSHKeygen{}, nil
	default:
		return nil, fmt.Errorf("unknown key generator %q", name)
	}
}

func runDaemon(ctx context.Context, s settings, logger *slog.Logger) error {
	configPath := s.ConfigPath
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	keyGen, err := keyGenerator(s.KeyGen)
	if err != nil {
		return err
	}

	socket, err := socketPath(s)
	if err != nil {
		return err
	}
	runtimeDir := filepath.Dir(socket)
	if err := setup.EnsureRuntimeDir(runtimeDir); err != nil {
		return err
	}
	keyDir, removeKeyDir, err := setup.NewScratchDir(runtimeDir, "daemon-")
	if err != nil {
		return err
	}
	defer removeKeyDir()

	registry := cloud.Default()
	registry.Register(cloudlibvirt.ProviderName, cloudlibvirt.NewDriver)

	manager := pool.New(pool.Options{
		Config:       cfg,
		Registry:     registry,
		KeyDir:       keyDir,
		KeyGenerator: keyGen,
		Bootstrapper: vm.SSHBootstrapper{Logger: logger},
		Logger:       logger,
	})
	logger.Info("daemon starting", "config", configPath, "profiles", cfg.ProfileNames(), "providers", registry.Providers())

	serveErr := daemon.NewServer(socket, manager, logger).Serve(ctx)

	logger.Info("destroying pooled machines")
	destroyErr := manager.DestroyAll(context.WithoutCancel(ctx))
	return errors.Join(serveErr, destroyErr)
}

func runList(ctx context.Context, s settings, stdout io.Writer) error {
	socket, err := socketPath(s)
	if err != nil {
		return err
	}
	entries, err := daemon.NewClient(socket).List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tADDRESS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Profile, e.Address)
	}
	return w.Flush()
}

func runClient(ctx context.Context, s settings, argv []string, stdout, stderr io.Writer, logger *slog.Logger) (int, error) {
	keyGen, err := keyGenerator(s.KeyGen)
	if err != nil {
		return -1, err
	}
	socket, err := socketPath(s)
	if err != nil {
		return -1, err
	}
	runtimeDir := filepath.Dir(socket)
	if err := setup.EnsureRuntimeDir(runtimeDir); err != nil {
		return -1, err
	}
	workDir, err := os.Getwd()
	if err != nil {
		return -1, fmt.Errorf("resolve working directory: %w", err)
	}

	orchestrator := session.New(daemon.NewClient(socket), runtimeDir, logger)
	orchestrator.KeyGenerator = keyGen
	return orchestrator.Run(ctx, session.Request{
		Profile:    s.Profile,
		BaseDir:    s.BaseDir,
		WorkDir:    workDir,
		Executable: argv[0],
		Args:       argv[1:],
		Stdout:     stdout,
		Stderr:     stderr,
	})
}
