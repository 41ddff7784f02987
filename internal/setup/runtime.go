package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	// RuntimeDirName is the directory below $HOME shared by daemon and clients.
	RuntimeDirName = ".cloudexec"
	// SocketName is the file name of the daemon's RPC socket.
	SocketName = "socket"

	privateDirMode os.FileMode = 0o700
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger configures the package logger used for setup operations.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}

// DefaultRuntimeDir returns ~/.cloudexec.
func DefaultRuntimeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, RuntimeDirName), nil
}

// SocketPath returns the RPC socket location inside runtimeDir.
func SocketPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, SocketName)
}

// EnsureRuntimeDir creates dir with mode 0700, or resets the mode of an
// existing directory to 0700.
func EnsureRuntimeDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return errors.New("runtime directory is empty")
	}

	err := os.Mkdir(dir, privateDirMode)
	switch {
	case err == nil:
		getLogger().Debug("created runtime directory", "path", dir)
		return nil
	case errors.Is(err, os.ErrExist):
		info, statErr := os.Stat(dir)
		if statErr != nil {
			return fmt.Errorf("stat runtime directory %s: %w", dir, statErr)
		}
		if !info.IsDir() {
			return fmt.Errorf("runtime path %s is not a directory", dir)
		}
		if err := os.Chmod(dir, privateDirMode); err != nil {
			return fmt.Errorf("restrict runtime directory %s: %w", dir, err)
		}
		return nil
	default:
		return fmt.Errorf("create runtime directory %s: %w", dir, err)
	}
}

// NewScratchDir creates a private temporary directory below runtimeDir. The
// returned remove function deletes it with everything inside; it logs instead
// of failing so it can run during teardown.
func NewScratchDir(runtimeDir, pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp(runtimeDir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create scratch directory: %w", err)
	}
	if err := os.Chmod(dir, privateDirMode); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("restrict scratch directory %s: %w", dir, err)
	}

	remove := func() {
		if err := os.RemoveAll(dir); err != nil {
			getLogger().Warn("failed to remove scratch directory", "path", dir, "error", err)
		}
	}
	return dir, remove, nil
}
