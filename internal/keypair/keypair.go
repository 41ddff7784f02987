// Package keypair generates the ephemeral SSH keypairs used to reach pooled
// VMs and to mount the local filesystem, and owns their files on disk.
package keypair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/crepererum/cloudexec/internal/logging"
)

// PublicSuffix is appended to the private key path to form the public key path.
const PublicSuffix = ".pub"

// KeyGenerationError reports that a keypair could not be produced.
type KeyGenerationError struct {
	Path   string
	Output string
	Err    error
}

func (e *KeyGenerationError) Error() string {
	msg := fmt.Sprintf("generate key %s: %v", e.Path, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " (output: " + out + ")"
	}
	return msg
}

func (e *KeyGenerationError) Unwrap() error {
	return e.Err
}

// Generator writes an unencrypted RSA private key to path and the matching
// authorized_keys line to path + PublicSuffix, replacing existing files.
type Generator interface {
	Generate(ctx context.Context, path string) error
}

// KeyPair is a private/public key file pair. Both files belong to the
// KeyPair and are removed by Release.
type KeyPair struct {
	PrivatePath string
	PublicPath  string

	logger   *slog.Logger
	mu       sync.Mutex
	released bool
}

// Create generates a fresh keypair at path using gen. A nil generator selects
// the native generator.
func Create(ctx context.Context, path string, gen Generator, logger *slog.Logger) (*KeyPair, error) {
	logger = logging.Ensure(logger).With("key", path)
	if strings.TrimSpace(path) == "" {
		return nil, &KeyGenerationError{Path: path, Err: errors.New("key path is empty")}
	}
	if gen == nil {
		gen = NativeGenerator{}
	}

	logger.Info("generate key")
	if err := gen.Generate(ctx, path); err != nil {
		removeQuietly(path)
		removeQuietly(path + PublicSuffix)
		var genErr *KeyGenerationError
		if errors.As(err, &genErr) {
			return nil, err
		}
		return nil, &KeyGenerationError{Path: path, Err: err}
	}
	logger.Info("finished key generation")

	return &KeyPair{
		PrivatePath: path,
		PublicPath:  path + PublicSuffix,
		logger:      logger,
	}, nil
}

// AuthorizedKey returns the public half in authorized_keys format.
func (k *KeyPair) AuthorizedKey() ([]byte, error) {
	data, err := os.ReadFile(k.PublicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", k.PublicPath, err)
	}
	return data, nil
}

// Signer loads the private half for SSH authentication.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	return LoadSigner(k.PrivatePath)
}

// Release deletes both key files. Missing files are ignored and other errors
// are only logged, so Release is safe to call during teardown and more than
// once.
func (k *KeyPair) Release() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return
	}
	k.released = true

	for _, path := range []string{k.PrivatePath, k.PublicPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			k.logger.Warn("failed to remove key file", "path", path, "error", err)
		}
	}
}

// LoadSigner parses an unencrypted private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
