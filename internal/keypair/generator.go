package keypair

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/crypto/ssh"
)

const defaultRSABits = 3072

// NativeGenerator produces keys in-process in OpenSSH format.
type NativeGenerator struct {
	Bits    int
	Comment string
}

// Generate implements Generator.
func (g NativeGenerator) Generate(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bits := g.Bits
	if bits <= 0 {
		bits = defaultRSABits
	}
	comment := g.Comment
	if comment == "" {
		comment = "cloudexec"
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, comment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return fmt.Errorf("convert public key: %w", err)
	}

	if err := replaceFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	line := bytes.TrimRight(ssh.MarshalAuthorizedKey(publicKey), "\n")
	line = append(line, ' ')
	line = append(line, comment...)
	line = append(line, '\n')
	if err := replaceFile(path+PublicSuffix, line, 0o644); err != nil {
		removeQuietly(path)
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// SSHKeygen shells out to ssh-keygen.
type SSHKeygen struct {
	// Binary defaults to "ssh-keygen" looked up in PATH.
	Binary string
}

// Generate implements Generator.
func (g SSHKeygen) Generate(ctx context.Context, path string) error {
	binary := g.Binary
	if binary == "" {
		binary = "ssh-keygen"
	}
	// ssh-keygen prompts before overwriting.
	for _, p := range []string{path, path + PublicSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale key %s: %w", p, err)
		}
	}

	cmd := exec.CommandContext(ctx, binary, "-q", "-t", "rsa", "-f", path, "-N", "", "-C", "cloudexec")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &KeyGenerationError{Path: path, Output: string(output), Err: err}
	}
	return nil
}

func replaceFile(path string, data []byte, perm os.FileMode) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, data, perm)
}
