package libvirt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"
)

const seedVolumeLabel = "cidata"

func ensureRunDirectory(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("run directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve run directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create run directory %q: %w", abs, err)
	}
	return abs, nil
}

// createDiskOverlay creates a qcow2 overlay backed by baseImagePath.
func createDiskOverlay(baseImagePath, overlayPath string) error {
	if baseImagePath == "" {
		return errors.New("base image path is empty")
	}
	if _, err := os.Stat(baseImagePath); err != nil {
		return fmt.Errorf("stat base image %q: %w", baseImagePath, err)
	}
	if err := os.Remove(overlayPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing overlay %q: %w", overlayPath, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return fmt.Errorf("qemu-img not found in PATH: %w", err)
	}
	cmd := exec.Command(qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", baseImagePath, overlayPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

type cloudUser struct {
	Name              string   `yaml:"name"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type cloudConfig struct {
	DisableRoot bool  `yaml:"disable_root"`
	SSHPwauth   bool  `yaml:"ssh_pwauth"`
	Users       []any `yaml:"users"`
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// renderSeed produces the NoCloud user-data and meta-data documents granting
// root access to publicKey.
func renderSeed(hostname, publicKey string) (userData, meta []byte, err error) {
	cfg := cloudConfig{
		DisableRoot: false,
		SSHPwauth:   false,
		Users: []any{
			"default",
			cloudUser{Name: "root", SSHAuthorizedKeys: []string{strings.TrimSpace(publicKey)}},
		},
	}
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("render user-data: %w", err)
	}
	userData = append([]byte("#cloud-config\n"), body...)

	meta, err = yaml.Marshal(metaData{InstanceID: hostname, LocalHostname: hostname})
	if err != nil {
		return nil, nil, fmt.Errorf("render meta-data: %w", err)
	}
	return userData, meta, nil
}

// writeSeedISO writes a cloud-init NoCloud seed image to imagePath.
func writeSeedISO(imagePath, hostname, publicKey string) error {
	userData, meta, err := renderSeed(hostname, publicKey)
	if err != nil {
		return err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(bytes.NewReader(userData), "user-data"); err != nil {
		return fmt.Errorf("stage user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader(meta), "meta-data"); err != nil {
		return fmt.Errorf("stage meta-data: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create seed image: %w", err)
	}
	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write seed image: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize seed image: %w", err)
	}
	return nil
}
