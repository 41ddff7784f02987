// Package config loads the cloudexec configuration document: the named cloud
// accounts and the profiles that select an account, an image and a size.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Account holds the credentials of one cloud provider account.
type Account struct {
	Provider string            `yaml:"provider"`
	Username string            `yaml:"username"`
	APIKey   string            `yaml:"api_key"`
	Region   string            `yaml:"region"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// Profile selects the account, image and size used for one pooled VM.
type Profile struct {
	Account string `yaml:"account"`
	ImageID string `yaml:"image_id"`
	SizeID  string `yaml:"size_id"`
}

// Config is the parsed configuration document. It is read-only once loaded.
type Config struct {
	Accounts map[string]Account `yaml:"accounts"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// InvalidConfigurationError reports a required attribute missing from an
// account or profile entry.
type InvalidConfigurationError struct {
	Kind  string // "account" or "profile"
	Name  string
	Field string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration for %s %q, %q attribute is missing", e.Kind, e.Kind, e.Name, e.Field)
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse configuration %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Unknown attributes are rejected so
// that typos do not silently fall back to empty values.
func Parse(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &Config{}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// Account returns the named account entry.
func (c *Config) Account(name string) (Account, bool) {
	if c == nil {
		return Account{}, false
	}
	account, ok := c.Accounts[name]
	return account, ok
}

// Profile returns the named profile entry.
func (c *Config) Profile(name string) (Profile, bool) {
	if c == nil {
		return Profile{}, false
	}
	profile, ok := c.Profiles[name]
	return profile, ok
}

// ProfileNames lists the configured profiles in sorted order.
func (c *Config) ProfileNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every required account attribute is present.
func (a Account) Validate(name string) error {
	required := []struct {
		field string
		value string
	}{
		{"provider", a.Provider},
		{"username", a.Username},
		{"api_key", a.APIKey},
		{"region", a.Region},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &InvalidConfigurationError{Kind: "account", Name: name, Field: r.field}
		}
	}
	return nil
}

// Validate checks that every required profile attribute is present.
func (p Profile) Validate(name string) error {
	required := []struct {
		field string
		value string
	}{
		{"account", p.Account},
		{"image_id", p.ImageID},
		{"size_id", p.SizeID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &InvalidConfigurationError{Kind: "profile", Name: name, Field: r.field}
		}
	}
	return nil
}

// DefaultPath resolves the configuration file used when none is given:
// $XDG_CONFIG_HOME/cloudexec/cloudexec.conf when it exists, ~/.cloudexecrc
// otherwise.
func DefaultPath() string {
	home, _ := os.UserHomeDir()

	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome == "" && home != "" {
		configHome = filepath.Join(home, ".config")
	}
	if configHome != "" {
		candidate := filepath.Join(configHome, "cloudexec", "cloudexec.conf")
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return filepath.Join(home, ".cloudexecrc")
}
