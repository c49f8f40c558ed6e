package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"usbvault/internal/crypto"
)

// Config carries the recognized vault options. Values are immutable once
// handed to the vault; there is no ambient mutable configuration.
type Config struct {
	VaultDir          string   `yaml:"vaultDir"`
	DevicePath        string   `yaml:"devicePath"`
	MountRoots        []string `yaml:"mountRoots"`
	MaxFailedAttempts int      `yaml:"maxFailedAttempts"`
	AutoLockSeconds   *int     `yaml:"autoLockSeconds"` // 0 disables auto-lock
	LockoutSeconds    int      `yaml:"lockoutSeconds"`
	KDFIterations     int      `yaml:"kdfIterations"`
	AuditLogPath      string   `yaml:"auditLog"`
	WipePasses        int      `yaml:"wipePasses"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.setDefaults()
	return c
}

// Load reads a YAML config file. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.setDefaults()
			return c, nil
		}
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.setDefaults()
	return c, nil
}

func (c *Config) setDefaults() {
	if c.VaultDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.VaultDir = filepath.Join(home, ".secure_vault")
	}
	if len(c.MountRoots) == 0 {
		c.MountRoots = []string{"/media", "/run/media", "/mnt"}
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 5
	}
	if c.AutoLockSeconds == nil {
		v := 300
		c.AutoLockSeconds = &v
	}
	if c.LockoutSeconds <= 0 {
		c.LockoutSeconds = 30
	}
	if c.KDFIterations <= 0 {
		c.KDFIterations = crypto.DefaultIterations
	}
	if c.AuditLogPath == "" {
		c.AuditLogPath = filepath.Join(c.VaultDir, "security.log")
	}
	if c.WipePasses <= 0 {
		c.WipePasses = 3
	}
}

// AutoLock returns the inactivity deadline; zero means auto-lock disabled.
func (c Config) AutoLock() time.Duration {
	if c.AutoLockSeconds == nil {
		return 300 * time.Second
	}
	return time.Duration(*c.AutoLockSeconds) * time.Second
}

func (c Config) Lockout() time.Duration {
	return time.Duration(c.LockoutSeconds) * time.Second
}

func (c Config) IndexPath() string { return filepath.Join(c.VaultDir, ".vault_index") }

func (c Config) StatePath() string { return filepath.Join(c.VaultDir, ".vault_state") }
