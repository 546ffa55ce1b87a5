// Package config loads and validates the nvsync run configuration. All
// invariants are checked once at load time; the rest of the program
// receives a Config it can trust.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/flo-mic/nvsync/internal/osrelease"
)

// DefaultPath is where nvsync looks for its configuration unless --config
// overrides it.
const DefaultPath = "/etc/nvsync/config.yaml"

// versionRe pins the desired version to the major.minor shape; a patch
// level belongs to the on-disk artifacts, never to the configured target.
var versionRe = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

// Default package catalogs. The host needs the full driver stack including
// the kernel module; containers only need the userspace libraries matching
// it. Overridable per config file.
var (
	defaultHostPackages = []string{
		"nvidia-driver", "nvidia-smi", "nvidia-persistenced",
	}
	defaultUbuntuPackages = []string{
		"nvidia-utils", "libnvidia-compute", "libnvidia-decode", "libnvidia-encode",
	}
	defaultDebianPackages = []string{
		"nvidia-driver-libs", "nvidia-smi", "libnvidia-ml1",
	}
)

// Config is the fixed-per-run configuration.
type Config struct {
	// DriverVersion is the major.minor version the fleet converges to.
	DriverVersion string `yaml:"driver_version" validate:"required"`

	// RebootTargets are container VMIDs restarted after their update;
	// StageTargets only receive the updated files, their restart is left
	// to an operator-controlled window. The lists must be disjoint.
	RebootTargets []int `yaml:"reboot_targets" validate:"dive,gt=0"`
	StageTargets  []int `yaml:"stage_targets" validate:"dive,gt=0"`

	// SettleSeconds is the delay after starting a container before
	// commands are issued against it.
	SettleSeconds int `yaml:"settle_seconds" validate:"gte=0"`

	HostPackages            []string `yaml:"host_packages"`
	ContainerPackagesUbuntu []string `yaml:"container_packages_ubuntu"`
	ContainerPackagesDebian []string `yaml:"container_packages_debian"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SettleSeconds == 0 {
		c.SettleSeconds = 5
	}
	if len(c.HostPackages) == 0 {
		c.HostPackages = defaultHostPackages
	}
	if len(c.ContainerPackagesUbuntu) == 0 {
		c.ContainerPackagesUbuntu = defaultUbuntuPackages
	}
	if len(c.ContainerPackagesDebian) == 0 {
		c.ContainerPackagesDebian = defaultDebianPackages
	}
}

// Validate checks struct tags and the cross-field invariants: a parseable
// major.minor version and disjoint target lists.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if !versionRe.MatchString(c.DriverVersion) {
		return fmt.Errorf("driver_version %q must be <major>.<minor>", c.DriverVersion)
	}
	if _, err := goversion.NewVersion(c.DriverVersion); err != nil {
		return fmt.Errorf("driver_version %q: %w", c.DriverVersion, err)
	}

	seen := make(map[int]string)
	for _, id := range c.RebootTargets {
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("container %d listed twice in %s", id, prev)
		}
		seen[id] = "reboot_targets"
	}
	for _, id := range c.StageTargets {
		if prev, dup := seen[id]; dup {
			if prev == "reboot_targets" {
				return fmt.Errorf("container %d is in both reboot_targets and stage_targets", id)
			}
			return fmt.Errorf("container %d listed twice in stage_targets", id)
		}
		seen[id] = "stage_targets"
	}
	return nil
}

// Settle returns the post-start settling delay.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// ContainerPackages returns the catalog for a container OS family, or nil
// for an unsupported family. Host packages are never returned here — the
// catalogs are mutually exclusive.
func (c *Config) ContainerPackages(f osrelease.Family) []string {
	switch f {
	case osrelease.Ubuntu:
		return c.ContainerPackagesUbuntu
	case osrelease.Debian:
		return c.ContainerPackagesDebian
	}
	return nil
}

// Save writes the configuration to path, creating parent directories.
// Used by the init wizard.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}
