package policy

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk rule file shape:
//
//	preset: production
//	allow_private_networks: false
//	allow_cidrs: ["8.8.8.0/24"]
//	deny_cidrs: ["8.8.8.8/32"]
//	allow_ports: ["53", "30000-30100"]
//	deny_ports: ["25"]
type File struct {
	Preset               string   `yaml:"preset"`
	AllowPrivateNetworks *bool    `yaml:"allow_private_networks"`
	AllowCIDRs           []string `yaml:"allow_cidrs"`
	DenyCIDRs            []string `yaml:"deny_cidrs"`
	AllowPorts           []string `yaml:"allow_ports"`
	DenyPorts            []string `yaml:"deny_ports"`
}

// LoadFile reads and validates a YAML rule file into a Config.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return f.ToConfig()
}

// ToConfig validates the file contents into a buildable Config.
func (f File) ToConfig() (Config, error) {
	cfg := Config{Preset: PresetProduction, AllowPrivateNetworks: f.AllowPrivateNetworks}

	if f.Preset != "" {
		preset, err := ParsePreset(f.Preset)
		if err != nil {
			return Config{}, err
		}
		cfg.Preset = preset
	}

	var err error
	if cfg.AllowCIDRs, err = parseCIDRStrings(f.AllowCIDRs); err != nil {
		return Config{}, fmt.Errorf("allow_cidrs: %w", err)
	}
	if cfg.DenyCIDRs, err = parseCIDRStrings(f.DenyCIDRs); err != nil {
		return Config{}, fmt.Errorf("deny_cidrs: %w", err)
	}
	if cfg.AllowPorts, err = parsePortStrings(f.AllowPorts); err != nil {
		return Config{}, fmt.Errorf("allow_ports: %w", err)
	}
	if cfg.DenyPorts, err = parsePortStrings(f.DenyPorts); err != nil {
		return Config{}, fmt.Errorf("deny_ports: %w", err)
	}
	return cfg, nil
}

func parseCIDRStrings(entries []string) ([]netip.Prefix, error) {
	return ParseCIDRList(strings.Join(entries, ","))
}

func parsePortStrings(entries []string) ([]PortRange, error) {
	return ParsePortRanges(strings.Join(entries, ","))
}
