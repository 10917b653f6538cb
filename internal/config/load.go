package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Sections lists the top-level configuration keys owned by this server
var Sections = []string{"valhalla", "avoidance", "feeds", "cache"}

// Source is satisfied by *koanf.Koanf, including the server framework's
// shared configuration
type Source interface {
	Exists(path string) bool
	Unmarshal(path string, o interface{}) error
}

// FromSource overlays every section present in src onto the defaults
func FromSource(src Source) (*Config, error) {
	cfg := DefaultConfig()
	targets := map[string]interface{}{
		"valhalla":  &cfg.Valhalla,
		"avoidance": &cfg.Avoidance,
		"feeds":     &cfg.Feeds,
		"cache":     &cfg.Cache,
	}

	for _, section := range Sections {
		if !src.Exists(section) {
			continue
		}
		if section == "feeds" {
			// Configured feeds replace the defaults rather than merging into them
			cfg.Feeds = nil
		}
		if err := src.Unmarshal(section, targets[section]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s section: %w", section, err)
		}
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file and PF__ environment overrides,
// following the same conventions as the server
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envKey := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, "PF__"), "__", "."))
	}
	if err := k.Load(env.Provider("PF__", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	return FromSource(k)
}
