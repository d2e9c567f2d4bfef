// Package config loads the optional hf gallagher config file: a yaml.v3
// decode with KnownFields(true), relative key-file paths resolved against
// the file's directory. A reader index set in the file takes precedence
// over the --reader flag; the site and CAD key-file paths are decoded but
// no command reads keys from them.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Reader ReaderConfig `yaml:"reader"`
	Keys   KeysConfig   `yaml:"keys"`
}

type ReaderConfig struct {
	Index *int `yaml:"index"`
}

type KeysConfig struct {
	SiteKeyHexFile string `yaml:"site_key_hex_file"`
	CADKeyHexFile  string `yaml:"cad_key_hex_file"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	return &cfg, nil
}

func (c *Config) ReaderIndex(fallback int) int {
	if c.Reader.Index != nil {
		return *c.Reader.Index
	}
	return fallback
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.Keys.SiteKeyHexFile = resolvePath(dir, c.Keys.SiteKeyHexFile)
	c.Keys.CADKeyHexFile = resolvePath(dir, c.Keys.CADKeyHexFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}
