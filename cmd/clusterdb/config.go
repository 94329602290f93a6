package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the content of the optional YAML configuration file. Command line
// flags override it.
type config struct {
	DataDir  string `yaml:"data_dir"`
	Entity   string `yaml:"entity"`
	IDField  string `yaml:"id_field"`
	IDType   string `yaml:"id_type"` // "int" | "string"
	AutoID   bool   `yaml:"auto_id"`
	StartID  int64  `yaml:"start_id"`
	LogLevel string `yaml:"log_level"`

	Storage storageConfig `yaml:"storage"`
	History historyConfig `yaml:"history"`
}

type storageConfig struct {
	MaxClusterBytes int    `yaml:"max_cluster_bytes"`
	RecordSize      int    `yaml:"record_size"`
	MaxResident     int    `yaml:"max_resident"` // 0 keeps every cluster in memory
	Extension       string `yaml:"extension"`
}

type historyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
}

func defaultConfig() *config {
	return &config{
		DataDir:  "./data",
		Entity:   "records",
		IDField:  "id",
		IDType:   "int",
		LogLevel: "info",
		History: historyConfig{
			Name:  "clusterdb",
			Email: "clusterdb@localhost",
		},
	}
}

// loadConfig reads the file at path over the defaults. An empty path returns
// the defaults.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *config) {
	d := defaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.Entity == "" {
		cfg.Entity = d.Entity
	}
	if cfg.IDField == "" {
		cfg.IDField = d.IDField
	}
	if cfg.IDType == "" {
		cfg.IDType = d.IDType
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.History.Name == "" {
		cfg.History.Name = d.History.Name
	}
	if cfg.History.Email == "" {
		cfg.History.Email = d.History.Email
	}
}

func (c *config) validate() error {
	switch c.IDType {
	case "int", "string":
	default:
		return fmt.Errorf("invalid id type %q: must be int or string", c.IDType)
	}
	if c.AutoID && c.IDType != "int" {
		return errors.New("generated identifiers require the int id type")
	}
	if c.Storage.MaxClusterBytes < 0 || c.Storage.RecordSize < 0 || c.Storage.MaxResident < 0 {
		return errors.New("storage sizes must not be negative")
	}
	return nil
}
