// Package config loads the synchronizer's tunables, the way the teacher's
// config.LoadBootnodes loads a nodes.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig holds the recognized options of SPEC_FULL.md §6.
type SyncConfig struct {
	MaxModifiersCacheSize int           `yaml:"maxModifiersCacheSize"`
	DeliveryTimeout       time.Duration `yaml:"deliveryTimeout"`
	MaxDeliveryChecks     int           `yaml:"maxDeliveryChecks"`
	MaxInvObjects         int           `yaml:"maxInvObjects"`
	MaxPacketSize         int           `yaml:"maxPacketSize"`
	SyncInterval          time.Duration `yaml:"syncInterval"`
	SyncStatusRefresh     time.Duration `yaml:"syncStatusRefresh"`
}

// Defaults returns the out-of-the-box tunables, used to fill any
// zero-valued field left unset by a loaded file.
func Defaults() SyncConfig {
	return SyncConfig{
		MaxModifiersCacheSize: 1024,
		DeliveryTimeout:       10 * time.Second,
		MaxDeliveryChecks:     3,
		MaxInvObjects:         512,
		MaxPacketSize:         2 << 20, // 2 MiB
		SyncInterval:          30 * time.Second,
		SyncStatusRefresh:     5 * time.Second,
	}
}

// Load reads a YAML file at path into a SyncConfig, defaulting any field
// left unset (zero-valued) by the file.
func Load(path string) (SyncConfig, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SyncConfig{}, fmt.Errorf("read sync config: %w", err)
	}

	var parsed SyncConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return SyncConfig{}, fmt.Errorf("parse sync config: %w", err)
	}

	applyDefaults(&parsed, cfg)
	return parsed, nil
}

func applyDefaults(cfg *SyncConfig, defaults SyncConfig) {
	if cfg.MaxModifiersCacheSize == 0 {
		cfg.MaxModifiersCacheSize = defaults.MaxModifiersCacheSize
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if cfg.MaxDeliveryChecks == 0 {
		cfg.MaxDeliveryChecks = defaults.MaxDeliveryChecks
	}
	if cfg.MaxInvObjects == 0 {
		cfg.MaxInvObjects = defaults.MaxInvObjects
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = defaults.MaxPacketSize
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.SyncStatusRefresh == 0 {
		cfg.SyncStatusRefresh = defaults.SyncStatusRefresh
	}
}
