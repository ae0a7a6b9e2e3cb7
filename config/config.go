/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds hf-timestd's run configuration: per-channel
// multicast sources, station geometry for propagation solving, archive
// and calibration paths, and the YAML-then-flag-overlay it is built from.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// StationGeometry is a fixed propagation reference point for one station,
// used by the Temporal Engine's great-circle delay model.
type StationGeometry struct {
	Station        string  `yaml:"station"`
	DistanceKm     float64 `yaml:"distance_km"`
	MaxDopplerHz   float64 `yaml:"max_doppler_hz"`
	SolarZenithDeg float64 `yaml:"solar_zenith_deg"`
}

// ChannelConfig describes one multicast RTP source to record and analyze.
type ChannelConfig struct {
	Name          string                     `yaml:"name"`
	Multicast     string                     `yaml:"multicast"`
	Port          int                        `yaml:"port"`
	FrequencyHz   float64                    `yaml:"frequency_hz"`
	SampleRate    uint32                     `yaml:"sample_rate"`
	Geometry      map[string]StationGeometry `yaml:"geometry"`
	AnalysisQueue int                        `yaml:"analysis_queue_size"`
}

// Config is hf-timestd's full run configuration.
type Config struct {
	Iface          string          `yaml:"iface"`
	DataRoot       string          `yaml:"data_root"`
	MonitoringPort int             `yaml:"monitoring_port"`
	LogLevel       string          `yaml:"log_level"`
	DryRun         bool            `yaml:"dry_run"`
	StatusInterval time.Duration   `yaml:"status_interval"`
	Channels       []ChannelConfig `yaml:"channels"`
}

// DefaultConfig returns the baseline configuration applied before any YAML
// file or flag overlay.
func DefaultConfig() *Config {
	return &Config{
		Iface:          "eth0",
		DataRoot:       "/var/lib/hf-timestd",
		MonitoringPort: 8889,
		LogLevel:       "warning",
		StatusInterval: 60 * time.Second,
	}
}

// Validate checks the configuration is internally consistent enough to
// start a recorder with it.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("config: data_root must not be empty")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one channel must be configured")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("config: channel missing name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("config: duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Multicast == "" {
			return fmt.Errorf("config: channel %q missing multicast address", ch.Name)
		}
		if ch.Port <= 0 || ch.Port > 65535 {
			return fmt.Errorf("config: channel %q has invalid port %d", ch.Name, ch.Port)
		}
		if ch.FrequencyHz <= 0 {
			return fmt.Errorf("config: channel %q missing frequency_hz", ch.Name)
		}
		if ch.SampleRate == 0 {
			return fmt.Errorf("config: channel %q missing sample_rate", ch.Name)
		}
	}
	return nil
}

// ReadConfig reads a YAML config file from path.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig merges a YAML-file config into CLI-supplied defaults: any
// field the file sets wins, CLI flag values fill in the rest. Channels are
// always taken wholesale from the file since they have no flag equivalent.
func PrepareConfig(flagDefaults *Config, configFile string) (*Config, error) {
	if configFile == "" {
		return flagDefaults, nil
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configFile, err)
	}
	fileCfg := &Config{}
	if err := yaml.Unmarshal(data, fileCfg); err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configFile, err)
	}

	merged := *flagDefaults
	if fileCfg.Iface != "" {
		merged.Iface = fileCfg.Iface
	}
	if fileCfg.DataRoot != "" {
		merged.DataRoot = fileCfg.DataRoot
	}
	if fileCfg.MonitoringPort != 0 {
		merged.MonitoringPort = fileCfg.MonitoringPort
	}
	if fileCfg.LogLevel != "" {
		merged.LogLevel = fileCfg.LogLevel
	}
	if fileCfg.StatusInterval != 0 {
		merged.StatusInterval = fileCfg.StatusInterval
	}
	merged.DryRun = merged.DryRun || fileCfg.DryRun
	if len(fileCfg.Channels) > 0 {
		merged.Channels = fileCfg.Channels
	}
	return &merged, nil
}
