package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osReadFile = os.ReadFile

const suiteConfigFileName = "suite.yaml"

const (
	defaultClusterSize = 1
	defaultPoolSize    = 2
)

// LoadSuiteConfig reads and validates the suite.yaml of a suite directory.
func LoadSuiteConfig(suitePath string) (*SuiteConfig, error) {
	cfgPath := filepath.Join(suitePath, suiteConfigFileName)
	data, err := osReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load suite config %s: %w", cfgPath, err)
	}

	var cfg SuiteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cfgPath, err)
	}
	if cfg.Type == "" {
		return nil, fmt.Errorf("suite config %s has no suite type", cfgPath)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// HasSuiteConfig reports whether dir looks like a suite directory.
func HasSuiteConfig(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, suiteConfigFileName))
	return err == nil && !info.IsDir()
}

func applyDefaults(cfg *SuiteConfig) {
	if cfg.ClusterSize <= 0 {
		cfg.ClusterSize = defaultClusterSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
}
