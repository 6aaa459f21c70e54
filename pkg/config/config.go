package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

type Config struct {
	DefaultSettings DefaultSettings `yaml:"default_settings"`
	ModuleTimeouts  map[string]int  `yaml:"module_timeouts"`
	Dashboard       Dashboard       `yaml:"dashboard"`
	Database        Database        `yaml:"database"`
	Elastic         Elastic         `yaml:"elastic"`
}

type DefaultSettings struct {
	Concurrency   int    `yaml:"concurrency"`
	ModuleTimeout int    `yaml:"module_timeout"`
	GlobalTimeout int    `yaml:"global_timeout"`
	Retries       int    `yaml:"retries"`
	OutputDir     string `yaml:"output_dir"`
}

type Dashboard struct {
	Listen string `yaml:"listen"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// Defaults returns the configuration used when no config file exists.
// module_timeout is in seconds, global_timeout in minutes.
func Defaults() *Config {
	return &Config{
		DefaultSettings: DefaultSettings{
			Concurrency:   10,
			ModuleTimeout: 600,
			GlobalTimeout: 120,
			Retries:       0,
			OutputDir:     "results",
		},
		Dashboard: Dashboard{
			Listen: "127.0.0.1:8080",
		},
	}
}

func (m *Manager) LoadConfig() error {
	if m.configPath == "" {
		m.configPath = m.findConfigFile()
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		if DebugLog != nil {
			DebugLog("no config file at %s, using defaults", m.configPath)
		}
		m.config = Defaults()
		return nil
	}

	if DebugLog != nil {
		DebugLog("loading config from %s", m.configPath)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := m.validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath := filepath.Join(homeDir, ".reconflow", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return GetDefaultConfigPath()
}

func (m *Manager) validateConfig(config *Config) error {
	if config.DefaultSettings.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be greater than 0")
	}

	if config.DefaultSettings.ModuleTimeout <= 0 {
		return fmt.Errorf("module_timeout must be greater than 0")
	}

	if config.DefaultSettings.GlobalTimeout < 0 {
		return fmt.Errorf("global_timeout cannot be negative")
	}

	if config.DefaultSettings.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}

	for name, timeout := range config.ModuleTimeouts {
		if timeout <= 0 {
			return fmt.Errorf("module timeout for %s must be greater than 0", name)
		}
	}

	return nil
}
