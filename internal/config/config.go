// Package config loads and hot-reloads the loregraph configuration from a
// YAML file, environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults, env bindings and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("kv", defaults.KV)
	viper.SetDefault("database", defaults.Database)
	viper.SetDefault("graph", defaults.Graph)
	viper.SetDefault("worker", defaults.Worker)
	viper.SetDefault("scheduler", defaults.Scheduler)
	viper.SetDefault("throttle", defaults.Throttle)
	viper.SetDefault("extraction", defaults.Extraction)
	viper.SetDefault("metrics", defaults.Metrics)

	// Environment variables with LOREGRAPH_ prefix, nested keys joined
	// by underscores: LOREGRAPH_KV_ADDR, LOREGRAPH_WORKER_NODE_NAME, ...
	viper.SetEnvPrefix("LOREGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Bare worker-node variables kept for deployment compatibility.
	for key, env := range map[string]string{
		"worker.node_name":                  "NODE_NAME",
		"worker.workers_per_provider":       "WORKERS_PER_PROVIDER",
		"worker.providers":                  "PROVIDERS",
		"worker.max_total_processes":        "MAX_TOTAL_PROCESSES",
		"worker.max_processes_per_provider": "MAX_PROCESSES_PER_PROVIDER",
		"worker.guard_interval":             "GUARD_INTERVAL",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.loregraph")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// NodeName returns the configured node name, falling back to the OS
// hostname and finally the pid.
func (c *Config) NodeName() string {
	if c.Worker.NodeName != "" {
		return c.Worker.NodeName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("node-%d", os.Getpid())
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# loregraph configuration
# Secrets use ${ENV_VAR} syntax to reference environment variables.
# Set these in your shell or .env: REDIS_PASSWORD, DB_PASSWORD, NEO4J_PASSWORD

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
