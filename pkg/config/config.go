package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/dbsandbox/pkg/common"
	"github.com/sandboxrunner/dbsandbox/pkg/resilience"
)

// Config represents the dbsandbox configuration
type Config struct {
	Sandbox  SandboxConfig  `yaml:"sandbox" mapstructure:"sandbox"`
	Cluster  ClusterConfig  `yaml:"cluster" mapstructure:"cluster"`
	Shell    ShellConfig    `yaml:"shell" mapstructure:"shell"`
	Policies PoliciesConfig `yaml:"policies" mapstructure:"policies"`
	Ledger   LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
}

// SandboxConfig holds the sandbox instances used by a test run
type SandboxConfig struct {
	Ports         []int  `yaml:"ports" mapstructure:"ports"`
	Directory     string `yaml:"directory" mapstructure:"directory"`
	Host          string `yaml:"host" mapstructure:"host"`
	User          string `yaml:"user" mapstructure:"user"`
	Password      string `yaml:"password" mapstructure:"password"`
	AllowRootFrom string `yaml:"allow_root_from" mapstructure:"allow_root_from"`
}

// ClusterConfig holds the baseline add-instance options
type ClusterConfig struct {
	DBUser   string `yaml:"db_user" mapstructure:"db_user"`
	Host     string `yaml:"host" mapstructure:"host"`
	Password string `yaml:"password" mapstructure:"password"`
	Scheme   string `yaml:"scheme" mapstructure:"scheme"`
}

// ShellConfig holds settings for the administration tool
type ShellConfig struct {
	Path          string        `yaml:"path" mapstructure:"path"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxOutputSize int           `yaml:"max_output_size" mapstructure:"max_output_size"`
}

// PoliciesConfig holds retry and polling budgets
type PoliciesConfig struct {
	Start       resilience.RetryPolicy `yaml:"start" mapstructure:"start"`
	Connect     resilience.RetryPolicy `yaml:"connect" mapstructure:"connect"`
	AddInstance resilience.RetryPolicy `yaml:"add_instance" mapstructure:"add_instance"`
	Poll        resilience.PollPolicy  `yaml:"poll" mapstructure:"poll"`
	Restart     resilience.PollPolicy  `yaml:"restart" mapstructure:"restart"`
}

// LedgerConfig holds the deployment ledger location
type LedgerConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// Default configuration values
func DefaultConfig() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Ports:         []int{3310, 3320, 3330},
			Directory:     "",
			Host:          common.DefaultHost,
			User:          "root",
			Password:      "root",
			AllowRootFrom: "%",
		},
		Cluster: ClusterConfig{
			DBUser:   "root",
			Host:     common.DefaultHost,
			Password: "root",
			Scheme:   "mysql",
		},
		Shell: ShellConfig{
			Path:          "mysqlsh",
			Timeout:       5 * time.Minute,
			MaxOutputSize: 1024 * 1024, // 1MB
		},
		Policies: PoliciesConfig{
			Start:       resilience.RetryPolicy{MaxAttempts: 10, Interval: 2 * time.Second},
			Connect:     resilience.RetryPolicy{MaxAttempts: 10, Interval: 2 * time.Second},
			AddInstance: resilience.RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Second},
			Poll:        resilience.PollPolicy{MaxTicks: 60, Interval: time.Second},
			Restart:     resilience.PollPolicy{MaxTicks: 10, Interval: time.Second},
		},
		Ledger: LedgerConfig{
			Enabled:      true,
			DatabasePath: "/tmp/dbsandbox/ledger.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputFile: "",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			ServiceName:   "dbsandbox",
			Exporter:      "stdout",
			Endpoint:      "localhost:4318",
			SamplingRatio: 1.0,
		},
	}
}

// envKeys are bound explicitly so they apply without a config file
var envKeys = []string{
	"sandbox.directory",
	"sandbox.host",
	"sandbox.password",
	"shell.path",
	"ledger.database_path",
	"logging.level",
	"logging.format",
	"tracing.enabled",
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dbsandbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/dbsandbox")
		v.AddConfigPath("/etc/dbsandbox")
	}

	// DBSANDBOX_SANDBOX_DIRECTORY overrides sandbox.directory
	v.SetEnvPrefix("DBSANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Sandbox.Ports) == 0 {
		return fmt.Errorf("at least one sandbox port is required")
	}
	seen := make(map[int]bool, len(c.Sandbox.Ports))
	for _, port := range c.Sandbox.Ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid sandbox port: %d (must be between 1 and 65535)", port)
		}
		if seen[port] {
			return fmt.Errorf("duplicate sandbox port: %d", port)
		}
		seen[port] = true
	}

	if c.Sandbox.User == "" {
		return fmt.Errorf("sandbox user cannot be empty")
	}

	if c.Shell.Path == "" {
		return fmt.Errorf("shell path cannot be empty")
	}

	if c.Shell.Timeout <= 0 {
		return fmt.Errorf("shell timeout must be positive")
	}

	retries := map[string]resilience.RetryPolicy{
		"start":        c.Policies.Start,
		"connect":      c.Policies.Connect,
		"add_instance": c.Policies.AddInstance,
	}
	for name, policy := range retries {
		if policy.MaxAttempts < 1 {
			return fmt.Errorf("%s policy: max attempts must be at least 1", name)
		}
		if policy.Interval < 0 {
			return fmt.Errorf("%s policy: interval cannot be negative", name)
		}
	}

	polls := map[string]resilience.PollPolicy{
		"poll":    c.Policies.Poll,
		"restart": c.Policies.Restart,
	}
	for name, policy := range polls {
		if policy.MaxTicks < 1 {
			return fmt.Errorf("%s policy: max ticks must be at least 1", name)
		}
		if policy.Interval < 0 {
			return fmt.Errorf("%s policy: interval cannot be negative", name)
		}
	}

	if c.Ledger.Enabled && c.Ledger.DatabasePath == "" {
		return fmt.Errorf("ledger database path cannot be empty")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{"stdout": true, "otlp": true, "jaeger": true}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing exporter: %s (must be stdout, otlp, or jaeger)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
		}
	}

	return nil
}

// Credentials returns the baseline administrative account
func (c *Config) Credentials() common.Credentials {
	return common.Credentials{User: c.Sandbox.User, Password: c.Sandbox.Password}
}

// Endpoint returns the endpoint of the sandbox listening on port
func (c *Config) Endpoint(port int) common.Endpoint {
	return common.Endpoint{Host: c.Sandbox.Host, Port: port}
}

// CreateDirectories creates necessary directories based on configuration
func (c *Config) CreateDirectories() error {
	var dirs []string

	if c.Sandbox.Directory != "" {
		dirs = append(dirs, c.Sandbox.Directory)
	}

	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}

	if c.Ledger.Enabled && c.Ledger.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(c.Ledger.DatabasePath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
