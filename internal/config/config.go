package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"threadwait/internal/maps"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Wait queue table settings
	WaitQueue WaitQueueConfig `toml:"waitq"`

	// Resource limits of the default security context
	Limits LimitsConfig `toml:"limits"`

	// Thread manager settings
	Threads ThreadsConfig `toml:"threads"`

	// Synthetic wait/notify workload
	Workload WorkloadConfig `toml:"workload"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9189")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: true)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// WaitQueueConfig selects the concurrent map behind the wait tables.
type WaitQueueConfig struct {
	// Map backend: "xsync" or "sharded" (default: "xsync")
	Backend string `toml:"backend"`
}

// LimitsConfig contains the limits of the default security context.
type LimitsConfig struct {
	// Maximum number of concurrently blocked threads (default: 1024)
	Blocking int64 `toml:"blocking"`

	// Maximum number of live threads (default: 1024)
	Threads int64 `toml:"threads"`
}

// ThreadsConfig contains thread manager settings
type ThreadsConfig struct {
	// Blocking timeout installed on every new thread, 0 for none (default: 0)
	DefaultBlockingTimeout time.Duration `toml:"default_blocking_timeout"`

	// How often diagnostics counters are logged, 0 to disable (default: "1m")
	DiagnosticsInterval time.Duration `toml:"diagnostics_interval"`
}

// WorkloadConfig drives the built-in load generator. Producers store to and
// notify a set of addresses, consumers await them, parkers park and are
// unparked by the producers.
type WorkloadConfig struct {
	// Run the workload (default: false)
	Enabled bool `toml:"enabled"`

	// Number of producer threads (default: 2)
	Producers int `toml:"producers"`

	// Number of consumer threads awaiting addresses (default: 8)
	Consumers int `toml:"consumers"`

	// Number of parking threads (default: 2)
	Parkers int `toml:"parkers"`

	// Number of distinct addresses (default: 4)
	Addresses int `toml:"addresses"`

	// Delay between producer notifications (default: "10ms")
	NotifyInterval time.Duration `toml:"notify_interval"`

	// Blocking timeout of consumers and parkers (default: "50ms")
	WaitTimeout time.Duration `toml:"wait_timeout"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "threadwait")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9189",
			MetricsPath:   "/metrics",
			PprofEnabled:  true,
		},
		WaitQueue: WaitQueueConfig{
			Backend: string(maps.XSync),
		},
		Limits: LimitsConfig{
			Blocking: 1024,
			Threads:  1024,
		},
		Threads: ThreadsConfig{
			DefaultBlockingTimeout: 0,
			DiagnosticsInterval:    time.Minute,
		},
		Workload: WorkloadConfig{
			Enabled:        false,
			Producers:      2,
			Consumers:      8,
			Parkers:        2,
			Addresses:      4,
			NotifyInterval: 10 * time.Millisecond,
			WaitTimeout:    50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/threadwait.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "threadwait",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified, use defaults
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# threadwait Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	if !maps.Valid(maps.Implementation(c.WaitQueue.Backend)) {
		return fmt.Errorf("waitq.backend %q is not one of %q, %q", c.WaitQueue.Backend, maps.XSync, maps.Sharded)
	}

	if c.Limits.Blocking <= 0 {
		return fmt.Errorf("limits.blocking must be positive, got %d", c.Limits.Blocking)
	}
	if c.Limits.Threads <= 0 {
		return fmt.Errorf("limits.threads must be positive, got %d", c.Limits.Threads)
	}

	if c.Threads.DefaultBlockingTimeout < 0 {
		return fmt.Errorf("threads.default_blocking_timeout cannot be negative")
	}
	if c.Threads.DiagnosticsInterval < 0 {
		return fmt.Errorf("threads.diagnostics_interval cannot be negative")
	}

	if c.Workload.Enabled {
		w := c.Workload
		if w.Producers < 1 || w.Addresses < 1 {
			return fmt.Errorf("workload needs at least one producer and one address")
		}
		if w.Consumers < 0 || w.Parkers < 0 {
			return fmt.Errorf("workload.consumers and workload.parkers cannot be negative")
		}
		if w.NotifyInterval <= 0 {
			return fmt.Errorf("workload.notify_interval must be positive")
		}
		if w.WaitTimeout < 0 {
			return fmt.Errorf("workload.wait_timeout cannot be negative")
		}
		if int64(w.Producers+w.Consumers+w.Parkers) > c.Limits.Threads {
			return fmt.Errorf("workload needs %d threads but limits.threads is %d",
				w.Producers+w.Consumers+w.Parkers, c.Limits.Threads)
		}
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	Workload       bool
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
func NewConfig() (*AppConfig, error) {
	flags := &Flags{}

	// Define flags and bind them to the Flags struct
	flag.StringVar(&flags.ListenAddress,
		"web.listen-address",
		":9189",
		"Address to listen on for web interface and telemetry.")
	flag.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flag.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flag.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flag.BoolVar(&flags.Workload,
		"workload",
		false,
		"Run the synthetic wait/notify workload.")
	flag.Parse()

	// Handle config generation and exit.
	// We return a nil config to signal that the program should exit cleanly.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config := DefaultConfig()

	// Load configuration from file if a path is provided
	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Override config with command-line flags if they were set by the user
	if isFlagPassed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed("workload") {
		config.Workload.Enabled = flags.Workload
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
