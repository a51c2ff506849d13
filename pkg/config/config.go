package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-logtrack/pkg/capture"
	"github.com/core-tools/hsu-logtrack/pkg/crash"
	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/filter"
	"github.com/core-tools/hsu-logtrack/pkg/format"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/logpaths"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/record"
	"github.com/core-tools/hsu-logtrack/pkg/rotation"
	"github.com/core-tools/hsu-logtrack/pkg/upload"
)

// Config represents the top-level configuration file structure
type Config struct {
	App        AppConfig         `yaml:"app"`
	Paths      logpaths.Config   `yaml:"paths,omitempty"`
	SavingMode SavingMode        `yaml:"saving_mode"`
	Filter     filter.Config     `yaml:"filter"`
	Format     format.Kind       `yaml:"format"`
	Rotation   rotation.Config   `yaml:"rotation"`
	Capture    CaptureConfig     `yaml:"capture"`
	Source     SourceConfig      `yaml:"source"`
	Report     ReportConfig      `yaml:"report"`
	Upload     UploadConfig      `yaml:"upload"`
	Crash      CrashConfig       `yaml:"crash"`
	Logging    logging.ZapConfig `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics,omitempty"`
}

// AppConfig describes the host application
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`

	// LogLevel is the lowest level the host's own Log calls write
	LogLevel record.Level `yaml:"log_level"`

	// Metadata is added to every report next to the collected host metadata
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// SavingMode decides whether the system log is captured continuously
type SavingMode string

const (
	// SaveAll captures continuously into rotating files
	SaveAll SavingMode = "save_all"

	// SaveOnlyIfNeeded captures nothing; reports dump the source on demand
	SaveOnlyIfNeeded SavingMode = "save_only_if_needed"
)

// CaptureConfig tunes the capture engine buffer
type CaptureConfig struct {
	Directory     string        `yaml:"directory,omitempty"`
	FileName      string        `yaml:"file_name,omitempty"`
	BufferSize    string        `yaml:"buffer_size,omitempty"`
	MaxBufferSize string        `yaml:"max_buffer_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
	ReopenDelay   time.Duration `yaml:"reopen_delay,omitempty"`

	// Resolved by setConfigDefaults
	BufferBytes    int `yaml:"-"`
	MaxBufferBytes int `yaml:"-"`
}

// SourceType selects the system log source
type SourceType string

const (
	SourceCommand SourceType = "command"
	SourceNone    SourceType = "none"
)

// SourceConfig describes the system log source
type SourceConfig struct {
	Type         SourceType `yaml:"type"`
	Command      string     `yaml:"command,omitempty"`
	Args         []string   `yaml:"args,omitempty"`
	ClearOnStart bool       `yaml:"clear_on_start"`
	MaxDumpLines int        `yaml:"max_dump_lines,omitempty"`
}

// ReportConfig describes where reports are assembled and what they carry
type ReportConfig struct {
	Directory   string   `yaml:"directory,omitempty"`
	Attachments []string `yaml:"attachments,omitempty"`
	Workers     int      `yaml:"workers,omitempty"`

	// Snapshots enables the snapshot directory; it is attached to reports and
	// emptied after a successful upload
	Snapshots         bool   `yaml:"snapshots"`
	SnapshotDirectory string `yaml:"snapshot_directory,omitempty"`
}

// TransportType selects the report upload transport
type TransportType string

const (
	TransportNone  TransportType = "none"
	TransportEmail TransportType = "email"
	TransportHTTP  TransportType = "http"
)

// UploadConfig describes how archives leave the host
type UploadConfig struct {
	Transport TransportType       `yaml:"transport"`
	Email     *upload.EmailConfig `yaml:"email,omitempty"`
	HTTP      *upload.HTTPConfig  `yaml:"http,omitempty"`
	Retry     upload.RetryConfig  `yaml:"retry,omitempty"`
	Workers   int                 `yaml:"workers,omitempty"`

	// RequireConnectivity gates every attempt on a TCP probe of ProbeAddress
	RequireConnectivity bool          `yaml:"require_connectivity"`
	ProbeAddress        string        `yaml:"probe_address,omitempty"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout,omitempty"`

	// Notify logs the outcome of every delivery
	Notify bool `yaml:"notify"`
}

// CrashConfig configures panic interception
type CrashConfig struct {
	Enabled    bool                   `yaml:"enabled"`
	Namespace  string                 `yaml:"namespace,omitempty"`
	AfterCrash crash.AfterCrashAction `yaml:"after_crash,omitempty"`

	// PrintStack writes the crash stack into the capture stream
	PrintStack bool `yaml:"print_stack"`
}

// MetricsConfig exposes prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

const (
	DefaultProbeAddress  = "8.8.8.8:53"
	DefaultProbeTimeout  = 3 * time.Second
	DefaultMetricsAddr   = ":9464"
	DefaultMetricsPrefix = "logtrack"
	DefaultReportWorkers = 5
	DefaultUploadWorkers = 3
)

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := Parse(data)
	if err != nil {
		if de, ok := err.(*errors.DomainError); ok {
			return nil, de.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

// Marshal renders the configuration as YAML
func Marshal(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, errors.NewInternalError("failed to render configuration", err)
	}
	return data, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.App.Name == "" {
		return errors.NewValidationError("app name is required", nil)
	}
	if !config.App.LogLevel.Valid() {
		return errors.NewValidationError("invalid app log level", nil).WithContext("log_level", int(config.App.LogLevel))
	}

	switch config.SavingMode {
	case SaveAll, SaveOnlyIfNeeded:
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported saving mode: %s", config.SavingMode), nil).
			WithContext("supported_modes", "save_all, save_only_if_needed")
	}

	if err := config.Paths.Validate(); err != nil {
		return errors.NewValidationError("invalid paths configuration", err)
	}
	if err := config.Filter.Validate(); err != nil {
		return errors.NewValidationError("invalid filter configuration", err)
	}
	if err := format.ValidateKind(config.Format); err != nil {
		return errors.NewValidationError("invalid format", err)
	}
	if err := config.Rotation.Validate(); err != nil {
		return errors.NewValidationError("invalid rotation configuration", err)
	}
	if err := validateCaptureConfig(&config.Capture); err != nil {
		return errors.NewValidationError("invalid capture configuration", err)
	}
	if err := validateSourceConfig(&config.Source); err != nil {
		return errors.NewValidationError("invalid source configuration", err)
	}
	if config.SavingMode == SaveAll && config.Source.Type == SourceNone {
		return errors.NewValidationError("save_all requires a log source", nil)
	}
	if err := validateUploadConfig(&config.Upload); err != nil {
		return errors.NewValidationError("invalid upload configuration", err)
	}
	if err := validateCrashConfig(&config.Crash); err != nil {
		return errors.NewValidationError("invalid crash configuration", err)
	}
	if err := config.Logging.Validate(); err != nil {
		return errors.NewValidationError("invalid logging configuration", err)
	}
	if config.Report.Workers < 0 {
		return errors.NewValidationError("report workers cannot be negative", nil)
	}

	return nil
}

func validateCaptureConfig(c *CaptureConfig) error {
	if c.BufferBytes <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.MaxBufferBytes < c.BufferBytes {
		return fmt.Errorf("max_buffer_size (%d) cannot be below buffer_size (%d)", c.MaxBufferBytes, c.BufferBytes)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.ReopenDelay < 0 {
		return fmt.Errorf("reopen_delay cannot be negative")
	}
	return nil
}

func validateSourceConfig(c *SourceConfig) error {
	switch c.Type {
	case SourceCommand:
		if c.Command == "" {
			return fmt.Errorf("command is required for a command source")
		}
	case SourceNone:
	default:
		return fmt.Errorf("unsupported source type: %s", c.Type)
	}
	if c.MaxDumpLines < 0 {
		return fmt.Errorf("max_dump_lines cannot be negative")
	}
	return nil
}

func validateUploadConfig(c *UploadConfig) error {
	switch c.Transport {
	case TransportNone:
	case TransportEmail:
		if c.Email == nil {
			return fmt.Errorf("email settings are required for the email transport")
		}
		if err := c.Email.Validate(); err != nil {
			return err
		}
	case TransportHTTP:
		if c.HTTP == nil || c.HTTP.URL == "" {
			return fmt.Errorf("http url is required for the http transport")
		}
	default:
		return fmt.Errorf("unsupported transport: %s", c.Transport)
	}

	if err := upload.ValidateRetryConfig(c.Retry); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("upload workers cannot be negative")
	}
	if c.RequireConnectivity && c.ProbeAddress == "" {
		return fmt.Errorf("probe_address is required when require_connectivity is set")
	}
	return nil
}

func validateCrashConfig(c *CrashConfig) error {
	if !c.Enabled {
		return nil
	}
	return c.AfterCrash.Validate()
}

// setConfigDefaults applies default values and resolves size strings
func setConfigDefaults(config *Config) error {
	if config.App.Name == "" {
		config.App.Name = logpaths.DefaultAppName
	}
	if config.App.LogLevel == 0 {
		config.App.LogLevel = record.LevelVerbose
	}
	if config.Paths.AppName == "" {
		config.Paths.AppName = config.App.Name
	}
	if config.SavingMode == "" {
		config.SavingMode = SaveAll
	}
	if config.Format == "" {
		config.Format = format.KindNative
	}
	if config.Filter.MinLevel == 0 {
		config.Filter.MinLevel = record.LevelVerbose
	}
	if config.Filter.OwnPackage == "" {
		config.Filter.OwnPackage = config.App.Name
	}

	if err := setRotationDefaults(&config.Rotation); err != nil {
		return err
	}
	if err := setCaptureDefaults(&config.Capture); err != nil {
		return err
	}

	if config.Source.Type == "" {
		config.Source.Type = SourceCommand
	}
	if config.Source.Type == SourceCommand && config.Source.Command == "" {
		config.Source.Command = logsource.DefaultCommand
	}

	paths := logpaths.NewManager(config.Paths, nil)
	if config.Capture.Directory == "" {
		config.Capture.Directory = paths.CaptureDirectory()
	}
	if config.Report.Directory == "" {
		config.Report.Directory = paths.ReportDirectory()
	}
	if config.Report.Snapshots && config.Report.SnapshotDirectory == "" {
		config.Report.SnapshotDirectory = paths.SnapshotDirectory()
	}
	if config.Report.Workers == 0 {
		config.Report.Workers = DefaultReportWorkers
	}

	if config.Upload.Transport == "" {
		config.Upload.Transport = TransportNone
	}
	if config.Upload.Retry == (upload.RetryConfig{}) {
		config.Upload.Retry = upload.DefaultRetryConfig()
	}
	if config.Upload.Workers == 0 {
		config.Upload.Workers = DefaultUploadWorkers
	}
	if config.Upload.RequireConnectivity && config.Upload.ProbeAddress == "" {
		config.Upload.ProbeAddress = DefaultProbeAddress
	}
	if config.Upload.ProbeTimeout == 0 {
		config.Upload.ProbeTimeout = DefaultProbeTimeout
	}

	if config.Crash.Namespace == "" {
		config.Crash.Namespace = crash.DefaultNamespace
	}
	if config.Crash.AfterCrash == "" {
		config.Crash.AfterCrash = crash.CloseApp
	}

	if config.Logging == (logging.ZapConfig{}) {
		config.Logging = logging.DefaultZapConfig()
	}

	if config.Metrics.Enabled && config.Metrics.Address == "" {
		config.Metrics.Address = DefaultMetricsAddr
	}
	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = DefaultMetricsPrefix
	}

	return nil
}

func setRotationDefaults(c *rotation.Config) error {
	if c.Type == "" {
		c.Type = rotation.TypeNone
	}
	if c.MaxSize != "" {
		size, err := rotation.ParseSize(c.MaxSize)
		if err != nil {
			return fmt.Errorf("rotation max_size: %w", err)
		}
		c.MaxBytes = size
		return nil
	}
	if c.Type == rotation.TypeSize && c.MaxBytes == 0 {
		c.MaxBytes = rotation.DefaultMaxBytes
	}
	if c.MaxBytes > 0 {
		c.MaxSize = fmt.Sprintf("%dB", c.MaxBytes)
	}
	return nil
}

func setCaptureDefaults(c *CaptureConfig) error {
	if c.FileName == "" {
		c.FileName = capture.DefaultFileName
	}

	c.BufferBytes = capture.DefaultBufferSize
	if c.BufferSize != "" {
		size, err := rotation.ParseSize(c.BufferSize)
		if err != nil {
			return fmt.Errorf("capture buffer_size: %w", err)
		}
		c.BufferBytes = int(size)
	}

	c.MaxBufferBytes = capture.DefaultMaxBufferSize
	if c.MaxBufferSize != "" {
		size, err := rotation.ParseSize(c.MaxBufferSize)
		if err != nil {
			return fmt.Errorf("capture max_buffer_size: %w", err)
		}
		c.MaxBufferBytes = int(size)
	}

	if c.FlushInterval == 0 {
		c.FlushInterval = capture.DefaultFlushInterval
	}
	if c.ReopenDelay == 0 {
		c.ReopenDelay = capture.DefaultReopenDelay
	}
	return nil
}

// UseBaseDirectory moves capture files, reports, snapshots and state below dir
func (c *Config) UseBaseDirectory(dir string) {
	c.Paths.BaseDirectory = dir
	paths := logpaths.NewManager(c.Paths, nil)
	c.Capture.Directory = paths.CaptureDirectory()
	c.Report.Directory = paths.ReportDirectory()
	if c.Report.Snapshots {
		c.Report.SnapshotDirectory = paths.SnapshotDirectory()
	}
}

// ===== PRESETS =====

// DefaultDebugConfig captures everything continuously: all levels, no own-record
// filtering, 1 MB size rotation, snapshots enabled and delivery notifications on
func DefaultDebugConfig(app string) *Config {
	config := &Config{
		App:        AppConfig{Name: app, LogLevel: record.LevelVerbose},
		SavingMode: SaveAll,
		Filter:     filter.Config{MinLevel: record.LevelVerbose},
		Format:     format.KindNative,
		Rotation:   rotation.BySize(rotation.DefaultMaxBytes),
		Report:     ReportConfig{Snapshots: true},
		Upload:     UploadConfig{Notify: true},
		Crash:      CrashConfig{Enabled: true, PrintStack: true, AfterCrash: crash.CloseApp},
		Logging:    logging.ZapConfig{Level: "debug", Format: "console", Output: "stderr", Caller: true},
	}
	// Cannot fail: no size strings are set
	_ = setConfigDefaults(config)
	return config
}

// DefaultProductionConfig keeps only the host's own error records, dumps the
// source on demand instead of capturing, never rotates and uploads only when
// the network is reachable
func DefaultProductionConfig(app string) *Config {
	config := &Config{
		App:        AppConfig{Name: app, LogLevel: record.LevelError},
		SavingMode: SaveOnlyIfNeeded,
		Filter:     filter.Config{MinLevel: record.LevelVerbose, OnlyOwnRecords: true, OwnPackage: app},
		Format:     format.KindNative,
		Rotation:   rotation.None(),
		Upload:     UploadConfig{RequireConnectivity: true},
		Crash:      CrashConfig{Enabled: true, PrintStack: true, AfterCrash: crash.CloseApp},
		Logging:    logging.DefaultZapConfig(),
	}
	_ = setConfigDefaults(config)
	return config
}
