package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-logtrack/pkg/capture"
	"github.com/core-tools/hsu-logtrack/pkg/crash"
	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/format"
	"github.com/core-tools/hsu-logtrack/pkg/record"
	"github.com/core-tools/hsu-logtrack/pkg/rotation"
	"github.com/core-tools/hsu-logtrack/pkg/upload"
)

const fullConfig = `
app:
  name: shop
  version: 2.4.1
  log_level: info
  metadata:
    build: "1187"
paths:
  base_directory: /srv/shop
saving_mode: save_all
filter:
  level: warn
  tags: [ActivityManager, "[ALT]Checkout"]
  packages: [com.example.shop]
format: json
rotation:
  type: size
  max_size: 2MB
capture:
  buffer_size: 64KB
  max_buffer_size: 1MiB
  flush_interval: 2s
source:
  type: command
  command: adb
  args: [logcat]
  clear_on_start: true
report:
  attachments: [/srv/shop/prefs.xml]
  snapshots: true
upload:
  transport: email
  email:
    host: smtp.example.com
    port: 465
    implicit_tls: true
    from: shop@example.com
    to: [bugs@example.com]
  retry:
    max_retries: 5
    retry_delay: 10s
    backoff_rate: 1.5
  require_connectivity: true
crash:
  enabled: true
  after_crash: relaunch
logging:
  level: debug
  format: console
  output: stderr
metrics:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	config, err := LoadConfigFromFile(writeConfig(t, fullConfig))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.Equal(t, "shop", config.App.Name)
	assert.Equal(t, record.LevelInfo, config.App.LogLevel)
	assert.Equal(t, map[string]string{"build": "1187"}, config.App.Metadata)

	assert.Equal(t, record.LevelWarn, config.Filter.MinLevel)
	assert.Equal(t, []string{"com.example.shop"}, config.Filter.Packages)
	assert.Equal(t, "shop", config.Filter.OwnPackage)
	assert.Equal(t, format.KindJSON, config.Format)

	assert.Equal(t, rotation.TypeSize, config.Rotation.Type)
	assert.Equal(t, int64(2*1000*1024), config.Rotation.MaxBytes)

	assert.Equal(t, 64*1024, config.Capture.BufferBytes)
	assert.Equal(t, 1024*1024, config.Capture.MaxBufferBytes)
	assert.Equal(t, 2*time.Second, config.Capture.FlushInterval)
	assert.Equal(t, capture.DefaultReopenDelay, config.Capture.ReopenDelay)
	assert.Equal(t, filepath.Join("/srv/shop", "logs"), config.Capture.Directory)

	assert.Equal(t, "adb", config.Source.Command)
	assert.True(t, config.Source.ClearOnStart)

	assert.Equal(t, filepath.Join("/srv/shop", "reports"), config.Report.Directory)
	assert.Equal(t, filepath.Join("/srv/shop", "snapshots"), config.Report.SnapshotDirectory)
	assert.Equal(t, DefaultReportWorkers, config.Report.Workers)

	require.NotNil(t, config.Upload.Email)
	assert.True(t, config.Upload.Email.ImplicitTLS)
	assert.Equal(t, upload.RetryConfig{MaxRetries: 5, RetryDelay: 10 * time.Second, BackoffRate: 1.5}, config.Upload.Retry)
	assert.Equal(t, DefaultProbeAddress, config.Upload.ProbeAddress)

	assert.Equal(t, crash.RelaunchApp, config.Crash.AfterCrash)
	assert.Equal(t, crash.DefaultNamespace, config.Crash.Namespace)
	assert.Equal(t, "console", config.Logging.Format)
	assert.Equal(t, DefaultMetricsAddr, config.Metrics.Address)
}

func TestLoadConfigFromFile_Defaults(t *testing.T) {
	config, err := LoadConfigFromFile(writeConfig(t, "app:\n  name: tiny\n"))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.Equal(t, SaveAll, config.SavingMode)
	assert.Equal(t, format.KindNative, config.Format)
	assert.Equal(t, rotation.TypeNone, config.Rotation.Type)
	assert.Equal(t, SourceCommand, config.Source.Type)
	assert.Equal(t, "logcat", config.Source.Command)
	assert.Equal(t, capture.DefaultFileName, config.Capture.FileName)
	assert.Equal(t, capture.DefaultBufferSize, config.Capture.BufferBytes)
	assert.Equal(t, TransportNone, config.Upload.Transport)
	assert.Equal(t, upload.DefaultRetryConfig(), config.Upload.Retry)
	assert.Empty(t, config.Report.SnapshotDirectory, "snapshots are off by default")
	assert.Equal(t, "tiny", filepath.Base(filepath.Dir(config.Capture.Directory)))
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsIOError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "app: [unclosed"))
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "rotation:\n  type: size\n  max_size: lots\n"))
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "filter:\n  level: chatty\n"))
	assert.True(t, errors.IsValidationError(err))
}

func TestValidateConfig_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown saving mode", func(c *Config) { c.SavingMode = "sometimes" }},
		{"unknown format", func(c *Config) { c.Format = "yaml" }},
		{"mixed rotation", func(c *Config) { c.Rotation = rotation.Config{Type: rotation.TypeSize, MaxBytes: 10, MaxAge: time.Hour} }},
		{"non-positive rotation", func(c *Config) { c.Rotation = rotation.Config{Type: rotation.TypeTime} }},
		{"buffer above cap", func(c *Config) { c.Capture.MaxBufferBytes = c.Capture.BufferBytes - 1 }},
		{"capture without source", func(c *Config) { c.Source.Type = SourceNone }},
		{"email without settings", func(c *Config) { c.Upload.Transport = TransportEmail }},
		{"http without url", func(c *Config) { c.Upload.Transport = TransportHTTP; c.Upload.HTTP = &upload.HTTPConfig{} }},
		{"negative retries", func(c *Config) { c.Upload.Retry.MaxRetries = -1 }},
		{"connectivity without probe", func(c *Config) { c.Upload.RequireConnectivity = true; c.Upload.ProbeAddress = "" }},
		{"unknown after-crash action", func(c *Config) { c.Crash.AfterCrash = "reboot" }},
		{"own records without package", func(c *Config) { c.Filter.OnlyOwnRecords = true; c.Filter.OwnPackage = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultDebugConfig("shop")
			require.NoError(t, ValidateConfig(c))
			tt.mutate(c)
			err := ValidateConfig(c)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}

	assert.True(t, errors.IsValidationError(ValidateConfig(nil)))
}

func TestPresets(t *testing.T) {
	debug := DefaultDebugConfig("shop")
	require.NoError(t, ValidateConfig(debug))
	assert.Equal(t, SaveAll, debug.SavingMode)
	assert.Equal(t, record.LevelVerbose, debug.App.LogLevel)
	assert.False(t, debug.Filter.OnlyOwnRecords)
	assert.Equal(t, rotation.BySize(rotation.DefaultMaxBytes).MaxBytes, debug.Rotation.MaxBytes)
	assert.NotEmpty(t, debug.Report.SnapshotDirectory)
	assert.True(t, debug.Upload.Notify)

	production := DefaultProductionConfig("shop")
	require.NoError(t, ValidateConfig(production))
	assert.Equal(t, SaveOnlyIfNeeded, production.SavingMode)
	assert.Equal(t, record.LevelError, production.App.LogLevel)
	assert.True(t, production.Filter.OnlyOwnRecords)
	assert.Equal(t, "shop", production.Filter.OwnPackage)
	assert.Equal(t, rotation.TypeNone, production.Rotation.Type)
	assert.True(t, production.Upload.RequireConnectivity)
	assert.Empty(t, production.Report.SnapshotDirectory)
	assert.False(t, production.Upload.Notify)
}

func TestMarshal_RoundTrip(t *testing.T) {
	debug := DefaultDebugConfig("shop")
	data, err := Marshal(debug)
	require.NoError(t, err)

	loaded, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(loaded))

	assert.Equal(t, debug.Rotation, loaded.Rotation)
	assert.Equal(t, debug.Filter.MinLevel, loaded.Filter.MinLevel)
	assert.Equal(t, debug.Capture, loaded.Capture)
	assert.Equal(t, debug.Report, loaded.Report)
}

func TestUseBaseDirectory(t *testing.T) {
	config := DefaultDebugConfig("shop")
	base := t.TempDir()
	config.UseBaseDirectory(base)

	assert.Equal(t, filepath.Join(base, "logs"), config.Capture.Directory)
	assert.Equal(t, filepath.Join(base, "reports"), config.Report.Directory)
	assert.Equal(t, filepath.Join(base, "snapshots"), config.Report.SnapshotDirectory)
	assert.NoError(t, ValidateConfig(config))
}
