package logpaths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
)

// DefaultAppName is used when the host does not name itself
const DefaultAppName = "logtrack"

// Directory and file names below the application data directory
const (
	CaptureDirName  = "logs"
	ReportDirName   = "reports"
	SnapshotDirName = "snapshots"
	StateFileName   = "state.yaml"
)

// Config selects where capture files, reports and state are kept
type Config struct {
	// Base directory for all files. If empty, uses OS-appropriate default
	BaseDirectory string `yaml:"base_directory,omitempty"`

	// Service context - affects directory selection
	ServiceContext ServiceContext `yaml:"service_context,omitempty"`

	// Application name for subdirectory creation
	AppName string `yaml:"app_name,omitempty"`
}

// ServiceContext defines the context in which the host runs
type ServiceContext string

const (
	// SystemService runs as a system service (daemon)
	SystemService ServiceContext = "system"

	// UserService runs as a user application
	UserService ServiceContext = "user"

	// SessionService keeps everything in temporary storage (cleaned up on logout)
	SessionService ServiceContext = "session"
)

// Validate checks the service context name
func (c Config) Validate() error {
	switch c.ServiceContext {
	case "", SystemService, UserService, SessionService:
		return nil
	default:
		return fmt.Errorf("unknown service context: %q", c.ServiceContext)
	}
}

// Manager resolves directory layout for one application
type Manager struct {
	config Config
	logger logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{config: config, logger: logger}
}

// DataDirectory is the root holding capture files, reports, snapshots and state
func (m *Manager) DataDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return filepath.Join(systemDataDirectory(), m.config.AppName)
	case SessionService:
		return filepath.Join(os.TempDir(), m.config.AppName)
	default:
		return filepath.Join(userDataDirectory(), m.config.AppName)
	}
}

func (m *Manager) CaptureDirectory() string {
	return filepath.Join(m.DataDirectory(), CaptureDirName)
}

func (m *Manager) ReportDirectory() string {
	return filepath.Join(m.DataDirectory(), ReportDirName)
}

func (m *Manager) SnapshotDirectory() string {
	return filepath.Join(m.DataDirectory(), SnapshotDirName)
}

func (m *Manager) StateFilePath() string {
	return filepath.Join(m.DataDirectory(), StateFileName)
}

// PIDFilePath is where a daemon records its pid
func (m *Manager) PIDFilePath() string {
	return filepath.Join(m.runtimeDirectory(), m.config.AppName+".pid")
}

// EnsureLayout creates every directory the tracker writes to
func (m *Manager) EnsureLayout() error {
	for _, dir := range []string{m.CaptureDirectory(), m.ReportDirectory(), m.SnapshotDirectory()} {
		if err := EnsureDirectory(dir); err != nil {
			m.logger.Errorf("Directory validation failed, path: %s, error: %v", dir, err)
			return err
		}
	}
	m.logger.Debugf("Directory layout ready, root: %s", m.DataDirectory())
	return nil
}

// WritePIDFile writes pid to PIDFilePath
func (m *Manager) WritePIDFile(pid int) error {
	path := m.PIDFilePath()
	m.logger.Debugf("Writing PID file, pid: %d, path: %s", pid, path)

	if err := EnsureDirectory(filepath.Dir(path)); err != nil {
		m.logger.Errorf("PID file directory validation failed, path: %s, error: %v", path, err)
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, pid: %d, path: %s, error: %v", pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Infof("PID file written, pid: %d, path: %s", pid, path)
	return nil
}

// RemovePIDFile deletes the pid file; a missing file is not an error
func (m *Manager) RemovePIDFile() error {
	path := m.PIDFilePath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

func (m *Manager) runtimeDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		switch runtime.GOOS {
		case "windows":
			return filepath.Join(systemDataDirectory(), m.config.AppName)
		case "darwin":
			return "/var/run"
		default:
			// Modern standard is /run, with fallback to /var/run
			if _, err := os.Stat("/run"); err == nil {
				return "/run"
			}
			return "/var/run"
		}
	case UserService:
		if runtime.GOOS != "windows" && runtime.GOOS != "darwin" {
			if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
				return runtimeDir
			}
		}
		return m.DataDirectory()
	default:
		return m.DataDirectory()
	}
}

func systemDataDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData
	case "darwin":
		return "/Library/Application Support"
	default:
		return "/var/lib"
	}
}

func userDataDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile != "" {
				localAppData = filepath.Join(userProfile, "AppData", "Local")
			} else {
				localAppData = "C:\\Users\\Default\\AppData\\Local"
			}
		}
		return localAppData

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")

	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return dataHome
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, ".local", "share")
	}
}

// EnsureDirectory creates dir when missing and checks that it is writable
func EnsureDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)
	return nil
}

// RecommendedConfig returns the layout for a deployment scenario
func RecommendedConfig(scenario string, appName string) Config {
	if appName == "" {
		appName = DefaultAppName
	}

	switch strings.ToLower(scenario) {
	case "system", "daemon", "service":
		return Config{ServiceContext: SystemService, AppName: appName}
	case "session", "desktop":
		return Config{ServiceContext: SessionService, AppName: appName}
	case "development", "dev", "test":
		return Config{
			BaseDirectory:  filepath.Join(os.TempDir(), appName+"-dev"),
			ServiceContext: UserService,
			AppName:        appName,
		}
	default:
		return Config{ServiceContext: UserService, AppName: appName}
	}
}
