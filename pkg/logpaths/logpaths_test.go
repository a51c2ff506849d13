package logpaths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

func TestNewManager_WithDefaults(t *testing.T) {
	m := NewManager(Config{}, nil)

	assert.Equal(t, DefaultAppName, m.config.AppName)
	assert.Equal(t, UserService, m.config.ServiceContext)
	assert.True(t, strings.HasSuffix(m.DataDirectory(), DefaultAppName))
}

func TestManager_LayoutUnderBaseDirectory(t *testing.T) {
	base := t.TempDir()
	m := NewManager(Config{BaseDirectory: base, AppName: "shop"}, nil)

	assert.Equal(t, base, m.DataDirectory())
	assert.Equal(t, filepath.Join(base, "logs"), m.CaptureDirectory())
	assert.Equal(t, filepath.Join(base, "reports"), m.ReportDirectory())
	assert.Equal(t, filepath.Join(base, "snapshots"), m.SnapshotDirectory())
	assert.Equal(t, filepath.Join(base, "state.yaml"), m.StateFilePath())
	assert.Equal(t, filepath.Join(base, "shop.pid"), m.PIDFilePath())
}

func TestManager_ServiceContexts(t *testing.T) {
	tests := []struct {
		name    string
		context ServiceContext
	}{
		{"system", SystemService},
		{"user", UserService},
		{"session", SessionService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Config{ServiceContext: tt.context, AppName: "shop"}, nil)
			assert.True(t, filepath.IsAbs(m.DataDirectory()), m.DataDirectory())
			assert.Equal(t, "shop", filepath.Base(m.DataDirectory()))
			assert.Equal(t, "shop.pid", filepath.Base(m.PIDFilePath()))
		})
	}

	session := NewManager(Config{ServiceContext: SessionService, AppName: "shop"}, nil)
	assert.Equal(t, filepath.Join(os.TempDir(), "shop"), session.DataDirectory())
}

func TestManager_EnsureLayoutAndPIDFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "root")
	m := NewManager(Config{BaseDirectory: base}, nil)

	require.NoError(t, m.EnsureLayout())
	assert.DirExists(t, m.CaptureDirectory())
	assert.DirExists(t, m.ReportDirectory())
	assert.DirExists(t, m.SnapshotDirectory())
	assert.NoFileExists(t, filepath.Join(m.CaptureDirectory(), ".write_test"))

	require.NoError(t, m.WritePIDFile(4242))
	content, err := os.ReadFile(m.PIDFilePath())
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	require.NoError(t, m.RemovePIDFile())
	assert.NoFileExists(t, m.PIDFilePath())
	assert.NoError(t, m.RemovePIDFile(), "removing a missing pid file is fine")
}

func TestEnsureDirectory_RejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	err := EnsureDirectory(path)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestRecommendedConfig(t *testing.T) {
	tests := []struct {
		scenario string
		want     ServiceContext
	}{
		{"daemon", SystemService},
		{"desktop", SessionService},
		{"user", UserService},
		{"dev", UserService},
		{"unknown", UserService},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			config := RecommendedConfig(tt.scenario, "")
			assert.Equal(t, tt.want, config.ServiceContext)
			assert.Equal(t, DefaultAppName, config.AppName)
			assert.NoError(t, config.Validate())
		})
	}

	dev := RecommendedConfig("dev", "shop")
	assert.Equal(t, filepath.Join(os.TempDir(), "shop-dev"), dev.BaseDirectory)
	assert.Error(t, Config{ServiceContext: "cluster"}.Validate())
}
