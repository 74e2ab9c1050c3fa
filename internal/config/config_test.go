package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_MissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":6868", s.Registry.Listen)
	assert.Equal(t, 8*time.Second, s.Registry.ProbeTimeout)
	assert.Greater(t, s.Compiler.TaskMax, 0)
	assert.Equal(t, s.Compiler.TaskMax*5, s.Packager.TaskMax)
}

func Test_Load_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
compiler:
  task_max: 3
  tools_path: /opt/arm-gcc
  etcd:
    endpoints: ["10.0.0.1:2379"]
registry:
  sweep_interval: 2s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Compiler.TaskMax)
	assert.Equal(t, "/opt/arm-gcc", s.Compiler.ToolsPath)
	assert.Equal(t, []string{"10.0.0.1:2379"}, s.Compiler.Etcd.Endpoints)
	assert.Equal(t, 2*time.Second, s.Registry.SweepInterval)
	assert.Equal(t, "debug", s.Logging.Level)
	// 未覆盖的字段保持默认值
	assert.Equal(t, ":5858", s.Compiler.Listen)
}

func Test_Validate_RejectsNonPositiveWorkers(t *testing.T) {
	s := Default()
	s.Compiler.TaskMax = 0
	assert.Error(t, s.Compiler.Validate())

	s.Packager.TaskMax = -1
	assert.Error(t, s.Packager.Validate())
}

func Test_Load_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compiler: [oops"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
