package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, 4, config.Workers.DefaultCount)
	assert.Equal(t, 5, config.Workers.HeartbeatInterval)
	assert.Equal(t, 3600, config.Workers.StaleTimeout)
	assert.Equal(t, 1800, config.Defaults.Timeout)
	assert.Equal(t, 5, config.Defaults.Priority)
	assert.True(t, config.Safety.EnforceProjectBoundary)
	assert.False(t, config.Safety.AllowExternalDirs)

	require.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	config := NewDefaultConfig()
	config.Workers.DefaultCount = 0
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.Defaults.PollInterval = 0
	assert.Error(t, config.Validate())
}

func TestMergeFile_OverridesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, ProjectConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`
[project]
name = "demo"

[workers]
default_count = 8

[database]
auto_cleanup_days = 7
`), 0644))

	config := NewDefaultConfig()
	require.NoError(t, mergeFile(config, path))

	assert.Equal(t, "demo", config.Project.Name)
	assert.Equal(t, 8, config.Workers.DefaultCount)
	assert.Equal(t, 7, config.Database.AutoCleanupDays)
	// Untouched sections keep their defaults
	assert.Equal(t, 5, config.Workers.HeartbeatInterval)
}

func TestMergeFile_MissingFileIgnored(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, mergeFile(config, filepath.Join(t.TempDir(), "absent.toml")))
	assert.Equal(t, 4, config.Workers.DefaultCount)
}

func TestMergeFile_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[workers`), 0644))

	config := NewDefaultConfig()
	assert.Error(t, mergeFile(config, path))
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("WORKERS", "12")
	t.Setenv("DB_PATH", "/tmp/override.db")

	config := NewDefaultConfig()
	applyEnvOverrides(config)

	assert.Equal(t, 12, config.Workers.DefaultCount)
	assert.Equal(t, "/tmp/override.db", config.Database.Path)
}

func TestResolve_DerivesNameAndDBPath(t *testing.T) {
	config := NewDefaultConfig()
	config.ProjectRoot = "/home/user/myproject"
	config.ToolDir = "/opt/foreman"
	config.resolve()

	assert.Equal(t, "myproject", config.Project.Name)
	assert.Equal(t, filepath.Join("/opt/foreman", "myproject_tasks.db"), config.Database.Path)
}

func TestResolve_SharedDBWins(t *testing.T) {
	config := NewDefaultConfig()
	config.Database.Path = "/tmp/local.db"
	config.Coordination.Enabled = true
	config.Coordination.SharedDB = "/var/shared/tasks.db"
	config.resolve()

	assert.Equal(t, "/var/shared/tasks.db", config.Database.Path)
}

func TestFindProjectRoot(t *testing.T) {
	tempDir := t.TempDir()
	root := filepath.Join(tempDir, "repo")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))
	require.NoError(t, os.MkdirAll(nested, 0755))

	assert.Equal(t, root, FindProjectRoot(nested))
	assert.Equal(t, root, FindProjectRoot(root))

	// No marker anywhere above: fall back to the start directory
	bare := filepath.Join(tempDir, "bare")
	require.NoError(t, os.MkdirAll(bare, 0755))
	assert.Equal(t, bare, FindProjectRoot(bare))
}

func TestIsWithinProject(t *testing.T) {
	config := NewDefaultConfig()
	config.ProjectRoot = "/home/user/project"

	assert.True(t, config.IsWithinProject("/home/user/project"))
	assert.True(t, config.IsWithinProject("/home/user/project/src"))
	assert.True(t, config.IsWithinProject("src/pkg"))
	assert.False(t, config.IsWithinProject("/etc"))
	// Sibling with a shared prefix is still outside
	assert.False(t, config.IsWithinProject("/home/user/project-other"))
}

func TestValidateWorkingDir(t *testing.T) {
	config := NewDefaultConfig()
	config.ProjectRoot = "/home/user/project"

	assert.NoError(t, config.ValidateWorkingDir("", false))
	assert.NoError(t, config.ValidateWorkingDir("/home/user/project/src", false))

	err := config.ValidateWorkingDir("/etc", false)
	require.Error(t, err)
	var boundaryErr *ProjectBoundaryError
	require.ErrorAs(t, err, &boundaryErr)
	assert.Equal(t, "/etc", boundaryErr.WorkingDir)

	// Per-task escape hatch
	assert.NoError(t, config.ValidateWorkingDir("/etc", true))

	// Global escape hatches
	config.Safety.AllowExternalDirs = true
	assert.NoError(t, config.ValidateWorkingDir("/etc", false))

	config.Safety.AllowExternalDirs = false
	config.Safety.EnforceProjectBoundary = false
	assert.NoError(t, config.ValidateWorkingDir("/etc", false))
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FOREMAN_TEST_INT", "42")
	t.Setenv("FOREMAN_TEST_BAD_INT", "nope")
	t.Setenv("FOREMAN_TEST_BOOL", "YES")
	t.Setenv("FOREMAN_TEST_STR", "hello")

	assert.Equal(t, 42, GetEnvInt("FOREMAN_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("FOREMAN_TEST_BAD_INT", 1))
	assert.Equal(t, 1, GetEnvInt("FOREMAN_TEST_UNSET", 1))

	assert.True(t, GetEnvBool("FOREMAN_TEST_BOOL", false))
	assert.False(t, GetEnvBool("FOREMAN_TEST_UNSET", false))
	assert.True(t, GetEnvBool("FOREMAN_TEST_UNSET", true))

	assert.Equal(t, "hello", GetEnvStr("FOREMAN_TEST_STR", "def"))
	assert.Equal(t, "def", GetEnvStr("FOREMAN_TEST_UNSET", "def"))
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	assert.Len(t, id, 16)
	assert.True(t, len(id) > 4 && id[:4] == "job_")
	assert.NotEqual(t, id, NewJobID())
}
