package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// ProjectConfigFile is the per-project configuration file name, looked up
// in the project root.
const ProjectConfigFile = ".foreman.toml"

// DefaultsConfigFile is the shared defaults file, looked up next to the
// executable.
const DefaultsConfigFile = "foreman.defaults.toml"

// Config represents the application configuration.
// Precedence: programmatic overrides > project file > defaults file > hardcoded.
type Config struct {
	Project      ProjectConfig      `toml:"project"`
	Database     DatabaseConfig     `toml:"database"`
	Safety       SafetyConfig       `toml:"safety"`
	Workers      WorkersConfig      `toml:"workers"`
	Defaults     DefaultsConfig     `toml:"defaults"`
	Monitoring   MonitoringConfig   `toml:"monitoring"`
	Coordination CoordinationConfig `toml:"coordination"`

	// ProjectRoot is the detected project root directory (not read from TOML).
	ProjectRoot string `toml:"-"`
	// ToolDir is the directory holding the foreman executable.
	ToolDir string `toml:"-"`
}

type ProjectConfig struct {
	Name        string `toml:"name"`        // Display name; defaults to the project-root directory name
	Description string `toml:"description"` // Free-form project description
}

type DatabaseConfig struct {
	Path            string `toml:"path"`              // Store file; derived from project name when empty
	AutoCleanupDays int    `toml:"auto_cleanup_days"` // Prune terminal tasks older than N days (0 = never)
}

type SafetyConfig struct {
	EnforceProjectBoundary bool `toml:"enforce_project_boundary"` // Reject working dirs outside project root
	AllowExternalDirs      bool `toml:"allow_external_dirs"`      // Permit working dirs outside the project
	ConfirmDestructive     bool `toml:"confirm_destructive"`      // Require confirmation for destructive operations
}

type WorkersConfig struct {
	DefaultCount      int    `toml:"default_count" validate:"min=1"`     // Workers spawned by the coordinator
	LogDirectory      string `toml:"log_directory"`                      // Per-worker stdout capture directory
	RestartOnFailure  bool   `toml:"restart_on_failure"`                 // Respawn crashed workers
	HeartbeatInterval int    `toml:"heartbeat_interval" validate:"min=1"` // Seconds between heartbeats
	StaleTimeout      int    `toml:"stale_timeout" validate:"min=1"`     // Seconds without heartbeat before a worker is stale
}

type DefaultsConfig struct {
	Priority     int     `toml:"priority"`                       // Default task priority
	Timeout      int     `toml:"timeout" validate:"min=1"`       // Task execution timeout in seconds
	PollInterval float64 `toml:"poll_interval" validate:"gt=0"`  // Claim poll interval in seconds
}

type MonitoringConfig struct {
	DashboardEnabled bool `toml:"dashboard_enabled"`
	ProgressUpdates  bool `toml:"progress_updates"`
	DetailedLogging  bool `toml:"detailed_logging"`
}

// CoordinationConfig allows multiple projects to share one Store.
type CoordinationConfig struct {
	SharedDB string `toml:"shared_db"` // Alternative Store path used when enabled
	Enabled  bool   `toml:"enabled"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			Name: "", // Resolved from the project root directory name
		},
		Database: DatabaseConfig{
			Path:            "",
			AutoCleanupDays: 0,
		},
		Safety: SafetyConfig{
			EnforceProjectBoundary: true,
			AllowExternalDirs:      false,
			ConfirmDestructive:     false,
		},
		Workers: WorkersConfig{
			DefaultCount:      4,
			LogDirectory:      "logs",
			RestartOnFailure:  true,
			HeartbeatInterval: 5,
			StaleTimeout:      3600,
		},
		Defaults: DefaultsConfig{
			Priority:     5,
			Timeout:      1800,
			PollInterval: 2.0,
		},
		Monitoring: MonitoringConfig{
			DashboardEnabled: true,
			ProgressUpdates:  true,
			DetailedLogging:  false,
		},
	}
}

// FindProjectRoot walks up the directory tree looking for a version-control
// marker directory. Falls back to the start directory when none is found.
func FindProjectRoot(start string) string {
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "."
		}
		start = cwd
	}

	current := start
	for {
		if info, err := os.Stat(filepath.Join(current, ".git")); err == nil && info.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return start
		}
		current = parent
	}
}

// Load loads configuration with precedence: defaults file < project file < env.
// Both files are optional; hardcoded defaults always apply first.
func Load() (*Config, error) {
	config := NewDefaultConfig()

	config.ProjectRoot = FindProjectRoot("")
	if exe, err := os.Executable(); err == nil {
		config.ToolDir = filepath.Dir(exe)
	}

	// Defaults file next to the executable
	if config.ToolDir != "" {
		if err := mergeFile(config, filepath.Join(config.ToolDir, DefaultsConfigFile)); err != nil {
			return nil, err
		}
	}

	// Project file in the project root
	if err := mergeFile(config, filepath.Join(config.ProjectRoot, ProjectConfigFile)); err != nil {
		return nil, err
	}

	applyEnvOverrides(config)
	config.resolve()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// mergeFile unmarshals a TOML file over the existing config values.
// Missing files are skipped.
func mergeFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	config.Workers.DefaultCount = GetEnvInt("WORKERS", config.Workers.DefaultCount)
	config.Database.Path = GetEnvStr("DB_PATH", config.Database.Path)
}

// resolve fills derived fields: project name and database path.
func (c *Config) resolve() {
	if c.Project.Name == "" && c.ProjectRoot != "" {
		c.Project.Name = filepath.Base(c.ProjectRoot)
	}

	if c.Coordination.Enabled && c.Coordination.SharedDB != "" {
		c.Database.Path = c.Coordination.SharedDB
	}

	if c.Database.Path == "" {
		name := c.Project.Name
		if name == "" {
			name = "foreman"
		}
		dir := c.ToolDir
		if dir == "" {
			dir = "."
		}
		c.Database.Path = filepath.Join(dir, fmt.Sprintf("%s_tasks.db", name))
	}
}

// Validate checks the loaded configuration for invalid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ProjectBoundaryError is returned when a task's working directory falls
// outside the project root while boundary enforcement is active.
type ProjectBoundaryError struct {
	WorkingDir  string
	ProjectRoot string
}

func (e *ProjectBoundaryError) Error() string {
	return fmt.Sprintf(
		"working directory %q is outside project root %q; pass allow_external=true or set safety.allow_external_dirs=true in %s",
		e.WorkingDir, e.ProjectRoot, ProjectConfigFile)
}

// AbsolutePath converts a path to absolute, resolving relative paths against
// the project root.
func (c *Config) AbsolutePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	root := c.ProjectRoot
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(filepath.Join(root, path))
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// IsWithinProject reports whether path falls under the project root.
func (c *Config) IsWithinProject(path string) bool {
	if c.ProjectRoot == "" {
		return true
	}
	abs := c.AbsolutePath(path)
	root := filepath.Clean(c.ProjectRoot)
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}

// ValidateWorkingDir validates a task working directory against the safety
// settings. An empty working directory is allowed (the worker's current
// directory is used).
func (c *Config) ValidateWorkingDir(workingDir string, allowExternal bool) error {
	if workingDir == "" {
		return nil
	}
	if !c.Safety.EnforceProjectBoundary {
		return nil
	}
	if allowExternal || c.Safety.AllowExternalDirs {
		return nil
	}
	if !c.IsWithinProject(workingDir) {
		return &ProjectBoundaryError{WorkingDir: workingDir, ProjectRoot: c.ProjectRoot}
	}
	return nil
}
