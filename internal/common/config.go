package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Resources   ResourceConfig  `toml:"resources"`
	Events      EventsConfig    `toml:"events"`
	Logging     LoggingConfig   `toml:"logging"`
	Workspace   WorkspaceConfig `toml:"workspace"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	AllowRemote bool     `toml:"allow_remote"` // widen beyond loopback clients
	CORSOrigins []string `toml:"cors_origins"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	WALMode       bool   `toml:"wal_mode"`        // Enable write-ahead logging
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Busy handler timeout
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size
}

// ResourceConfig bounds concurrent use of scarce resources
type ResourceConfig struct {
	MaxGPUJobs         int     `toml:"max_gpu_jobs"`         // Concurrent GPU-heavy pipelines
	MaxFFmpegProcesses int     `toml:"max_ffmpeg_processes"` // Concurrent encoder/decoder processes
	MaxCPUWorkers      int     `toml:"max_cpu_workers"`      // Job worker pool size
	GPUTimeoutSeconds  float64 `toml:"gpu_timeout_seconds"`  // Max wait for a GPU slot
}

type EventsConfig struct {
	QueueSize int `toml:"queue_size"` // Per-subscriber buffer; overflow drops new events
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// WorkspaceConfig names the directories inputs and outputs may live under
type WorkspaceConfig struct {
	Root    string `toml:"root"`     // Workspace root (default: cwd or FACEFUSION_WORKSPACE)
	JobsDir string `toml:"jobs_dir"` // Holds the orchestrator database
	TmpDir  string `toml:"tmp_dir"`  // Default output location
}

type SchedulerConfig struct {
	OrphanSweepSchedule string `toml:"orphan_sweep_schedule"` // Cron spec for reconciling stale running jobs
}

// NewDefaultConfig returns the built-in defaults
func NewDefaultConfig() *Config {
	workspace := os.Getenv("FACEFUSION_WORKSPACE")
	if workspace == "" {
		if cwd, err := os.Getwd(); err == nil {
			workspace = cwd
		} else {
			workspace = "."
		}
	}
	jobsDir := filepath.Join(workspace, ".jobs")

	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8190,
			AllowRemote: false,
			CORSOrigins: []string{"http://localhost:8190", "http://127.0.0.1:8190"},
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          filepath.Join(jobsDir, "orchestrator.db"),
				WALMode:       true,
				BusyTimeoutMS: 5000,
				CacheSizeMB:   32,
			},
		},
		Resources: ResourceConfig{
			MaxGPUJobs:         1,
			MaxFFmpegProcesses: 2,
			MaxCPUWorkers:      4,
			GPUTimeoutSeconds:  3600,
		},
		Events: EventsConfig{
			QueueSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Workspace: WorkspaceConfig{
			Root:    workspace,
			JobsDir: jobsDir,
			TmpDir:  os.TempDir(),
		},
		Scheduler: SchedulerConfig{
			OrphanSweepSchedule: "@every 5m",
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2
// -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MEDIAFORGE_ENV"); env != "" {
		config.Environment = env
	}
	if port := os.Getenv("MEDIAFORGE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MEDIAFORGE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if level := os.Getenv("MEDIAFORGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if path := os.Getenv("MEDIAFORGE_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}
	if workspace := os.Getenv("FACEFUSION_WORKSPACE"); workspace != "" {
		config.Workspace.Root = workspace
		config.Workspace.JobsDir = filepath.Join(workspace, ".jobs")
		config.Storage.SQLite.Path = filepath.Join(config.Workspace.JobsDir, "orchestrator.db")
	}

	// Product-compat knobs shared with the desktop installer
	if remote := os.Getenv("FACEFUSION_ALLOW_REMOTE"); remote != "" {
		config.Server.AllowRemote = isTruthy(remote)
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		config.Server.CORSOrigins = config.Server.CORSOrigins[:0]
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				config.Server.CORSOrigins = append(config.Server.CORSOrigins, trimmed)
			}
		}
	}
}

// isTruthy matches the accepted truthy set: 1, true, yes
func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// CPUWorkerCount returns the effective worker pool size: the configured
// limit capped at the host CPU count.
func (c *ResourceConfig) CPUWorkerCount() int {
	count := c.MaxCPUWorkers
	if count <= 0 {
		count = 4
	}
	if cpus := runtime.NumCPU(); cpus < count {
		count = cpus
	}
	return count
}
