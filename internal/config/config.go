// Package config loads funclite configuration from defaults, an optional
// YAML file and FUNCLITE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Provisioner kinds.
const (
	ProvisionerDocker      = "docker"
	ProvisionerFirecracker = "firecracker"
	ProvisionerFake        = "fake"
)

const (
	envListenAddr        = "FUNCLITE_LISTEN_ADDR"
	envDBPath            = "FUNCLITE_DB_PATH"
	envLogLevel          = "FUNCLITE_LOG_LEVEL"
	envFunctionsURL      = "FUNCLITE_FUNCTIONS_URL"
	envProvisioner       = "FUNCLITE_PROVISIONER"
	envReconcileInterval = "FUNCLITE_RECONCILE_INTERVAL"
	envJWTSecret         = "FUNCLITE_JWT_SECRET"
	envDockerEndpoint    = "FUNCLITE_DOCKER_ENDPOINT"
	envFCKernelPath      = "FUNCLITE_FC_KERNEL_PATH"
	envFCRootfsDir       = "FUNCLITE_FC_ROOTFS_DIR"
	envFCMaxVMs          = "FUNCLITE_FC_MAX_VMS"
)

// Duration is a time.Duration written as "30s" in YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = v
	return nil
}

// Config is the full process configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// FunctionsURL is the gocloud.dev blob URL holding function packages.
	FunctionsURL string `yaml:"functions_url"`

	Provisioner string `yaml:"provisioner"`

	ReconcileInterval Duration `yaml:"reconcile_interval"`
	ReconcileTimeout  Duration `yaml:"reconcile_timeout"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	CreateTimeout     Duration `yaml:"create_timeout"`

	Pool        PoolConfig        `yaml:"pool"`
	Fleet       FleetConfig       `yaml:"fleet"`
	Auth        AuthConfig        `yaml:"auth"`
	Docker      DockerConfig      `yaml:"docker"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
}

// PoolConfig sizes the per-tag worker pools.
type PoolConfig struct {
	Sizes            map[string]int `yaml:"sizes"`
	CreateAttempts   int            `yaml:"create_attempts"`
	CreateRetryDelay Duration       `yaml:"create_retry_delay"`
	Parallelism      int            `yaml:"parallelism"`

	// CPUs and MemMB size every worker. Zero leaves the driver default.
	CPUs  int `yaml:"cpus"`
	MemMB int `yaml:"mem_mb"`
}

// FleetConfig bounds and tunes replica group scaling.
type FleetConfig struct {
	MinGroups          int      `yaml:"min_groups"`
	MaxGroups          int      `yaml:"max_groups"`
	ScaleUpThreshold   int      `yaml:"scale_up_threshold"`
	ScaleDownThreshold int      `yaml:"scale_down_threshold"`
	UsageWindow        Duration `yaml:"usage_window"`
	ReadyDelay         Duration `yaml:"ready_delay"`
}

// AuthConfig enables bearer token checks on mutating routes when JWTSecret
// is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type DockerConfig struct {
	Endpoint   string            `yaml:"endpoint"`
	Network    string            `yaml:"network"`
	Images     map[string]string `yaml:"images"`
	WorkerPort int               `yaml:"worker_port"`
}

type FirecrackerConfig struct {
	KernelPath   string `yaml:"kernel_path"`
	RootfsDir    string `yaml:"rootfs_dir"`
	Bin          string `yaml:"bin"`
	CNIConfigDir string `yaml:"cni_config_dir"`
	CNIBinDir    string `yaml:"cni_bin_dir"`
	CNINetwork   string `yaml:"cni_network"`
	VsockPort    uint32 `yaml:"vsock_port"`
	MaxVMs       int    `yaml:"max_vms"`
	VCPUs        int    `yaml:"vcpus"`
	MemMB        int    `yaml:"mem_mb"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DBPath:            "funclite.db",
		LogLevel:          "info",
		FunctionsURL:      "file://./functions",
		Provisioner:       ProvisionerDocker,
		ReconcileInterval: Duration{60 * time.Second},
		ReconcileTimeout:  Duration{5 * time.Minute},
		RequestTimeout:    Duration{30 * time.Second},
		CreateTimeout:     Duration{5 * time.Minute},
		Pool: PoolConfig{
			Sizes: map[string]int{
				"node":   2,
				"python": 2,
				"ruby":   1,
				"go":     1,
			},
			CreateAttempts:   3,
			CreateRetryDelay: Duration{250 * time.Millisecond},
			Parallelism:      8,
		},
		Fleet: FleetConfig{
			MinGroups:          2,
			MaxGroups:          4,
			ScaleUpThreshold:   4,
			ScaleDownThreshold: 0,
			UsageWindow:        Duration{60 * time.Second},
			ReadyDelay:         Duration{15 * time.Second},
		},
		Docker: DockerConfig{
			Endpoint: "unix:///var/run/docker.sock",
			Network:  "funclite",
			Images: map[string]string{
				"node":   "funclite/worker-node:latest",
				"python": "funclite/worker-python:latest",
				"ruby":   "funclite/worker-ruby:latest",
				"go":     "funclite/worker-go:latest",
			},
			WorkerPort: 8080,
		},
		Firecracker: FirecrackerConfig{
			Bin:          "firecracker",
			CNIConfigDir: "/etc/cni/conf.d",
			CNIBinDir:    "/opt/cni/bin",
			CNINetwork:   "funclite",
			VsockPort:    1024,
			MaxVMs:       10,
			VCPUs:        1,
			MemMB:        512,
		},
	}
}

// Load builds the effective configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for env, dst := range map[string]*string{
		envListenAddr:     &c.ListenAddr,
		envDBPath:         &c.DBPath,
		envLogLevel:       &c.LogLevel,
		envFunctionsURL:   &c.FunctionsURL,
		envProvisioner:    &c.Provisioner,
		envJWTSecret:      &c.Auth.JWTSecret,
		envDockerEndpoint: &c.Docker.Endpoint,
		envFCKernelPath:   &c.Firecracker.KernelPath,
		envFCRootfsDir:    &c.Firecracker.RootfsDir,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(envReconcileInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envReconcileInterval, err)
		}
		c.ReconcileInterval = Duration{d}
	}
	if v := os.Getenv(envFCMaxVMs); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envFCMaxVMs, err)
		}
		c.Firecracker.MaxVMs = n
	}
	return nil
}

// Validate reports every bound violation at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.ListenAddr == "" {
		bad("listen_addr is empty")
	}
	if c.FunctionsURL == "" {
		bad("functions_url is empty")
	}
	switch c.Provisioner {
	case ProvisionerDocker, ProvisionerFirecracker, ProvisionerFake:
	default:
		bad("unknown provisioner %q", c.Provisioner)
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		bad("unknown log_level %q", c.LogLevel)
	}
	for name, d := range map[string]Duration{
		"reconcile_interval": c.ReconcileInterval,
		"reconcile_timeout":  c.ReconcileTimeout,
		"request_timeout":    c.RequestTimeout,
		"create_timeout":     c.CreateTimeout,
	} {
		if d.Duration <= 0 {
			bad("%s must be positive", name)
		}
	}

	for tag, n := range c.Pool.Sizes {
		if n < 0 {
			bad("pool size for %q is negative", tag)
		}
	}
	if c.Pool.CreateAttempts < 1 {
		bad("pool.create_attempts must be at least 1")
	}
	if c.Pool.Parallelism < 1 {
		bad("pool.parallelism must be at least 1")
	}
	if c.Pool.CPUs < 0 || c.Pool.MemMB < 0 {
		bad("pool.cpus and pool.mem_mb must not be negative")
	}

	f := c.Fleet
	if f.MinGroups < 1 {
		bad("fleet.min_groups must be at least 1")
	}
	if f.MaxGroups < f.MinGroups {
		bad("fleet.max_groups %d is below min_groups %d", f.MaxGroups, f.MinGroups)
	}
	if f.ScaleDownThreshold >= f.ScaleUpThreshold {
		bad("fleet.scale_down_threshold must be below scale_up_threshold")
	}
	if f.UsageWindow.Duration <= 0 {
		bad("fleet.usage_window must be positive")
	}

	if c.Provisioner == ProvisionerFirecracker {
		if c.Firecracker.KernelPath == "" || c.Firecracker.RootfsDir == "" {
			bad("firecracker.kernel_path and firecracker.rootfs_dir are required")
		}
		if c.Firecracker.MaxVMs < 1 {
			bad("firecracker.max_vms must be at least 1")
		}
	}
	if c.Provisioner == ProvisionerDocker && c.Docker.WorkerPort <= 0 {
		bad("docker.worker_port must be positive")
	}

	return errors.Join(errs...)
}

// YAML renders the configuration the way Load reads it.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func parseLogLevel(s string) slog.Level {
	if level, ok := logLevels[strings.ToLower(s)]; ok {
		return level
	}
	return slog.LevelInfo
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
