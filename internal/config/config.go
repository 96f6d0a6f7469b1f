// Package config loads botfleet settings from a YAML file, BOTFLEET_* environment variables
// and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/galadd/botfleet/internal/fleet"
)

const EnvPrefix = "BOTFLEET"

type Config struct {
	Docker    DockerConfig    `mapstructure:"docker" yaml:"docker"`
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Capacity  CapacityConfig  `mapstructure:"capacity" yaml:"capacity"`
	Fleet     FleetConfig     `mapstructure:"fleet" yaml:"fleet"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type DockerConfig struct {
	Host    string        `mapstructure:"host" yaml:"host"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Network string        `mapstructure:"network" yaml:"network"`
}

type ServiceConfig struct {
	Image             string            `mapstructure:"image" yaml:"image"`
	Prefix            string            `mapstructure:"prefix" yaml:"prefix"`
	AppLabel          string            `mapstructure:"app_label" yaml:"app_label"`
	Entrypoint        []string          `mapstructure:"entrypoint" yaml:"entrypoint"`
	Command           []string          `mapstructure:"command" yaml:"command"`
	Env               map[string]string `mapstructure:"env" yaml:"env"`
	ContainerPort     int               `mapstructure:"container_port" yaml:"container_port"`
	BasePort          int               `mapstructure:"base_port" yaml:"base_port"`
	PortRange         int               `mapstructure:"port_range" yaml:"port_range"`
	CPUs              float64           `mapstructure:"cpus" yaml:"cpus"`
	Memory            string            `mapstructure:"memory" yaml:"memory"`
	CPUReservation    float64           `mapstructure:"cpu_reservation" yaml:"cpu_reservation"`
	MemoryReservation string            `mapstructure:"memory_reservation" yaml:"memory_reservation"`
	RestartAttempts   uint64            `mapstructure:"restart_attempts" yaml:"restart_attempts"`
	RestartDelay      time.Duration     `mapstructure:"restart_delay" yaml:"restart_delay"`
}

type CapacityConfig struct {
	WorkerMax  int    `mapstructure:"worker_max" yaml:"worker_max"`
	ManagerMax int    `mapstructure:"manager_max" yaml:"manager_max"`
	Label      string `mapstructure:"label" yaml:"label"`
}

type FleetConfig struct {
	UsersDir        string        `mapstructure:"users_dir" yaml:"users_dir"`
	BaseTemplate    string        `mapstructure:"base_template" yaml:"base_template"`
	DefaultCapital  float64       `mapstructure:"default_capital" yaml:"default_capital"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	StatusTasks     int           `mapstructure:"status_tasks" yaml:"status_tasks"`
	DefaultLogLines int           `mapstructure:"default_log_lines" yaml:"default_log_lines"`
	MaxLogLines     int           `mapstructure:"max_log_lines" yaml:"max_log_lines"`
}

type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Cleanup  bool          `mapstructure:"cleanup" yaml:"cleanup"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type APIConfig struct {
	Listen    string  `mapstructure:"listen" yaml:"listen"`
	URL       string  `mapstructure:"url" yaml:"url"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// New returns a viper instance carrying every default and the environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	opts := fleet.DefaultOptions()
	policy := fleet.DefaultCapacityPolicy()

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.timeout", fleet.DefaultRequestTimeout)
	v.SetDefault("docker.network", opts.Network)

	v.SetDefault("service.image", opts.Image)
	v.SetDefault("service.prefix", opts.ServicePrefix)
	v.SetDefault("service.app_label", opts.AppLabel)
	v.SetDefault("service.entrypoint", opts.Entrypoint)
	v.SetDefault("service.command", opts.TradeCommand)
	v.SetDefault("service.env", opts.ExtraEnv)
	v.SetDefault("service.container_port", int(opts.ContainerPort))
	v.SetDefault("service.base_port", opts.BasePort)
	v.SetDefault("service.port_range", opts.PortRange)
	v.SetDefault("service.cpus", 1.0)
	v.SetDefault("service.memory", "512m")
	v.SetDefault("service.cpu_reservation", 0.5)
	v.SetDefault("service.memory_reservation", "256m")
	v.SetDefault("service.restart_attempts", opts.Restart.MaxAttempts)
	v.SetDefault("service.restart_delay", opts.Restart.Delay)

	v.SetDefault("capacity.worker_max", policy.WorkerMax)
	v.SetDefault("capacity.manager_max", policy.ManagerMax)
	v.SetDefault("capacity.label", policy.Label)

	v.SetDefault("fleet.users_dir", "/srv/botfleet/users")
	v.SetDefault("fleet.base_template", "")
	v.SetDefault("fleet.default_capital", opts.DefaultCapital)
	v.SetDefault("fleet.settle_delay", opts.SettleDelay)
	v.SetDefault("fleet.status_tasks", opts.StatusTasks)
	v.SetDefault("fleet.default_log_lines", opts.DefaultLogLines)
	v.SetDefault("fleet.max_log_lines", opts.MaxLogLines)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", fleet.DefaultReconcileInterval)
	v.SetDefault("reconcile.cleanup", false)

	v.SetDefault("store.path", "/var/lib/botfleet/botfleet.db")

	v.SetDefault("api.listen", ":9090")
	v.SetDefault("api.url", "http://localhost:9090")
	v.SetDefault("api.rate_limit", 0.2)
	v.SetDefault("api.rate_burst", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path, or the first config.yaml found in the search path when path is empty.
// A missing file is not an error unless path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/botfleet")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".botfleet"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Service.Image == "":
		return errors.New("service.image must be set")
	case c.Service.Prefix == "":
		return errors.New("service.prefix must be set")
	case c.Service.PortRange <= 0:
		return fmt.Errorf("service.port_range must be positive, got %d", c.Service.PortRange)
	case c.Service.BasePort <= 0 || c.Service.BasePort+c.Service.PortRange > 65536:
		return fmt.Errorf("service ports %d..%d out of range", c.Service.BasePort, c.Service.BasePort+c.Service.PortRange-1)
	case c.Service.ContainerPort <= 0 || c.Service.ContainerPort > 65535:
		return fmt.Errorf("service.container_port %d out of range", c.Service.ContainerPort)
	case c.Capacity.WorkerMax <= 0 || c.Capacity.ManagerMax < 0:
		return errors.New("capacity ceilings must be positive")
	case c.Fleet.UsersDir == "":
		return errors.New("fleet.users_dir must be set")
	}
	return nil
}

// FleetOptions translates the service and fleet sections into manager options.
func (c *Config) FleetOptions() (fleet.Options, error) {
	memory, err := units.RAMInBytes(c.Service.Memory)
	if err != nil {
		return fleet.Options{}, fmt.Errorf("invalid service.memory: %w", err)
	}
	reserved, err := units.RAMInBytes(c.Service.MemoryReservation)
	if err != nil {
		return fleet.Options{}, fmt.Errorf("invalid service.memory_reservation: %w", err)
	}
	if reserved > memory {
		return fleet.Options{}, fmt.Errorf("service.memory_reservation %s exceeds service.memory %s",
			units.BytesSize(float64(reserved)), units.BytesSize(float64(memory)))
	}

	return fleet.Options{
		Image:         c.Service.Image,
		Network:       c.Docker.Network,
		Entrypoint:    c.Service.Entrypoint,
		TradeCommand:  c.Service.Command,
		ExtraEnv:      c.Service.Env,
		ServicePrefix: c.Service.Prefix,
		AppLabel:      c.Service.AppLabel,
		ContainerPort: uint32(c.Service.ContainerPort),
		BasePort:      c.Service.BasePort,
		PortRange:     c.Service.PortRange,
		Resources: fleet.Resources{
			NanoCPUs:            int64(c.Service.CPUs * 1e9),
			MemoryBytes:         memory,
			ReservedNanoCPUs:    int64(c.Service.CPUReservation * 1e9),
			ReservedMemoryBytes: reserved,
		},
		Restart: fleet.RestartPolicy{
			MaxAttempts: c.Service.RestartAttempts,
			Delay:       c.Service.RestartDelay,
		},
		DefaultCapital:  c.Fleet.DefaultCapital,
		SettleDelay:     c.Fleet.SettleDelay,
		StatusTasks:     c.Fleet.StatusTasks,
		DefaultLogLines: c.Fleet.DefaultLogLines,
		MaxLogLines:     c.Fleet.MaxLogLines,
	}, nil
}

func (c *Config) CapacityPolicy() fleet.CapacityPolicy {
	return fleet.CapacityPolicy{
		WorkerMax:  c.Capacity.WorkerMax,
		ManagerMax: c.Capacity.ManagerMax,
		Label:      c.Capacity.Label,
	}
}

// Logger builds the process logger from the log section.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log.format %q, want text or json", c.Log.Format)
}
