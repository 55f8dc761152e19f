// Package config loads the controller configuration: defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BACKEND_REMOTE = "remote"
	BACKEND_LOCAL  = "local"
)

type DB struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Apt struct {
	// BaseURL is where published repositories are served from.
	BaseURL string `yaml:"base_url"`
	KeyURL  string `yaml:"key_url"`
}

type Aptly struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Local struct {
	Parallel int64         `yaml:"parallel"`
	Image    string        `yaml:"image"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Hetzner struct {
	Token      string `yaml:"token"`
	SSHKeyName string `yaml:"ssh_key"`
	Location   string `yaml:"location"`
	// ServerTypes maps an architecture to a server type, f.e.
	// amd64: cx22.
	ServerTypes map[string]string `yaml:"server_types"`
	Image       string            `yaml:"image"`
	// WorkerImage is the container image VMs run the worker from.
	WorkerImage string `yaml:"worker_image"`
	MaxVMs      int    `yaml:"max_vms"`
	// VMLifetime is how long a VM lives before it is removed.
	VMLifetime time.Duration `yaml:"vm_lifetime"`
}

type Config struct {
	Addr               string        `yaml:"addr"`
	ExternalURI        string        `yaml:"external_uri"`
	LogLevel           string        `yaml:"log_level"`
	DB                 DB            `yaml:"db"`
	GitStoragePath     string        `yaml:"git_storage_path"`
	BuildOutPath       string        `yaml:"build_out_path"`
	LogPath            string        `yaml:"log_path"`
	Backend            string        `yaml:"backend"`
	Architectures      []string      `yaml:"architectures"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMaxMissed int           `yaml:"heartbeat_max_missed"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	RetryMax           int           `yaml:"retry_max"`
	ScheduleInterval   time.Duration `yaml:"schedule_interval"`
	RunLintChecks      bool          `yaml:"run_lint_checks"`
	Apt                Apt           `yaml:"apt"`
	Aptly              Aptly         `yaml:"aptly"`
	WebhookURL         string        `yaml:"webhook_url"`
	Local              Local         `yaml:"local"`
	Hetzner            Hetzner       `yaml:"hetzner"`
}

func Default() Config {
	return Config{
		Addr:               "127.0.0.1:8080",
		ExternalURI:        "http://127.0.0.1:8080",
		LogLevel:           "info",
		DB:                 DB{Driver: "sqlite3", DSN: "file:deb-ci.db?_txlock=immediate&_busy_timeout=5000"},
		GitStoragePath:     "./git",
		BuildOutPath:       "./out",
		LogPath:            "./logs",
		Backend:            BACKEND_REMOTE,
		Architectures:      []string{"amd64"},
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMaxMissed: 2,
		RetryDelay:         10 * time.Second,
		RetryMax:           30,
		ScheduleInterval:   time.Minute,
		Aptly:              Aptly{URL: "http://127.0.0.1:8081"},
		Local:              Local{Parallel: 1, Image: "debian:stable", Timeout: 2 * time.Hour},
		Hetzner: Hetzner{
			Location:    "fsn1",
			Image:       "debian-12",
			WorkerImage: "ghcr.io/hashworks/deb-ci-worker:latest",
			MaxVMs:      4,
			VMLifetime:  2 * time.Hour,
		},
	}
}

func getEnv(key string, defaultValue string) string {
	v := os.Getenv(key)
	if len(v) == 0 {
		return defaultValue
	}
	return v
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if len(v) == 0 {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("$%s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if len(v) == 0 {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("$%s: %w", key, err)
	}
	return d, nil
}

// Load reads the YAML file at path, if path is not empty, and applies the
// environment on top.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) applyEnv() error {
	c.Addr = getEnv("ADDRESS", c.Addr)
	c.ExternalURI = getEnv("EXTERNAL_URI", c.ExternalURI)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DB.Driver = getEnv("DB_DRIVER", c.DB.Driver)
	c.DB.DSN = getEnv("DB_DSN", c.DB.DSN)
	c.GitStoragePath = getEnv("GIT_STORAGE_PATH", c.GitStoragePath)
	c.BuildOutPath = getEnv("BUILD_OUT_PATH", c.BuildOutPath)
	c.LogPath = getEnv("LOG_PATH", c.LogPath)
	c.Backend = getEnv("BACKEND", c.Backend)
	if archs := getEnv("ARCHITECTURES", ""); archs != "" {
		c.Architectures = strings.Split(archs, ",")
	}
	c.Apt.BaseURL = getEnv("APT_BASE_URL", c.Apt.BaseURL)
	c.Apt.KeyURL = getEnv("APT_KEY_URL", c.Apt.KeyURL)
	c.Aptly.URL = getEnv("APTLY_URL", c.Aptly.URL)
	c.Aptly.User = getEnv("APTLY_USER", c.Aptly.User)
	c.Aptly.Password = getEnv("APTLY_PASSWORD", c.Aptly.Password)
	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.Hetzner.Token = getEnv("HETZNER_API_TOKEN", c.Hetzner.Token)
	c.Hetzner.SSHKeyName = getEnv("HETZNER_SSH_KEY", c.Hetzner.SSHKeyName)

	var err error
	if c.HeartbeatInterval, err = getEnvDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval); err != nil {
		return err
	}
	if c.HeartbeatMaxMissed, err = getEnvInt("HEARTBEAT_MAX_MISSED", c.HeartbeatMaxMissed); err != nil {
		return err
	}
	if c.RetryDelay, err = getEnvDuration("RETRY_DELAY", c.RetryDelay); err != nil {
		return err
	}
	if c.RetryMax, err = getEnvInt("RETRY_MAX", c.RetryMax); err != nil {
		return err
	}
	if c.ScheduleInterval, err = getEnvDuration("SCHEDULE_INTERVAL", c.ScheduleInterval); err != nil {
		return err
	}
	parallel, err := getEnvInt("LOCAL_PARALLEL", int(c.Local.Parallel))
	if err != nil {
		return err
	}
	c.Local.Parallel = int64(parallel)
	return nil
}

func (c *Config) Validate() error {
	if len(c.Addr) == 0 {
		return errors.New("missing address")
	}
	if len(c.ExternalURI) == 0 {
		return errors.New("missing external URI")
	}
	if c.DB.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver %q", c.DB.Driver)
	}
	if len(c.DB.DSN) == 0 {
		return errors.New("missing database data source name")
	}
	if c.Backend != BACKEND_REMOTE && c.Backend != BACKEND_LOCAL {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if len(c.Architectures) == 0 {
		return errors.New("no architectures configured")
	}
	if c.HeartbeatMaxMissed < 1 {
		return errors.New("heartbeat_max_missed must be at least 1")
	}
	return nil
}

// PackageSourceBaseURL defaults to the aptly publish endpoint.
func (c *Config) PackageSourceBaseURL() string {
	if c.Apt.BaseURL != "" {
		return strings.TrimSuffix(c.Apt.BaseURL, "/")
	}
	return strings.TrimSuffix(c.Aptly.URL, "/")
}
