package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentloom/internal/breaker"
	"github.com/rendis/agentloom/internal/bridge"
	"github.com/rendis/agentloom/internal/protocol"
	"github.com/rendis/agentloom/internal/security"
)

// Store backends.
const (
	storeMemory = "memory"
	storeLibSQL = "libsql"
)

// Config holds all agentloom configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	Worker      protocol.Config      `yaml:"worker"`
	LogLevel    string               `yaml:"log_level"`
	LogFormat   string               `yaml:"log_format"`
	Concurrency int                  `yaml:"concurrency"`
	Store       string               `yaml:"store"`
	DBPath      string               `yaml:"db_path"`
	ActorID     string               `yaml:"actor_id"`
	Security    *security.Descriptor `yaml:"security"`
	Bridge      bridge.Config        `yaml:"bridge"`
	Breaker     breaker.Config       `yaml:"breaker"`
	// SessionTTL expires a session that has not run for this long. Its
	// stored results are dropped with it. Zero keeps sessions forever.
	SessionTTL  time.Duration        `yaml:"session_ttl"`
	WatchTopics []string             `yaml:"watch_topics"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		LogFormat:   "text",
		Concurrency: 4,
		Store:       storeMemory,
		DBPath:      filepath.Join(agentloomDir(), "context.db"),
		ActorID:     "worker",
	}
}

func agentloomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentloom"
	}
	return filepath.Join(home, ".agentloom")
}

func settingsPath() string {
	return filepath.Join(agentloomDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file and env vars. An explicit
// path must exist; the default settings file is optional.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("AGENTLOOM_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}
	if v := os.Getenv("AGENTLOOM_WORKER_ARGS"); v != "" {
		cfg.Worker.Args = strings.Fields(v)
	}
	if v := os.Getenv("AGENTLOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTLOOM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AGENTLOOM_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("AGENTLOOM_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("AGENTLOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTLOOM_ACTOR_ID"); v != "" {
		cfg.ActorID = v
	}
	if v := os.Getenv("AGENTLOOM_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store {
	case storeMemory, storeLibSQL:
	default:
		return fmt.Errorf("unknown store %q: must be memory or libsql", c.Store)
	}
	if c.Store == storeLibSQL && c.DBPath == "" {
		return errors.New("db_path is required for the libsql store")
	}
	if c.ActorID == "" {
		return errors.New("actor_id must not be empty")
	}
	if c.SessionTTL < 0 {
		return errors.New("session_ttl must not be negative")
	}
	return nil
}
