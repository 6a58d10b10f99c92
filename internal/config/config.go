// Package config loads the engine's YAML configuration. The constants table
// in the scoring package ships with defaults; a methods section here
// overrides individual entries at startup.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/nabr/verification/internal/scoring"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Engine     EngineConfig     `yaml:"engine"`
	Methods    MethodsConfig    `yaml:"methods"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StorageConfig struct {
	// Backend selects the journal and verifier record stores: "memory" or
	// "postgres".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// RedisAddr enables the Redis token store; empty keeps tokens in memory.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type CloudTasksConfig struct {
	ProjectID   string `yaml:"project_id"`
	Location    string `yaml:"location"`
	Queue       string `yaml:"queue"`
	CallbackURL string `yaml:"callback_url"`
}

type EngineConfig struct {
	CheckpointEvery      int64 `yaml:"checkpoint_every"`
	AppendAttempts       int   `yaml:"append_attempts"`
	AppendBackoffMs      int   `yaml:"append_backoff_ms"`
	AppendMaxBackoffMs   int   `yaml:"append_max_backoff_ms"`
	SweepIntervalSeconds int   `yaml:"sweep_interval_seconds"`
}

func (e EngineConfig) AppendBackoff() time.Duration {
	return time.Duration(e.AppendBackoffMs) * time.Millisecond
}

func (e EngineConfig) AppendMaxBackoff() time.Duration {
	return time.Duration(e.AppendMaxBackoffMs) * time.Millisecond
}

func (e EngineConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSeconds) * time.Second
}

// MethodsConfig overrides entries of the shipped method table. Only listed
// methods change; zero fields inside an override keep the shipped values.
type MethodsConfig map[string]MethodOverride

type MethodOverride struct {
	BasePoints    int `yaml:"base_points"`
	MaxMultiplier int `yaml:"max_multiplier"`
	DecayDays     int `yaml:"decay_days"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyMethodOverrides pushes the configured overrides into the scoring
// table. Called once at startup, before any orchestrator exists.
func (c *Config) ApplyMethodOverrides() {
	for name, ov := range c.Methods {
		m := scoring.Method(name)
		ms, ok := scoring.Lookup(m)
		if !ok {
			continue
		}
		if ov.BasePoints != 0 {
			ms.BasePoints = ov.BasePoints
		}
		if ov.MaxMultiplier != 0 {
			ms.MaxMultiplier = ov.MaxMultiplier
		}
		if ov.DecayDays != 0 {
			ms.DecayDays = ov.DecayDays
		}
		scoring.Override(m, ms)
	}
}
