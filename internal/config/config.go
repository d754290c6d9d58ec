// Package config assembles the orchestrator configuration from built-in
// defaults, an optional YAML file, VEDA_* environment variables and command
// line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"veda/internal/logging"

	"gopkg.in/yaml.v3"
)

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

const (
	DefaultHubAddr        = "127.0.0.1:7420"
	DefaultPipelineBuffer = 1024
)

type Config struct {
	Name             string
	AgentBinary      string
	AgentArgs        []string
	SpawnMode        string
	WorkingDirectory string

	MaxInstances       int
	MessageLogCapacity int
	PipelineBuffer     int

	DeferralTTL      time.Duration
	DeferralCapacity int
	DeferralSweep    time.Duration
	StopGrace        time.Duration

	LogLevel logging.Level

	CoordinationURL   string
	CoordinationToken string
	HubAddr           string
	HubToken          string

	Path    string
	Sources map[string]Source
}

// fileConfig mirrors the YAML layout. Durations are strings accepted by
// time.ParseDuration.
type fileConfig struct {
	Name  string `yaml:"name"`
	Agent struct {
		Binary  string   `yaml:"binary"`
		Args    []string `yaml:"args"`
		Mode    string   `yaml:"mode"`
		Workdir string   `yaml:"workdir"`
	} `yaml:"agent"`
	Instances struct {
		Max        int `yaml:"max"`
		LogEntries int `yaml:"log_entries"`
	} `yaml:"instances"`
	Routing struct {
		QueueSize     int    `yaml:"queue_size"`
		DeferralTTL   string `yaml:"deferral_ttl"`
		DeferralLimit int    `yaml:"deferral_limit"`
		SweepInterval string `yaml:"sweep_interval"`
		StopGrace     string `yaml:"stop_grace"`
	} `yaml:"routing"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Coordination struct {
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		HubAddr string `yaml:"hub_addr"`
		HubKey  string `yaml:"hub_token"`
	} `yaml:"coordination"`
}

func Defaults() Config {
	workdir, _ := os.Getwd()
	name := "veda"
	if host, err := os.Hostname(); err == nil && host != "" {
		name = "veda@" + host
	}
	cfg := Config{
		Name:               name,
		AgentBinary:        "claude",
		SpawnMode:          "stdio",
		WorkingDirectory:   workdir,
		MaxInstances:       8,
		MessageLogCapacity: 5000,
		PipelineBuffer:     DefaultPipelineBuffer,
		DeferralTTL:        5 * time.Minute,
		DeferralCapacity:   10000,
		DeferralSweep:      30 * time.Second,
		StopGrace:          3 * time.Second,
		LogLevel:           logging.LevelInfo,
		HubAddr:            DefaultHubAddr,
		Sources:            make(map[string]Source),
	}
	return cfg
}

// Load applies the file at path, when non-empty, and the environment on top
// of the defaults. A missing file is an error only when required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Defaults()
	cfg.Path = path
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(payload); err != nil {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) set(key string, source Source) {
	if c.Sources == nil {
		c.Sources = make(map[string]Source)
	}
	c.Sources[key] = source
}

// SourceOf reports where a setting came from.
func (c Config) SourceOf(key string) Source {
	if source, ok := c.Sources[key]; ok {
		return source
	}
	return SourceDefault
}

func (c *Config) applyFile(payload []byte) error {
	var file fileConfig
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	setString := func(key, value string, target *string) {
		if strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
			c.set(key, SourceFile)
		}
	}
	setInt := func(key string, value int, target *int) {
		if value > 0 {
			*target = value
			c.set(key, SourceFile)
		}
	}
	setDuration := func(key, value string, target *time.Duration) error {
		if strings.TrimSpace(value) == "" {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*target = parsed
		c.set(key, SourceFile)
		return nil
	}

	setString("name", file.Name, &c.Name)
	setString("agent.binary", file.Agent.Binary, &c.AgentBinary)
	setString("agent.mode", file.Agent.Mode, &c.SpawnMode)
	setString("agent.workdir", file.Agent.Workdir, &c.WorkingDirectory)
	if len(file.Agent.Args) > 0 {
		c.AgentArgs = append([]string(nil), file.Agent.Args...)
		c.set("agent.args", SourceFile)
	}
	setInt("instances.max", file.Instances.Max, &c.MaxInstances)
	setInt("instances.log_entries", file.Instances.LogEntries, &c.MessageLogCapacity)
	setInt("routing.queue_size", file.Routing.QueueSize, &c.PipelineBuffer)
	setInt("routing.deferral_limit", file.Routing.DeferralLimit, &c.DeferralCapacity)
	if err := setDuration("routing.deferral_ttl", file.Routing.DeferralTTL, &c.DeferralTTL); err != nil {
		return err
	}
	if err := setDuration("routing.sweep_interval", file.Routing.SweepInterval, &c.DeferralSweep); err != nil {
		return err
	}
	if err := setDuration("routing.stop_grace", file.Routing.StopGrace, &c.StopGrace); err != nil {
		return err
	}
	if file.Log.Level != "" {
		level, ok := logging.ParseLevel(file.Log.Level)
		if !ok {
			return fmt.Errorf("log.level: unknown level %q", file.Log.Level)
		}
		c.LogLevel = level
		c.set("log.level", SourceFile)
	}
	setString("coordination.url", file.Coordination.URL, &c.CoordinationURL)
	setString("coordination.token", file.Coordination.Token, &c.CoordinationToken)
	setString("coordination.hub_addr", file.Coordination.HubAddr, &c.HubAddr)
	setString("coordination.hub_token", file.Coordination.HubKey, &c.HubToken)
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name, key string, target *string) {
		if raw, ok := lookup(name); ok && strings.TrimSpace(raw) != "" {
			*target = strings.TrimSpace(raw)
			c.set(key, SourceEnv)
		}
	}
	positive := func(name, key string, target *int) error {
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s: must be a positive integer", name)
		}
		*target = parsed
		c.set(key, SourceEnv)
		return nil
	}
	duration := func(name, key string, target *time.Duration) error {
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s: must be a positive duration", name)
		}
		*target = parsed
		c.set(key, SourceEnv)
		return nil
	}

	str("VEDA_NAME", "name", &c.Name)
	str("VEDA_AGENT_BINARY", "agent.binary", &c.AgentBinary)
	str("VEDA_AGENT_MODE", "agent.mode", &c.SpawnMode)
	str("VEDA_WORKDIR", "agent.workdir", &c.WorkingDirectory)
	if raw, ok := lookup("VEDA_AGENT_ARGS"); ok && strings.TrimSpace(raw) != "" {
		c.AgentArgs = strings.Fields(raw)
		c.set("agent.args", SourceEnv)
	}
	str("VEDA_COORD_URL", "coordination.url", &c.CoordinationURL)
	str("VEDA_COORD_TOKEN", "coordination.token", &c.CoordinationToken)
	str("VEDA_HUB_ADDR", "coordination.hub_addr", &c.HubAddr)
	str("VEDA_HUB_TOKEN", "coordination.hub_token", &c.HubToken)
	if raw, ok := lookup("VEDA_LOG_LEVEL"); ok && strings.TrimSpace(raw) != "" {
		level, valid := logging.ParseLevel(raw)
		if !valid {
			return fmt.Errorf("invalid VEDA_LOG_LEVEL: %q", raw)
		}
		c.LogLevel = level
		c.set("log.level", SourceEnv)
	}
	for _, apply := range []func() error{
		func() error { return positive("VEDA_MAX_INSTANCES", "instances.max", &c.MaxInstances) },
		func() error { return positive("VEDA_LOG_ENTRIES", "instances.log_entries", &c.MessageLogCapacity) },
		func() error { return positive("VEDA_QUEUE_SIZE", "routing.queue_size", &c.PipelineBuffer) },
		func() error { return positive("VEDA_DEFERRAL_LIMIT", "routing.deferral_limit", &c.DeferralCapacity) },
		func() error { return duration("VEDA_DEFERRAL_TTL", "routing.deferral_ttl", &c.DeferralTTL) },
		func() error { return duration("VEDA_SWEEP_INTERVAL", "routing.sweep_interval", &c.DeferralSweep) },
		func() error { return duration("VEDA_STOP_GRACE", "routing.stop_grace", &c.StopGrace) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.AgentBinary) == "" {
		errs = append(errs, errors.New("agent binary is required"))
	}
	if c.SpawnMode != "stdio" && c.SpawnMode != "pty" {
		errs = append(errs, fmt.Errorf("agent mode must be stdio or pty, got %q", c.SpawnMode))
	}
	if c.MaxInstances <= 0 {
		errs = append(errs, errors.New("instances.max must be > 0"))
	}
	if c.DeferralTTL <= 0 {
		errs = append(errs, errors.New("routing.deferral_ttl must be > 0"))
	}
	return errors.Join(errs...)
}

// Reloadable holds the settings that may change while running.
type Reloadable struct {
	LogLevel    logging.Level
	DeferralTTL time.Duration
}

func (c Config) Reloadable() Reloadable {
	return Reloadable{LogLevel: c.LogLevel, DeferralTTL: c.DeferralTTL}
}

// Reload re-reads the file and environment. Settings given as flags keep
// their flag values.
func (c Config) Reload() (Config, error) {
	next, err := Load(c.Path, true)
	if err != nil {
		return c, err
	}
	if c.SourceOf("log.level") == SourceFlag {
		next.LogLevel = c.LogLevel
		next.set("log.level", SourceFlag)
	}
	if c.SourceOf("routing.deferral_ttl") == SourceFlag {
		next.DeferralTTL = c.DeferralTTL
		next.set("routing.deferral_ttl", SourceFlag)
	}
	return next, nil
}
