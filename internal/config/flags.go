package config

import (
	"flag"
	"strings"
	"time"

	"veda/internal/logging"
)

// FlagValues holds raw flag values until they are applied over a loaded
// Config.
type FlagValues struct {
	ConfigPath   string
	Name         string
	Binary       string
	Args         string
	Mode         string
	Workdir      string
	MaxInstances int
	DeferralTTL  time.Duration
	StopGrace    time.Duration
	LogLevel     string
	CoordURL     string
	CoordToken   string
	HubAddr      string
	HubToken     string

	fs *flag.FlagSet
}

func AddFlags(fs *flag.FlagSet) *FlagValues {
	values := &FlagValues{fs: fs}
	fs.StringVar(&values.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&values.Name, "name", "", "Orchestrator name on the coordination bus")
	fs.StringVar(&values.Binary, "agent", "", "Agent binary to spawn")
	fs.StringVar(&values.Args, "agent-args", "", "Extra agent arguments, space separated")
	fs.StringVar(&values.Mode, "mode", "", "Spawn mode: stdio or pty")
	fs.StringVar(&values.Workdir, "workdir", "", "Default working directory for new instances")
	fs.IntVar(&values.MaxInstances, "max-instances", 0, "Maximum concurrent instances")
	fs.DurationVar(&values.DeferralTTL, "deferral-ttl", 0, "How long unroutable messages are kept")
	fs.DurationVar(&values.StopGrace, "stop-grace", 0, "Grace period before killing a stopped agent")
	fs.StringVar(&values.LogLevel, "log-level", "", "Log level: debug, info, warning, error")
	fs.StringVar(&values.CoordURL, "coord-url", "", "Coordination hub websocket URL")
	fs.StringVar(&values.CoordToken, "coord-token", "", "Coordination hub token")
	fs.StringVar(&values.HubAddr, "addr", "", "Hub listen address")
	fs.StringVar(&values.HubToken, "hub-token", "", "Token required by the hub")
	return values
}

// Apply copies every flag that was set explicitly on the command line.
func (values *FlagValues) Apply(cfg *Config) error {
	if values == nil || values.fs == nil {
		return nil
	}
	var applyErr error
	values.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = values.Name
			cfg.set("name", SourceFlag)
		case "agent":
			cfg.AgentBinary = values.Binary
			cfg.set("agent.binary", SourceFlag)
		case "agent-args":
			cfg.AgentArgs = strings.Fields(values.Args)
			cfg.set("agent.args", SourceFlag)
		case "mode":
			cfg.SpawnMode = values.Mode
			cfg.set("agent.mode", SourceFlag)
		case "workdir":
			cfg.WorkingDirectory = values.Workdir
			cfg.set("agent.workdir", SourceFlag)
		case "max-instances":
			cfg.MaxInstances = values.MaxInstances
			cfg.set("instances.max", SourceFlag)
		case "deferral-ttl":
			cfg.DeferralTTL = values.DeferralTTL
			cfg.set("routing.deferral_ttl", SourceFlag)
		case "stop-grace":
			cfg.StopGrace = values.StopGrace
			cfg.set("routing.stop_grace", SourceFlag)
		case "log-level":
			level, ok := logging.ParseLevel(values.LogLevel)
			if !ok {
				applyErr = &flagError{name: f.Name, value: values.LogLevel}
				return
			}
			cfg.LogLevel = level
			cfg.set("log.level", SourceFlag)
		case "coord-url":
			cfg.CoordinationURL = values.CoordURL
			cfg.set("coordination.url", SourceFlag)
		case "coord-token":
			cfg.CoordinationToken = values.CoordToken
			cfg.set("coordination.token", SourceFlag)
		case "addr":
			cfg.HubAddr = values.HubAddr
			cfg.set("coordination.hub_addr", SourceFlag)
		case "hub-token":
			cfg.HubToken = values.HubToken
			cfg.set("coordination.hub_token", SourceFlag)
		}
	})
	if applyErr != nil {
		return applyErr
	}
	return cfg.Validate()
}

type flagError struct {
	name  string
	value string
}

func (e *flagError) Error() string {
	return "invalid -" + e.name + " value " + strings.TrimSpace(e.value)
}
