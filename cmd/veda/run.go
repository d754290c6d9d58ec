package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"veda/internal/cli"
	"veda/internal/config"
	"veda/internal/coordination"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/orchestrator"
	"veda/internal/spawner"
	"veda/internal/watcher"
)

const orchestratorStopTimeout = 15 * time.Second

type runConfig struct {
	Config      config.Config
	Prompt      string
	ShowVersion bool
}

func loadConfigFile(values *config.FlagValues) (config.Config, error) {
	path := strings.TrimSpace(values.ConfigPath)
	required := path != ""
	if path == "" {
		path = strings.TrimSpace(os.Getenv("VEDA_CONFIG"))
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return cfg, err
	}
	if err := values.Apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseRunArgs(args []string, errOut io.Writer) (runConfig, error) {
	fs := flag.NewFlagSet("veda", flag.ContinueOnError)
	fs.SetOutput(errOut)
	values := config.AddFlags(fs)
	outcome, err := cli.Parse(fs, args,
		"Usage: veda [run] [flags] [initial prompt]",
		"       veda hub [flags]")
	if err != nil {
		return runConfig{}, err
	}
	if outcome.ShowVersion {
		return runConfig{ShowVersion: true}, nil
	}
	cfg, err := loadConfigFile(values)
	if err != nil {
		return runConfig{}, err
	}
	return runConfig{Config: cfg, Prompt: strings.TrimSpace(strings.Join(outcome.Args, " "))}, nil
}

func runOrchestrator(args []string) int {
	parsed, err := parseRunArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if parsed.ShowVersion {
		printVersion(os.Stdout)
		return 0
	}
	cfg := parsed.Config
	logger := logging.NewLogger(cfg.LogLevel, os.Stderr)

	binary, err := exec.LookPath(cfg.AgentBinary)
	if err != nil {
		logger.Error("agent binary not found", map[string]string{
			"binary":           cfg.AgentBinary,
			logging.FieldError: err.Error(),
		})
		return 1
	}

	var client *coordination.Client
	if cfg.CoordinationURL != "" {
		client = coordination.NewClient(coordination.ClientOptions{
			URL:     cfg.CoordinationURL,
			Name:    cfg.Name,
			Token:   cfg.CoordinationToken,
			Logger:  logger.With(map[string]string{logging.FieldCategory: "coordination"}),
			Metrics: metrics.Default,
		})
	}
	orch := orchestrator.New(orchestrator.Options{
		Binary:           binary,
		AgentArgs:        cfg.AgentArgs,
		Factory:          spawner.FactoryFor(spawner.Mode(cfg.SpawnMode)),
		WorkingDirectory: cfg.WorkingDirectory,
		MaxInstances:     cfg.MaxInstances,
		LogCapacity:      cfg.MessageLogCapacity,
		DeferralTTL:      cfg.DeferralTTL,
		DeferralCapacity: cfg.DeferralCapacity,
		DeferralSweep:    cfg.DeferralSweep,
		StopGrace:        cfg.StopGrace,
		PipelineBuffer:   cfg.PipelineBuffer,
		Coordination:     client,
		Logger:           logger,
		Metrics:          metrics.Default,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	stopSignals := stopOnInterrupt(logger, cancel, signalCh)
	defer stopSignals()

	steps := newTeardown(logger)
	if files, err := watcher.NewWithOptions(watcher.Options{Logger: logger}); err != nil {
		logger.Warn("config watcher unavailable", map[string]string{logging.FieldError: err.Error()})
	} else {
		stopReload, err := config.WatchReload(files, cfg, logger, func(next config.Reloadable) {
			logger.SetLevel(next.LogLevel)
			orch.SetDeferralTTL(next.DeferralTTL)
		})
		if err != nil {
			logger.Warn("config reload disabled", map[string]string{logging.FieldError: err.Error()})
			stopReload = func() error { return nil }
		}
		steps.Add("config watcher", func(context.Context) error {
			return errors.Join(stopReload(), files.Close())
		})
	}

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()
	steps.Add("orchestrator", func(stopCtx context.Context) error {
		cancel()
		select {
		case err := <-runDone:
			return err
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	})

	logger.Info("veda started", map[string]string{
		"name":    cfg.Name,
		"agent":   binary,
		"mode":    cfg.SpawnMode,
		"workdir": cfg.WorkingDirectory,
	})
	console := newConsole(orch, logger.Journal(), os.Stdout, cfg.WorkingDirectory)
	consoleErr := console.Run(ctx, os.Stdin, parsed.Prompt)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), orchestratorStopTimeout)
	defer stopCancel()
	shutdownErr := steps.Run(stopCtx)
	if consoleErr != nil || shutdownErr != nil {
		if consoleErr != nil {
			logger.Error("console stopped", map[string]string{logging.FieldError: consoleErr.Error()})
		}
		return 1
	}
	return 0
}
