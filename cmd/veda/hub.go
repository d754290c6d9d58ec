package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veda/internal/cli"
	"veda/internal/config"
	"veda/internal/coordination"
	"veda/internal/logging"
	"veda/internal/metrics"
)

type hubConfig struct {
	Config      config.Config
	ShowVersion bool
}

func parseHubArgs(args []string, errOut io.Writer) (hubConfig, error) {
	fs := flag.NewFlagSet("veda hub", flag.ContinueOnError)
	fs.SetOutput(errOut)
	values := config.AddFlags(fs)
	outcome, err := cli.Parse(fs, args,
		"Usage: veda hub [flags]",
		"Relays coordination envelopes between orchestrators.")
	if err != nil {
		return hubConfig{}, err
	}
	if outcome.ShowVersion {
		return hubConfig{ShowVersion: true}, nil
	}
	cfg, err := loadConfigFile(values)
	if err != nil {
		return hubConfig{}, err
	}
	return hubConfig{Config: cfg}, nil
}

// newHubMux serves the relay, Prometheus counters and a liveness probe.
func newHubMux(hub *coordination.Hub, registry *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(coordination.RelayPath, hub)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = registry.WritePrometheus(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

func runHub(args []string) int {
	parsed, err := parseHubArgs(args, os.Stderr)
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

	hub := coordination.NewHub(coordination.HubOptions{
		Token:   cfg.HubToken,
		Logger:  logger.With(map[string]string{logging.FieldCategory: "hub"}),
		Metrics: metrics.Default,
	})
	server := &http.Server{
		Addr:              cfg.HubAddr,
		Handler:           newHubMux(hub, metrics.Default),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	stopSignals := stopOnInterrupt(logger, cancel, signalCh)
	defer stopSignals()

	logger.Info("coordination hub listening", map[string]string{
		"addr": cfg.HubAddr,
		"auth": fmt.Sprint(cfg.HubToken != ""),
	})
	relay := relayServer{
		listen: server.ListenAndServe,
		shutdown: func(ctx context.Context) error {
			hub.Close()
			return server.Shutdown(ctx)
		},
		logger: logger,
	}
	serveErr := relay.serve(ctx)
	if serveErr != nil {
		return 1
	}
	return 0
}
