package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veda/internal/logging"
	"veda/internal/watcher"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veda.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.MaxInstances != 8 {
		t.Fatalf("expected max instances 8, got %d", cfg.MaxInstances)
	}
	if cfg.DeferralTTL != 5*time.Minute {
		t.Fatalf("expected ttl 5m, got %s", cfg.DeferralTTL)
	}
	if cfg.AgentBinary != "claude" || cfg.SpawnMode != "stdio" {
		t.Fatalf("unexpected agent defaults: %q %q", cfg.AgentBinary, cfg.SpawnMode)
	}
	if cfg.SourceOf("instances.max") != SourceDefault {
		t.Fatalf("expected default source, got %q", cfg.SourceOf("instances.max"))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"name: alpha",
		"agent:",
		"  binary: /usr/bin/agent",
		"  args: [--model, fast]",
		"instances:",
		"  max: 3",
		"routing:",
		"  deferral_ttl: 90s",
		"log:",
		"  level: debug",
		"",
	}, "\n"))
	t.Setenv("VEDA_MAX_INSTANCES", "4")
	t.Setenv("VEDA_HUB_TOKEN", "secret")

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "alpha" || cfg.AgentBinary != "/usr/bin/agent" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.AgentArgs) != 2 || cfg.AgentArgs[1] != "fast" {
		t.Fatalf("unexpected args %v", cfg.AgentArgs)
	}
	if cfg.DeferralTTL != 90*time.Second {
		t.Fatalf("expected ttl 90s, got %s", cfg.DeferralTTL)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("expected debug level, got %q", cfg.LogLevel)
	}
	if cfg.MaxInstances != 4 || cfg.SourceOf("instances.max") != SourceEnv {
		t.Fatalf("expected env to override max instances, got %d from %q", cfg.MaxInstances, cfg.SourceOf("instances.max"))
	}
	if cfg.SourceOf("routing.deferral_ttl") != SourceFile {
		t.Fatalf("expected file source for ttl, got %q", cfg.SourceOf("routing.deferral_ttl"))
	}
	if cfg.HubToken != "secret" {
		t.Fatalf("expected hub token from env, got %q", cfg.HubToken)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := Load(path, false); err != nil {
		t.Fatalf("optional missing file should load defaults: %v", err)
	}
	if _, err := Load(path, true); err == nil {
		t.Fatal("expected error for required missing file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad duration", body: "routing:\n  deferral_ttl: soon\n"},
		{name: "bad level", body: "log:\n  level: loud\n"},
		{name: "bad mode", body: "agent:\n  mode: tty\n"},
		{name: "bad env int", env: map[string]string{"VEDA_MAX_INSTANCES": "-1"}},
		{name: "bad env duration", env: map[string]string{"VEDA_DEFERRAL_TTL": "later"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			path := writeConfig(t, tc.body)
			if _, err := Load(path, true); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestFlagsOverrideAndSurviveReload(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warning\nrouting:\n  deferral_ttl: 1m\n")
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	fs := flag.NewFlagSet("veda", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	values := AddFlags(fs)
	if err := fs.Parse([]string{"-log-level", "debug", "-max-instances", "2"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := values.Apply(&cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.LogLevel != logging.LevelDebug || cfg.SourceOf("log.level") != SourceFlag {
		t.Fatalf("expected flag level, got %q from %q", cfg.LogLevel, cfg.SourceOf("log.level"))
	}
	if cfg.MaxInstances != 2 {
		t.Fatalf("expected max instances 2, got %d", cfg.MaxInstances)
	}

	if err := os.WriteFile(path, []byte("log:\n  level: error\nrouting:\n  deferral_ttl: 2m\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	next, err := cfg.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if next.LogLevel != logging.LevelDebug {
		t.Fatalf("expected flag level to survive reload, got %q", next.LogLevel)
	}
	if next.DeferralTTL != 2*time.Minute {
		t.Fatalf("expected reloaded ttl 2m, got %s", next.DeferralTTL)
	}
}

func TestFlagsRejectUnknownLevel(t *testing.T) {
	cfg := Defaults()
	fs := flag.NewFlagSet("veda", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	values := AddFlags(fs)
	if err := fs.Parse([]string{"-log-level", "chatty"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := values.Apply(&cfg); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWatchReloadAppliesChanges(t *testing.T) {
	path := writeConfig(t, "routing:\n  deferral_ttl: 1m\n")
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	files, err := watcher.NewWithOptions(watcher.Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer files.Close()

	updates := make(chan Reloadable, 4)
	stop, err := WatchReload(files, cfg, logging.Discard(), func(next Reloadable) {
		updates <- next
	})
	if err != nil {
		t.Fatalf("watch reload: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("routing:\n  deferral_ttl: 3m\nlog:\n  level: error\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case next := <-updates:
		if next.DeferralTTL != 3*time.Minute || next.LogLevel != logging.LevelError {
			t.Fatalf("unexpected reload %+v", next)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatchReloadWithoutFile(t *testing.T) {
	stop, err := WatchReload(nil, Defaults(), logging.Discard(), func(Reloadable) {})
	if err != nil {
		t.Fatalf("watch reload: %v", err)
	}
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
