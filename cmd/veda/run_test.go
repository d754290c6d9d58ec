package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"veda/internal/config"
)

func TestParseRunArgsCollectsPrompt(t *testing.T) {
	t.Setenv("VEDA_CONFIG", "")
	parsed, err := parseRunArgs([]string{"-agent", "my-agent", "-max-instances", "3", "refactor", "the", "router"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Prompt != "refactor the router" {
		t.Fatalf("unexpected prompt %q", parsed.Prompt)
	}
	if parsed.Config.AgentBinary != "my-agent" || parsed.Config.MaxInstances != 3 {
		t.Fatalf("unexpected config %+v", parsed.Config)
	}
	if parsed.Config.SourceOf("agent.binary") != config.SourceFlag {
		t.Fatalf("expected flag source, got %q", parsed.Config.SourceOf("agent.binary"))
	}
}

func TestParseRunArgsReadsConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veda.yaml")
	content := "routing:\n  deferral_ttl: 90s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VEDA_CONFIG", path)

	parsed, err := parseRunArgs(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Config.DeferralTTL != 90*time.Second {
		t.Fatalf("expected ttl from file, got %s", parsed.Config.DeferralTTL)
	}
	if parsed.Config.Path != path {
		t.Fatalf("expected config path %q, got %q", path, parsed.Config.Path)
	}
}

func TestParseRunArgsRequiresExplicitConfig(t *testing.T) {
	t.Setenv("VEDA_CONFIG", "")
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := parseRunArgs([]string{"-config", missing}, io.Discard); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestParseRunArgsRejectsBadMode(t *testing.T) {
	t.Setenv("VEDA_CONFIG", "")
	if _, err := parseRunArgs([]string{"-mode", "telnet"}, io.Discard); err == nil {
		t.Fatalf("expected error for unknown spawn mode")
	}
}
