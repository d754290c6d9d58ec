package main

import (
	"errors"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"veda/internal/coordination"
	"veda/internal/metrics"
)

func TestHubMuxServesHealthAndMetrics(t *testing.T) {
	registry := &metrics.Registry{}
	registry.IncCoordinationSent()
	hub := coordination.NewHub(coordination.HubOptions{Token: "secret", Metrics: registry})
	defer hub.Close()
	server := httptest.NewServer(newHubMux(hub, registry))
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("unexpected healthz response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "veda_coordination_sent_total 1") {
		t.Fatalf("expected coordination counter in %q", body)
	}

	resp, err = http.Get(server.URL + coordination.RelayPath)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected relay to require the token, got %d", resp.StatusCode)
	}
}

func TestParseHubArgs(t *testing.T) {
	t.Setenv("VEDA_CONFIG", "")
	parsed, err := parseHubArgs([]string{"-addr", "0.0.0.0:9100", "-hub-token", "s3cret"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Config.HubAddr != "0.0.0.0:9100" || parsed.Config.HubToken != "s3cret" {
		t.Fatalf("unexpected hub config %+v", parsed.Config)
	}

	if _, err := parseHubArgs([]string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected help error, got %v", err)
	}
	parsed, err = parseHubArgs([]string{"-version"}, io.Discard)
	if err != nil || !parsed.ShowVersion {
		t.Fatalf("expected version request, got %+v %v", parsed, err)
	}
}
