package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/config"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestStartupWarningsOnPermissiveDefaults(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	logStartupWarnings(log, loadDefaults(t))

	out := buf.String()
	for _, code := range []string{"api_key_unset", "dial_rate_unlimited", "no_ice_servers"} {
		if !strings.Contains(out, code) {
			t.Fatalf("missing warning %q in output:\n%s", code, out)
		}
	}
}

func TestStartupWarningsSilentWhenHardened(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	cfg := loadDefaults(t)
	cfg.APIKey = "sekret"
	cfg.DialsPerSecond = 5
	cfg.StunURLs = "stun:stun.example.com:3478"

	logStartupWarnings(log, cfg)
	if out := buf.String(); out != "" {
		t.Fatalf("hardened config still warned:\n%s", out)
	}
}
