// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := Config{AgentName: "agent-a", SelfURL: "https://agent-a.example", Port: 8080, PeerPort: 8443, Namespace: "porpulsion"}

	t.Run("valid config", func(t *testing.T) {
		if err := valid.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	t.Run("missing agent name", func(t *testing.T) {
		c := valid
		c.AgentName = ""
		if err := c.Validate(); err == nil {
			t.Fatal("expected error for missing agent-name")
		}
	})
	t.Run("missing self url", func(t *testing.T) {
		c := valid
		c.SelfURL = ""
		if err := c.Validate(); err == nil {
			t.Fatal("expected error for missing self-url")
		}
	})
	t.Run("port out of range", func(t *testing.T) {
		c := valid
		c.Port = 70000
		if err := c.Validate(); err == nil {
			t.Fatal("expected error for out-of-range port")
		}
	})
	t.Run("missing namespace", func(t *testing.T) {
		c := valid
		c.Namespace = ""
		if err := c.Validate(); err == nil {
			t.Fatal("expected error for missing namespace")
		}
	})
}

func TestParseFlagsOnly(t *testing.T) {
	cfg, err := Parse([]string{"--agent-name=agent-a", "--self-url=https://agent-a.example", "--namespace=team-a"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "agent-a" || cfg.SelfURL != "https://agent-a.example" || cfg.Namespace != "team-a" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Port != 8080 || cfg.PeerPort != 8443 {
		t.Fatalf("expected default ports, got %+v", cfg)
	}
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("AGENT_NAME", "agent-env")
	t.Setenv("SELF_URL", "https://agent-env.example")
	t.Setenv("NAMESPACE", "env-namespace")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "agent-env" || cfg.SelfURL != "https://agent-env.example" || cfg.Namespace != "env-namespace" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseFlagOverridesEnv(t *testing.T) {
	t.Setenv("AGENT_NAME", "agent-env")

	cfg, err := Parse([]string{"--agent-name=agent-flag", "--self-url=https://x.example", "--namespace=ns"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "agent-flag" {
		t.Fatalf("agent name = %q, want flag to win over env", cfg.AgentName)
	}
}

func TestParsePodIPAutoDetectsSelfURL(t *testing.T) {
	t.Setenv("POD_IP", "10.0.0.5")
	t.Setenv("POD_NAMESPACE", "team-b")

	cfg, err := Parse([]string{"--agent-name=agent-a"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SelfURL != "https://10.0.0.5:8443" {
		t.Fatalf("self url = %q, want POD_IP-derived default", cfg.SelfURL)
	}
	if cfg.Namespace != "team-b" {
		t.Fatalf("namespace = %q, want POD_NAMESPACE fallback", cfg.Namespace)
	}
}

func TestParseYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "porpulsion.yaml")
	content := "agent_name: agent-file\nself_url: https://agent-file.example\nnamespace: file-namespace\nlog_level: DEBUG\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Parse([]string{"--config=" + path})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "agent-file" || cfg.SelfURL != "https://agent-file.example" || cfg.Namespace != "file-namespace" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("log level = %q, want DEBUG from file", cfg.LogLevel)
	}
}

func TestParseJSONCFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "porpulsion.jsonc")
	content := `{
  // operator notes are welcome here
  "agent_name": "agent-jsonc",
  "self_url": "https://agent-jsonc.example",
  "namespace": "jsonc-namespace"
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Parse([]string{"--config=" + path})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "agent-jsonc" || cfg.Namespace != "jsonc-namespace" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseFlagOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "porpulsion.yaml")
	content := "agent_name: agent-file\nself_url: https://agent-file.example\nnamespace: file-namespace\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Parse([]string{"--config=" + path, "--agent-name=agent-flag"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "agent-flag" {
		t.Fatalf("agent name = %q, want flag to win over file", cfg.AgentName)
	}
	if cfg.SelfURL != "https://agent-file.example" {
		t.Fatalf("self url = %q, want file value since no flag was given", cfg.SelfURL)
	}
}

func TestParseMissingRequiredFieldFails(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error when agent-name/self-url/namespace are all unset")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := ParseLogLevel(c.input); got != c.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}
