// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package config resolves the agent's startup configuration from
// flags, environment variables, and an optional on-disk file, in that
// precedence order (flag wins, then env, then file, then default).
//
// The [Config] struct mirrors lib/bootstrap.Config's shape (a flat
// struct with a Validate method), but is populated from pflag.FlagSet
// plus os.Getenv, rather than from a single JSON file a provisioning
// tool writes.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved set of inputs serve needs to start.
type Config struct {
	AgentName string `yaml:"agent_name"`
	SelfURL   string `yaml:"self_url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PeerPort  int    `yaml:"peer_port"`
	Namespace string `yaml:"namespace"`
	LogLevel  string `yaml:"log_level"`
}

// defaults returns every flag's sensible out-of-the-box value, except
// the ones that must name this agent, which are required.
func defaults() Config {
	return Config{
		Host:      "0.0.0.0",
		Port:      8080,
		PeerPort:  8443,
		Namespace: "porpulsion",
		LogLevel:  "INFO",
	}
}

// Parse resolves a Config from argv, the environment, and an optional
// config file, in that order of decreasing precedence (argv wins).
// configPath, if non-empty, is read as YAML, or as JSON-with-comments
// via tidwall/jsonc when the extension is ".jsonc".
func Parse(args []string) (Config, error) {
	cfg := defaults()

	var configPath string
	flags := pflag.NewFlagSet("porpulsion serve", pflag.ContinueOnError)
	flags.StringVar(&cfg.AgentName, "agent-name", "", "this agent's name, used as its identity in peer handshakes (required)")
	flags.StringVar(&cfg.SelfURL, "self-url", "", "URL peers should use to reach this agent (required unless POD_IP is set)")
	flags.StringVar(&cfg.Host, "host", cfg.Host, "address to bind the dashboard and peer listeners to")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "dashboard API port")
	flags.IntVar(&cfg.PeerPort, "peer-port", cfg.PeerPort, "peer-facing handshake/channel port")
	flags.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Kubernetes namespace holding this agent's Secret/ConfigMap and managed Deployments")
	flags.StringVar(&configPath, "config", "", "optional YAML or .jsonc config file, lowest precedence")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if configPath != "" {
		fileCfg, err := readFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		cfg = mergeFileDefaults(cfg, fileCfg, flags)
	}

	applyEnv(&cfg, flags)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFileDefaults fills in any field the operator did not pass as a
// flag from the file-sourced config, so flags keep top precedence.
func mergeFileDefaults(cfg, file Config, flags *pflag.FlagSet) Config {
	if !flags.Changed("agent-name") && file.AgentName != "" {
		cfg.AgentName = file.AgentName
	}
	if !flags.Changed("self-url") && file.SelfURL != "" {
		cfg.SelfURL = file.SelfURL
	}
	if !flags.Changed("host") && file.Host != "" {
		cfg.Host = file.Host
	}
	if !flags.Changed("port") && file.Port != 0 {
		cfg.Port = file.Port
	}
	if !flags.Changed("peer-port") && file.PeerPort != 0 {
		cfg.PeerPort = file.PeerPort
	}
	if !flags.Changed("namespace") && file.Namespace != "" {
		cfg.Namespace = file.Namespace
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	return cfg
}

// applyEnv overrides with AGENT_NAME/SELF_URL/NAMESPACE, but only for
// flags the operator did not pass explicitly — flags remain the
// top-precedence source. POD_IP/POD_NAMESPACE auto-detect self_url and
// namespace when nothing more specific was supplied.
func applyEnv(cfg *Config, flags *pflag.FlagSet) {
	if !flags.Changed("agent-name") {
		if v := os.Getenv("AGENT_NAME"); v != "" {
			cfg.AgentName = v
		}
	}
	if !flags.Changed("self-url") {
		if v := os.Getenv("SELF_URL"); v != "" {
			cfg.SelfURL = v
		} else if cfg.SelfURL == "" {
			if podIP := os.Getenv("POD_IP"); podIP != "" {
				cfg.SelfURL = fmt.Sprintf("https://%s:%d", podIP, cfg.PeerPort)
			}
		}
	}
	if !flags.Changed("namespace") {
		if v := os.Getenv("NAMESPACE"); v != "" {
			cfg.Namespace = v
		} else if v := os.Getenv("POD_NAMESPACE"); v != "" {
			cfg.Namespace = v
		}
	}
}

// readFile parses configPath as YAML, or as JSON-with-comments (via
// tidwall/jsonc, stripped to plain JSON then unmarshalled with
// yaml.Unmarshal — a superset parser) when the name ends in ".jsonc".
func readFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if len(path) > len(".jsonc") && path[len(path)-len(".jsonc"):] == ".jsonc" {
		raw = jsonc.ToJSON(raw)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields serve cannot run without, mirroring
// lib/bootstrap.Config.Validate's field-presence style.
func (c Config) Validate() error {
	if c.AgentName == "" {
		return fmt.Errorf("agent-name is required (flag --agent-name or AGENT_NAME)")
	}
	if c.SelfURL == "" {
		return fmt.Errorf("self-url is required (flag --self-url, SELF_URL, or POD_IP)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PeerPort <= 0 || c.PeerPort > 65535 {
		return fmt.Errorf("peer-port %d out of range", c.PeerPort)
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required (flag --namespace, NAMESPACE, or POD_NAMESPACE)")
	}
	return nil
}

// ParseLogLevel maps DEBUG|INFO|WARN|ERROR setting to
// a slog.Level, defaulting to Info for an unrecognized value.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
