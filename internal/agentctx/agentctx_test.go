// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package agentctx

import (
	"context"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/porpulsion/porpulsion/internal/config"
	"github.com/porpulsion/porpulsion/internal/model"
)

func testConfig() config.Config {
	return config.Config{
		AgentName: "agent-a",
		SelfURL:   "https://agent-a.example",
		Host:      "0.0.0.0",
		Port:      8080,
		PeerPort:  8443,
		Namespace: "porpulsion",
		LogLevel:  "INFO",
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	agent, err := New(context.Background(), testConfig(), client, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	if agent.Cred == nil || agent.Registry == nil || agent.Channels == nil || agent.Handshake == nil ||
		agent.Executor == nil || agent.Proxy == nil || agent.Router == nil || agent.Reconciler == nil || agent.API == nil {
		t.Fatalf("expected every collaborator to be wired, got %+v", agent)
	}
	if len(agent.Cred.GetCaPem()) == 0 {
		t.Fatal("expected fresh credential material to be generated when no Secret exists yet")
	}
	if agent.Registry.Settings() != model.DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults when no ConfigMap exists yet", agent.Registry.Settings())
	}
}

func TestNewPersistsGeneratedCredentialsToSecret(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	agent, err := New(context.Background(), testConfig(), client, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	secret, err := client.CoreV1().Secrets("porpulsion").Get(context.Background(), "porpulsion-credentials", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected credentials secret to be persisted: %v", err)
	}
	if len(secret.Data["ca.crt"]) == 0 {
		t.Fatalf("secret data = %+v, want ca.crt populated", secret.Data)
	}
}

func TestNewLoadsExistingCredentialMaterialOnRestart(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	first, err := New(context.Background(), testConfig(), client, nil)
	if err != nil {
		t.Fatalf("New (first boot): %v", err)
	}
	firstFingerprint := first.Cred.GetFingerprint()
	first.Close()

	second, err := New(context.Background(), testConfig(), client, nil)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	defer second.Close()

	if second.Cred.GetFingerprint() != firstFingerprint {
		t.Fatalf("fingerprint changed across restart: %s -> %s, want identity to persist", firstFingerprint, second.Cred.GetFingerprint())
	}
}

func TestSetLogLevelDoesNotPanic(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	agent, err := New(context.Background(), testConfig(), client, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	agent.SetLogLevel("DEBUG")
	agent.SetLogLevel("bogus")
}
