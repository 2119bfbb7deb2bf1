// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Porpulsion is a peer-to-peer Kubernetes connector agent: it runs one
// per cluster, accepts invite-token handshakes from peer agents, and
// submits or executes RemoteApp workloads across the resulting mesh.
//
// Two subcommands: "serve" runs the agent itself; "status" is a
// terminal dashboard that polls a running agent's local REST API.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/porpulsion/porpulsion/internal/agentctx"
	"github.com/porpulsion/porpulsion/internal/config"
	"github.com/porpulsion/porpulsion/lib/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("porpulsion " + version.Info())
		return
	}
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: porpulsion <serve|status> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q: expected serve or status\n", os.Args[1])
		os.Exit(1)
	}
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if _, ok := err.(fatalCredentialError); ok {
		os.Exit(2)
	}
	os.Exit(1)
}

// fatalCredentialError marks the "irrecoverable credential store
// failure" exit code 2 case, distinct from the general exit-1
// misconfiguration case.
type fatalCredentialError struct{ err error }

func (e fatalCredentialError) Error() string { return e.err.Error() }
func (e fatalCredentialError) Unwrap() error { return e.err }

func runServe(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	client, err := kubernetesClient()
	if err != nil {
		return fmt.Errorf("building kubernetes client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := agentctx.New(ctx, cfg, client, logger)
	if err != nil {
		return fatalCredentialError{err}
	}
	defer agent.Close()

	dashboard, peer := agent.API.Routes()

	dashboardServer := &http.Server{Handler: dashboard, ReadTimeout: 30 * time.Second}
	peerServer := &http.Server{Handler: peer, ReadTimeout: 30 * time.Second, WriteTimeout: 5 * time.Minute}

	dashboardListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("binding dashboard listener: %w", err)
	}
	peerListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.PeerPort))
	if err != nil {
		dashboardListener.Close()
		return fmt.Errorf("binding peer listener: %w", err)
	}

	go func() {
		if err := dashboardServer.Serve(dashboardListener); err != nil && err != http.ErrServerClosed {
			logger.Error("dashboard server stopped", "error", err)
		}
	}()
	go func() {
		if err := peerServer.Serve(peerListener); err != nil && err != http.ErrServerClosed {
			logger.Error("peer server stopped", "error", err)
		}
	}()
	go agent.Reconciler.Run(ctx)

	logger.Info("porpulsion agent started", "agent", cfg.AgentName, "namespace", cfg.Namespace, "dashboard_port", cfg.Port, "peer_port", cfg.PeerPort)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dashboardServer.Shutdown(shutdownCtx)
	peerServer.Shutdown(shutdownCtx)
	return nil
}

// kubernetesClient builds a clientset from in-cluster config, falling
// back to $KUBECONFIG for local development, mirroring the fallback
// every client-go-based controller uses.
func kubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return nil, fmt.Errorf("not running in-cluster and cannot resolve $HOME for kubeconfig fallback: %w", err)
			}
			kubeconfig = home + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig %s: %w", kubeconfig, err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}
