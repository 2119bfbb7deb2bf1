// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentctx constructs and wires every agent collaborator —
// credential store, registry, channel manager, executor, router,
// reconciler, and HTTP surface — into one running agent, collected
// into a reusable struct so cmd/porpulsion can stay a thin flag/signal
// wrapper and tests can construct a full agent without a process.
package agentctx

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"k8s.io/client-go/kubernetes"

	"github.com/porpulsion/porpulsion/internal/api"
	"github.com/porpulsion/porpulsion/internal/channel"
	"github.com/porpulsion/porpulsion/internal/config"
	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/executor"
	"github.com/porpulsion/porpulsion/internal/handshake"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/reconciler"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/internal/router"
	"github.com/porpulsion/porpulsion/internal/store"
	"github.com/porpulsion/porpulsion/internal/tunnel"
	"github.com/porpulsion/porpulsion/lib/clock"
)

// Agent bundles every wired collaborator one running agent process
// needs. Exported fields so cmd/porpulsion (and tests) can reach
// individual components directly, keeping its wired collaborators as
// visible fields rather than hiding them behind an opaque handle.
type Agent struct {
	Config config.Config
	Logger *slog.Logger

	Cred       *credential.Store
	Store      *store.Store
	Registry   *registry.Registry
	Channels   *channel.Manager
	Handshake  *handshake.Service
	Executor   *executor.Executor
	Proxy      *tunnel.Proxy
	Router     *router.Router
	Reconciler *reconciler.Reconciler
	API        *api.API

	levelVar *slog.LevelVar
}

// New resolves persisted state, loads or generates this agent's
// credential material, and wires every component together. client is
// the Kubernetes client to use (a real clientset in production, a fake
// one in tests).
func New(ctx context.Context, cfg config.Config, client kubernetes.Interface, logger *slog.Logger) (*Agent, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(config.ParseLogLevel(cfg.LogLevel))
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	}

	st := store.New(client, cfg.Namespace, nil)

	sensitive, found, err := st.LoadSensitive(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading credentials secret: %w", err)
	}

	// reg is filled in once registry.New returns. credential.Load calls
	// the Persist closure below synchronously when it generates fresh
	// material, while reg is still nil, so that call saves the blob
	// directly with the peer list loaded above; later calls (invite-token
	// rotation) go through the registry's own persistPeers — the one
	// place that knows the current peer list — instead of risking a
	// stale, empty peer list clobbering the blob.
	var reg *registry.Registry
	loadCfg := credential.LoadOrGenerateConfig{AgentName: cfg.AgentName}
	if found {
		material, inviteToken := store.MaterialFromSensitive(sensitive)
		loadCfg.Existing = material
		loadCfg.ExistingInviteToken = inviteToken
	}
	loadCfg.Persist = func(m credential.Material, inviteToken string) error {
		if reg == nil {
			return st.SaveSensitive(ctx, materialToSensitive(m, inviteToken, sensitive.Peers))
		}
		return reg.PersistCredentialRotation(ctx)
	}
	cred, err := credential.Load(loadCfg)
	if err != nil {
		return nil, fmt.Errorf("loading credential store: %w", err)
	}

	stateBlob, err := st.LoadState(ctx)
	if err != nil {
		cred.Close()
		return nil, fmt.Errorf("loading state configmap: %w", err)
	}
	if stateBlob.Settings == (model.Settings{}) {
		stateBlob.Settings = model.DefaultSettings()
	}

	c := clock.Real()
	peers := peersFromSensitive(sensitive)
	reg = registry.New(cred, st, c, peers, stateBlob)

	channels := channel.NewManager(cfg.AgentName, reg, cred, c, logger)
	ex := executor.New(cfg.Namespace, client, reg, channels, c, logger)
	proxy := tunnel.New(cfg.Namespace, client)
	rt := router.New(reg, ex, proxy, c, logger)
	rt.Register(channels)
	for _, p := range peers {
		channels.OpenOutbound(p.Name, p.URL, p.CAPEM)
	}

	hs := handshake.NewService(cfg.AgentName, cfg.SelfURL, cred, reg, nil)
	a := api.New(cfg.AgentName, cfg.SelfURL, cred, reg, channels, hs, ex, proxy, c, logger)
	rec := reconciler.New(reg, ex, channels, c, logger)

	return &Agent{
		Config: cfg, Logger: logger,
		Cred: cred, Store: st, Registry: reg, Channels: channels,
		Handshake: hs, Executor: ex, Proxy: proxy, Router: rt,
		Reconciler: rec, API: a, levelVar: levelVar,
	}, nil
}

// SetLogLevel updates the level var behind the logger New builds when
// it is passed none; a logger supplied by the caller keeps its own
// level.
func (a *Agent) SetLogLevel(level string) {
	a.levelVar.Set(config.ParseLogLevel(level))
}

// Close releases the credential store's mlocked key buffers and tears
// down every outbound/inbound channel. Safe to call once, at shutdown.
func (a *Agent) Close() {
	a.Channels.CloseAll()
	a.Cred.Close()
}

// peersFromSensitive converts the persisted peer list's wire shape
// into the registry's model.Peer, defaulting freshly loaded peers to
// PeerConnecting — New opens each one's outbound channel on startup.
func peersFromSensitive(blob store.SensitiveBlob) []model.Peer {
	peers := make([]model.Peer, 0, len(blob.Peers))
	for _, p := range blob.Peers {
		peers = append(peers, model.Peer{
			Name:          p.Name,
			URL:           p.URL,
			CAPEM:         p.CAPEM,
			CAFingerprint: p.CAFingerprint,
			ConnectedAt:   p.ConnectedAt,
			Status:        model.PeerConnecting,
		})
	}
	return peers
}

// materialToSensitive is the inverse of store.MaterialFromSensitive,
// carrying forward the peer list already in the registry so a token
// rotation's persist callback never clobbers it.
func materialToSensitive(m credential.Material, inviteToken string, peers []store.PersistedPeer) store.SensitiveBlob {
	return store.SensitiveBlob{
		CAPEM:       string(m.CACertPEM),
		CAKey:       string(m.CAKeyPEM),
		LeafPEM:     string(m.LeafCertPEM),
		LeafKey:     string(m.LeafKeyPEM),
		InviteToken: inviteToken,
		Peers:       peers,
	}
}
