// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/internal/store"
	"github.com/porpulsion/porpulsion/lib/clock"
)

type testAgent struct {
	name string
	cred *credential.Store
	reg  *registry.Registry
	mgr  *Manager
}

func newTestAgent(t *testing.T, name string) *testAgent {
	t.Helper()
	cred, err := credential.Load(credential.LoadOrGenerateConfig{AgentName: name})
	if err != nil {
		t.Fatalf("credential.Load: %v", err)
	}
	t.Cleanup(func() { cred.Close() })
	reg := registry.New(nil, nil, clock.Fake(time.Unix(0, 0)), nil, store.StateBlob{Settings: model.DefaultSettings()})
	mgr := NewManager(name, reg, cred, clock.Real(), nil)
	return &testAgent{name: name, cred: cred, reg: reg, mgr: mgr}
}

// pinPeer installs a peer record in a's registry for other's CA, as if
// the handshake had already completed.
func pinPeer(t *testing.T, a, other *testAgent, otherURL string) {
	t.Helper()
	fingerprint := other.cred.GetFingerprint()
	peer := model.Peer{
		Name:          other.name,
		URL:           otherURL,
		CAPEM:         string(other.cred.GetCaPem()),
		CAFingerprint: fingerprint,
		Status:        model.PeerConnecting,
	}
	if err := a.reg.UpsertPeer(context.Background(), peer); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestChannelRequestReplyRoundTrip(t *testing.T) {
	acceptor := newTestAgent(t, "agent-b")
	initiator := newTestAgent(t, "agent-a")

	acceptor.mgr.OnRequest("peer/ping", func(ctx context.Context, peerName string, payload json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", acceptor.mgr.HandleInbound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	pinPeer(t, acceptor, initiator, "https://agent-a.example")
	pinPeer(t, initiator, acceptor, server.URL)

	ch := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	t.Cleanup(func() { ch.Close() })

	waitUntil(t, 2*time.Second, ch.IsConnected)

	payload, err := ch.Send(context.Background(), "peer/ping", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var reply struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !reply.Pong {
		t.Fatal("expected pong=true")
	}
}

func TestChannelPushIsDelivered(t *testing.T) {
	acceptor := newTestAgent(t, "agent-b")
	initiator := newTestAgent(t, "agent-a")

	received := make(chan string, 1)
	acceptor.mgr.OnPush("remoteapp/status", func(peerName string, payload json.RawMessage) {
		received <- peerName
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", acceptor.mgr.HandleInbound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	pinPeer(t, acceptor, initiator, "https://agent-a.example")

	ch := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	t.Cleanup(func() { ch.Close() })
	waitUntil(t, 2*time.Second, ch.IsConnected)

	if err := ch.Push("remoteapp/status", map[string]string{"id": "app-1", "status": "Ready"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case peerName := <-received:
		if peerName != "agent-a" {
			t.Fatalf("push handler saw peer %q, want agent-a", peerName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push to be delivered")
	}
}

func TestChannelUnknownRequestTypeReturnsError(t *testing.T) {
	acceptor := newTestAgent(t, "agent-b")
	initiator := newTestAgent(t, "agent-a")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", acceptor.mgr.HandleInbound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	pinPeer(t, acceptor, initiator, "https://agent-a.example")

	ch := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	t.Cleanup(func() { ch.Close() })
	waitUntil(t, 2*time.Second, ch.IsConnected)

	_, err := ch.Send(context.Background(), "no/such/method", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("Send = %v, want an unknown type error", err)
	}
}

func TestHandleInboundRejectsUnknownFingerprint(t *testing.T) {
	acceptor := newTestAgent(t, "agent-b")
	initiator := newTestAgent(t, "agent-a")
	// Deliberately do not pin a peer record for agent-a on the acceptor.

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", acceptor.mgr.HandleInbound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	ch := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	t.Cleanup(func() { ch.Close() })

	// The connection should never establish since the acceptor has no
	// pinned peer record matching agent-a's CA fingerprint.
	time.Sleep(200 * time.Millisecond)
	if ch.IsConnected() {
		t.Fatal("expected the inbound upgrade to be rejected for an unpinned fingerprint")
	}
}

func TestDuplicateConnectionNewerWins(t *testing.T) {
	acceptor := newTestAgent(t, "agent-b")
	initiator := newTestAgent(t, "agent-a")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", acceptor.mgr.HandleInbound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	pinPeer(t, acceptor, initiator, "https://agent-a.example")

	first := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	waitUntil(t, 2*time.Second, first.IsConnected)

	second := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	t.Cleanup(func() { second.Close() })
	waitUntil(t, 2*time.Second, second.IsConnected)

	waitUntil(t, 2*time.Second, func() bool { return !first.IsConnected() })

	got, ok := initiator.mgr.Get("agent-b")
	if !ok || got != second {
		t.Fatal("expected the manager to now hold the newer channel")
	}
}

func TestChannelPendingSnapshotEncodesInFlightRequests(t *testing.T) {
	acceptor := newTestAgent(t, "agent-b")
	initiator := newTestAgent(t, "agent-a")

	// The slow/op handler below sleeps for a second before replying,
	// so the request sits pending long enough to snapshot it.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", acceptor.mgr.HandleInbound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	pinPeer(t, acceptor, initiator, "https://agent-a.example")

	ch := initiator.mgr.OpenOutbound("agent-b", server.URL, acceptor.cred.GetFingerprint())
	t.Cleanup(func() { ch.Close() })
	waitUntil(t, 2*time.Second, ch.IsConnected)

	acceptor.mgr.OnRequest("slow/op", func(ctx context.Context, peerName string, payload json.RawMessage) (any, error) {
		time.Sleep(time.Second)
		return map[string]bool{"ok": true}, nil
	})

	go ch.Send(context.Background(), "slow/op", nil)
	waitUntil(t, time.Second, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.pending) == 1
	})

	snapshot, err := ch.PendingSnapshot()
	if err != nil {
		t.Fatalf("PendingSnapshot: %v", err)
	}
	if len(snapshot) == 0 {
		t.Fatal("expected a non-empty CBOR snapshot while a request is pending")
	}
}
