// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/store"
	"github.com/porpulsion/porpulsion/lib/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(nil, nil, clock.Fake(time.Unix(0, 0)), nil, store.StateBlob{Settings: model.DefaultSettings()})
}

func TestUpsertPeerBumpsGenerationAndIsVisible(t *testing.T) {
	r := newTestRegistry(t)
	before := r.Generation()

	peer := model.Peer{Name: "peer-b", URL: "wss://peer-b:8443/channel", Status: model.PeerConnected}
	if err := r.UpsertPeer(context.Background(), peer); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	if r.Generation() != before+1 {
		t.Fatalf("generation = %d, want %d", r.Generation(), before+1)
	}
	got, ok := r.GetPeer("peer-b")
	if !ok || got.URL != peer.URL {
		t.Fatalf("GetPeer = %+v, %v", got, ok)
	}
}

func TestRemovePeerIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.UpsertPeer(ctx, model.Peer{Name: "peer-b"}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	removed, err := r.RemovePeer(ctx, "peer-b")
	if err != nil || !removed {
		t.Fatalf("RemovePeer = %v, %v, want true, nil", removed, err)
	}
	removedAgain, err := r.RemovePeer(ctx, "peer-b")
	if err != nil || removedAgain {
		t.Fatalf("RemovePeer (second) = %v, %v, want false, nil", removedAgain, err)
	}
}

func TestPutAppOnlyPersistsSubmittedOrigin(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	submitted := model.RemoteApp{ID: "a1", Name: "app-a", Origin: model.OriginSubmitted, Status: model.StatusPending}
	if err := r.PutApp(ctx, submitted); err != nil {
		t.Fatalf("PutApp(submitted): %v", err)
	}
	executing := model.RemoteApp{ID: "a2", Name: "app-b", Origin: model.OriginExecuting, Status: model.StatusRunning}
	if err := r.PutApp(ctx, executing); err != nil {
		t.Fatalf("PutApp(executing): %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Apps) != 2 {
		t.Fatalf("expected both apps visible in snapshot, got %d", len(snap.Apps))
	}

	blob := r.stateBlobLocked()
	if len(blob.Submitted) != 1 || blob.Submitted[0].ID != "a1" {
		t.Fatalf("expected only the submitted app in the persisted blob, got %+v", blob.Submitted)
	}
}

func TestPendingApprovalLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	pa := model.PendingApproval{ID: "p1", SourcePeer: "peer-b"}
	if err := r.AddPendingApproval(ctx, pa); err != nil {
		t.Fatalf("AddPendingApproval: %v", err)
	}

	resolved, ok, err := r.ResolvePendingApproval(ctx, "p1")
	if err != nil || !ok || resolved.ID != "p1" {
		t.Fatalf("ResolvePendingApproval = %+v, %v, %v", resolved, ok, err)
	}

	_, ok, err = r.ResolvePendingApproval(ctx, "p1")
	if err != nil || ok {
		t.Fatalf("expected no-op resolving an already-resolved approval, got ok=%v err=%v", ok, err)
	}
}

func TestNotificationRingBounded(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < model.NotificationRingSize+10; i++ {
		id := "n" + string(rune('a'+i%26))
		if err := r.AddNotification(ctx, id, model.LevelInfo, "title", "message"); err != nil {
			t.Fatalf("AddNotification: %v", err)
		}
	}

	snap := r.Snapshot()
	if len(snap.Notifications) != model.NotificationRingSize {
		t.Fatalf("notification count = %d, want %d", len(snap.Notifications), model.NotificationRingSize)
	}
}

func TestNotificationNewestFirst(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddNotification(ctx, "first", model.LevelInfo, "t1", "m1"); err != nil {
		t.Fatalf("AddNotification: %v", err)
	}
	if err := r.AddNotification(ctx, "second", model.LevelWarn, "t2", "m2"); err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Notifications) != 2 || snap.Notifications[0].ID != "second" {
		t.Fatalf("expected newest-first ordering, got %+v", snap.Notifications)
	}
}

func TestAckNotificationUnknownIDIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	ok, err := r.AckNotification(context.Background(), "does-not-exist")
	if err != nil || ok {
		t.Fatalf("AckNotification(unknown) = %v, %v, want false, nil", ok, err)
	}
}

func TestUpsertPeerPersistsSensitiveBlobWhenWired(t *testing.T) {
	ctx := context.Background()
	credStore, err := credential.Load(credential.LoadOrGenerateConfig{AgentName: "agent-a"})
	if err != nil {
		t.Fatalf("credential.Load: %v", err)
	}
	defer credStore.Close()

	dataStore := store.New(fake.NewSimpleClientset(), "default", nil)
	r := New(credStore, dataStore, clock.Fake(time.Unix(0, 0)), nil, store.StateBlob{Settings: model.DefaultSettings()})

	peer := model.Peer{Name: "peer-b", URL: "wss://peer-b:8443/channel", CAPEM: "peer-b-ca", CAFingerprint: "aa:bb"}
	if err := r.UpsertPeer(ctx, peer); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	blob, ok, err := dataStore.LoadSensitive(ctx)
	if err != nil {
		t.Fatalf("LoadSensitive: %v", err)
	}
	if !ok {
		t.Fatal("expected the sensitive blob to have been persisted")
	}
	if len(blob.Peers) != 1 || blob.Peers[0].Name != "peer-b" {
		t.Fatalf("persisted peers = %+v", blob.Peers)
	}
	if blob.CAPEM == "" {
		t.Fatal("expected CA material to be carried along with the peer list")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	want := model.DefaultSettings()
	want.RequireRemoteAppApproval = true
	want.MaxReplicasPerApp = 5
	if err := r.UpdateSettings(ctx, want); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if got := r.Settings(); got != want {
		t.Fatalf("Settings() = %+v, want %+v", got, want)
	}
}
