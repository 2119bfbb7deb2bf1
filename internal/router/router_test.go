// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/porpulsion/porpulsion/internal/executor"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/internal/store"
	"github.com/porpulsion/porpulsion/internal/tunnel"
	"github.com/porpulsion/porpulsion/lib/clock"
)

func newTestRouter(t *testing.T, settings model.Settings) *Router {
	t.Helper()
	c := clock.Fake(time.Unix(0, 0))
	reg := registry.New(nil, nil, c, nil, store.StateBlob{Settings: settings})
	client := k8sfake.NewSimpleClientset()
	ex := executor.New("porpulsion", client, reg, nil, c, nil)
	px := tunnel.New("porpulsion", client)
	return New(reg, ex, px, c, nil)
}

func TestHandlePingRepliesPong(t *testing.T) {
	rt := newTestRouter(t, model.DefaultSettings())
	result, err := rt.handlePing(context.Background(), "peer-a", nil)
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	if result.(map[string]bool)["pong"] != true {
		t.Fatalf("result = %+v, want pong true", result)
	}
}

func TestHandleRemoteAppCreateAccepted(t *testing.T) {
	rt := newTestRouter(t, model.DefaultSettings())
	payload, _ := json.Marshal(map[string]any{
		"name": "web",
		"spec": map[string]any{"image": "nginx:1.27"},
	})

	result, err := rt.handleRemoteAppCreate(context.Background(), "peer-a", payload)
	if err != nil {
		t.Fatalf("handleRemoteAppCreate: %v", err)
	}
	resp := result.(map[string]any)
	if resp["accepted"] != true {
		t.Fatalf("resp = %+v, want accepted", resp)
	}
	id, ok := resp["id"].(string)
	if !ok || id == "" {
		t.Fatalf("resp = %+v, want generated id", resp)
	}

	app, ok := rt.reg.GetApp(id)
	if !ok {
		t.Fatal("app was not recorded in the registry")
	}
	if app.SourcePeer != "peer-a" || app.Origin != model.OriginExecuting {
		t.Fatalf("app = %+v", app)
	}
}

func TestHandleRemoteAppCreateRejectedWhenInboundDisabled(t *testing.T) {
	settings := model.DefaultSettings()
	settings.AllowInboundRemoteApps = false
	rt := newTestRouter(t, settings)
	payload, _ := json.Marshal(map[string]any{
		"name": "web",
		"spec": map[string]any{"image": "nginx:1.27"},
	})

	result, err := rt.handleRemoteAppCreate(context.Background(), "peer-a", payload)
	if err != nil {
		t.Fatalf("handleRemoteAppCreate: %v", err)
	}
	resp := result.(map[string]any)
	if resp["accepted"] != false || resp["reason"] != "inbound_disabled" {
		t.Fatalf("resp = %+v, want rejected with inbound_disabled", resp)
	}
}

func TestHandleRemoteAppCreateQueuesApprovalWhenRequired(t *testing.T) {
	settings := model.DefaultSettings()
	settings.RequireRemoteAppApproval = true
	rt := newTestRouter(t, settings)
	payload, _ := json.Marshal(map[string]any{
		"name": "web",
		"spec": map[string]any{"image": "nginx:1.27"},
	})

	result, err := rt.handleRemoteAppCreate(context.Background(), "peer-a", payload)
	if err != nil {
		t.Fatalf("handleRemoteAppCreate: %v", err)
	}
	resp := result.(map[string]any)
	if resp["accepted"] != true || resp["pending_approval"] != true {
		t.Fatalf("resp = %+v, want accepted with pending_approval", resp)
	}
	if _, ok := rt.reg.GetApp(resp["id"].(string)); ok {
		t.Fatalf("app should not be created while pending approval")
	}
}

func TestHandleRemoteAppDeleteIsIdempotent(t *testing.T) {
	rt := newTestRouter(t, model.DefaultSettings())
	result, err := rt.handleRemoteAppDelete(context.Background(), "peer-a", []byte(`{"id":"missing"}`))
	if err != nil {
		t.Fatalf("handleRemoteAppDelete: %v", err)
	}
	if result.(map[string]bool)["ok"] != true {
		t.Fatalf("result = %+v, want ok true for missing app", result)
	}
}

func TestHandleRemoteAppDeleteRemovesExistingApp(t *testing.T) {
	rt := newTestRouter(t, model.DefaultSettings())
	createPayload, _ := json.Marshal(map[string]any{
		"name": "web",
		"spec": map[string]any{"image": "nginx:1.27"},
	})
	created, err := rt.handleRemoteAppCreate(context.Background(), "peer-a", createPayload)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.(map[string]any)["id"].(string)

	deletePayload, _ := json.Marshal(map[string]string{"id": id})
	result, err := rt.handleRemoteAppDelete(context.Background(), "peer-a", deletePayload)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if result.(map[string]bool)["ok"] != true {
		t.Fatalf("result = %+v", result)
	}
	if _, ok := rt.reg.GetApp(id); ok {
		t.Fatal("app should have been removed from the registry")
	}
}

func TestHandleRemoteAppSpecRejectsUnknownApp(t *testing.T) {
	rt := newTestRouter(t, model.DefaultSettings())
	payload, _ := json.Marshal(map[string]any{"id": "missing", "spec": map[string]any{"image": "nginx"}})
	if _, err := rt.handleRemoteAppSpec(context.Background(), "peer-a", payload); err == nil {
		t.Fatal("expected app_not_found error")
	}
}

func TestHandleRemoteAppStatusPushUpdatesApp(t *testing.T) {
	rt := newTestRouter(t, model.DefaultSettings())
	app := model.RemoteApp{ID: "a1", Name: "web", Origin: model.OriginSubmitted, Status: model.StatusCreating, TargetPeer: "peer-b"}
	if err := rt.reg.PutApp(context.Background(), app); err != nil {
		t.Fatalf("seed PutApp: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"id": "a1", "status": "Ready"})
	rt.handleRemoteAppStatusPush("peer-b", payload)

	got, ok := rt.reg.GetApp("a1")
	if !ok {
		t.Fatal("app missing after status push")
	}
	if got.Status != model.StatusReady {
		t.Fatalf("status = %q, want Ready", got.Status)
	}
}

func TestTunnelAllowedParsesPeerAndPeerAppTokens(t *testing.T) {
	cases := []struct {
		allowlist string
		peer      string
		appID     string
		want      bool
	}{
		{"", "peer-a", "app1", true},
		{"peer-a", "peer-a", "app1", true},
		{"peer-a", "peer-b", "app1", false},
		{"peer-b/app1", "peer-b", "app1", true},
		{"peer-b/app1", "peer-b", "app2", false},
	}
	for _, c := range cases {
		if got := tunnelAllowed(c.allowlist, c.peer, c.appID); got != c.want {
			t.Errorf("tunnelAllowed(%q, %q, %q) = %v, want %v", c.allowlist, c.peer, c.appID, got, c.want)
		}
	}
}
