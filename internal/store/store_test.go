// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/porpulsion/porpulsion/internal/model"
)

func TestLoadSensitiveMissingSecretIsNotError(t *testing.T) {
	s := New(fake.NewSimpleClientset(), "default", nil)
	blob, ok, err := s.LoadSensitive(context.Background())
	if err != nil {
		t.Fatalf("LoadSensitive: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing secret")
	}
	if blob.CAPEM != "" {
		t.Fatal("expected zero-value blob")
	}
}

func TestSaveThenLoadSensitiveRoundTrips(t *testing.T) {
	s := New(fake.NewSimpleClientset(), "default", nil)
	want := SensitiveBlob{
		CAPEM:       "ca-pem",
		CAKey:       "ca-key",
		LeafPEM:     "leaf-pem",
		LeafKey:     "leaf-key",
		InviteToken: "tok123",
		Peers: []PersistedPeer{
			{Name: "peer-b", URL: "wss://peer-b:8443/channel", CAPEM: "peer-b-ca", CAFingerprint: "ab:cd"},
		},
	}
	if err := s.SaveSensitive(context.Background(), want); err != nil {
		t.Fatalf("SaveSensitive: %v", err)
	}
	got, ok, err := s.LoadSensitive(context.Background())
	if err != nil {
		t.Fatalf("LoadSensitive: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after save")
	}
	if got.CAPEM != want.CAPEM || got.InviteToken != want.InviteToken {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
	if len(got.Peers) != 1 || got.Peers[0].Name != "peer-b" {
		t.Fatalf("peers round-trip mismatch: %+v", got.Peers)
	}
}

func TestSaveSensitiveTwiceUpdatesInPlace(t *testing.T) {
	s := New(fake.NewSimpleClientset(), "default", nil)
	ctx := context.Background()
	if err := s.SaveSensitive(ctx, SensitiveBlob{CAPEM: "v1"}); err != nil {
		t.Fatalf("first SaveSensitive: %v", err)
	}
	if err := s.SaveSensitive(ctx, SensitiveBlob{CAPEM: "v2"}); err != nil {
		t.Fatalf("second SaveSensitive: %v", err)
	}
	got, _, err := s.LoadSensitive(ctx)
	if err != nil {
		t.Fatalf("LoadSensitive: %v", err)
	}
	if got.CAPEM != "v2" {
		t.Fatalf("CAPEM = %q, want %q", got.CAPEM, "v2")
	}
}

func TestLoadStateMissingConfigMapReturnsDefaults(t *testing.T) {
	s := New(fake.NewSimpleClientset(), "default", nil)
	blob, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	want := model.DefaultSettings()
	if blob.Settings != want {
		t.Fatalf("Settings = %+v, want defaults %+v", blob.Settings, want)
	}
	if len(blob.Submitted) != 0 || len(blob.Notifications) != 0 {
		t.Fatal("expected empty slices for a fresh agent")
	}
}

func TestSaveThenLoadStateRoundTripsWithNotificationCompression(t *testing.T) {
	s := New(fake.NewSimpleClientset(), "default", nil)
	notifications := make([]model.Notification, 0, 50)
	for i := 0; i < 50; i++ {
		notifications = append(notifications, model.Notification{
			ID:      "n" + string(rune('a'+i%26)),
			Level:   model.LevelInfo,
			Title:   "peer connected",
			Message: "peer-b reconnected after backoff",
		})
	}
	want := StateBlob{
		Settings:      model.DefaultSettings(),
		Notifications: notifications,
	}
	if err := s.SaveState(context.Background(), want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(got.Notifications) != len(notifications) {
		t.Fatalf("got %d notifications, want %d", len(got.Notifications), len(notifications))
	}
	if got.Notifications[0].Title != "peer connected" {
		t.Fatalf("notification round-trip corrupted: %+v", got.Notifications[0])
	}
}

func TestCompressAndEncodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(`[]`),
		[]byte(`[{"id":"n1","title":"x"}]`),
	}
	for _, raw := range cases {
		encoded := compressAndEncode(raw)
		decoded, err := decompressAndDecode(encoded)
		if err != nil {
			t.Fatalf("decompressAndDecode(%q): %v", encoded, err)
		}
		if len(raw) == 0 {
			if len(decoded) != 0 {
				t.Fatalf("expected empty round-trip, got %q", decoded)
			}
			continue
		}
		if string(decoded) != string(raw) {
			t.Fatalf("round-trip mismatch: got %q, want %q", decoded, raw)
		}
	}
}

func TestDecompressAndDecodeRejectsUnknownPrefix(t *testing.T) {
	if _, err := decompressAndDecode("zstd:abcd"); err == nil {
		t.Fatal("expected error for unrecognized encoding prefix")
	}
}
