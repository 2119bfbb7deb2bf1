// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"path/filepath"
	"testing"
)

func TestOpenCacheGeneratesKeyOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()

	if c.publicKey == "" {
		t.Fatal("expected a non-empty public key after first OpenCache")
	}
	if _, err := filepath.Abs(filepath.Join(dir, cacheKeyFileName)); err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
}

func TestOpenCacheReloadsSamePublicKey(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("first OpenCache: %v", err)
	}
	wantPub := first.publicKey
	first.Close()

	second, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("second OpenCache: %v", err)
	}
	defer second.Close()

	if second.publicKey != wantPub {
		t.Fatalf("reloaded public key %q, want %q — cache key was not recovered correctly", second.publicKey, wantPub)
	}
}

func TestCacheSaveThenLoadSensitiveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()

	want := SensitiveBlob{
		CAPEM:       "ca-pem-data",
		CAKey:       "ca-key-data",
		LeafPEM:     "leaf-pem-data",
		LeafKey:     "leaf-key-data",
		InviteToken: "invite-abc",
		Peers: []PersistedPeer{
			{Name: "peer-a", URL: "wss://peer-a:8443/channel", CAPEM: "peer-a-ca", CAFingerprint: "aa:bb:cc"},
		},
	}
	if err := c.SaveSensitive(want); err != nil {
		t.Fatalf("SaveSensitive: %v", err)
	}

	got, ok, err := c.LoadSensitive()
	if err != nil {
		t.Fatalf("LoadSensitive: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after SaveSensitive")
	}
	if got.CAPEM != want.CAPEM || got.InviteToken != want.InviteToken {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
	if len(got.Peers) != 1 || got.Peers[0].Name != "peer-a" {
		t.Fatalf("peers round-trip mismatch: %+v", got.Peers)
	}
}

func TestCacheSurvivesReopenAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("first OpenCache: %v", err)
	}
	want := SensitiveBlob{CAPEM: "persisted-across-restart"}
	if err := first.SaveSensitive(want); err != nil {
		t.Fatalf("SaveSensitive: %v", err)
	}
	first.Close()

	second, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("second OpenCache: %v", err)
	}
	defer second.Close()

	got, ok, err := second.LoadSensitive()
	if err != nil {
		t.Fatalf("LoadSensitive after reopen: %v", err)
	}
	if !ok || got.CAPEM != want.CAPEM {
		t.Fatalf("cache did not survive reopen: ok=%v got=%+v", ok, got)
	}
}

func TestLoadSensitiveNoCacheFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()

	_, ok, err := c.LoadSensitive()
	if err != nil {
		t.Fatalf("LoadSensitive: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false before any SaveSensitive call")
	}
}
