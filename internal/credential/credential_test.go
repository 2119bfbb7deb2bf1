// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"strings"
	"testing"
)

func TestLoadGeneratesFreshMaterial(t *testing.T) {
	store, err := Load(LoadOrGenerateConfig{AgentName: "agent-a", SelfIP: "10.0.0.5"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer store.Close()

	if len(store.GetCaPem()) == 0 {
		t.Fatal("GetCaPem returned empty PEM")
	}
	fp := store.GetFingerprint()
	if !strings.Contains(fp, ":") {
		t.Fatalf("fingerprint %q missing colon separators", fp)
	}
	want, err := Fingerprint(store.GetCaPem())
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp != want {
		t.Fatalf("fingerprint mismatch: store=%q recomputed=%q", fp, want)
	}
}

func TestRedeemRotatesAtomically(t *testing.T) {
	store, err := Load(LoadOrGenerateConfig{AgentName: "agent-a"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer store.Close()

	token := store.CurrentInviteToken()
	fresh, err := store.Redeem(token)
	if err != nil {
		t.Fatalf("Redeem(current): %v", err)
	}
	if fresh == token {
		t.Fatal("Redeem did not rotate the token")
	}

	// The spent token must never redeem again.
	if _, err := store.Redeem(token); err == nil {
		t.Fatal("Redeem(spent token) unexpectedly succeeded")
	}

	// The freshly rotated token is now current and redeemable exactly once.
	if store.CurrentInviteToken() != fresh {
		t.Fatalf("CurrentInviteToken = %q, want %q", store.CurrentInviteToken(), fresh)
	}
	if _, err := store.Redeem(fresh); err != nil {
		t.Fatalf("Redeem(fresh): %v", err)
	}
}

func TestRotateInviteTokenInvalidatesOld(t *testing.T) {
	store, err := Load(LoadOrGenerateConfig{AgentName: "agent-a"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer store.Close()

	old := store.CurrentInviteToken()
	rotated, err := store.RotateInviteToken()
	if err != nil {
		t.Fatalf("RotateInviteToken: %v", err)
	}
	if _, err := store.Redeem(old); err == nil {
		t.Fatal("Redeem(old) succeeded after RotateInviteToken")
	}
	if _, err := store.Redeem(rotated); err != nil {
		t.Fatalf("Redeem(rotated): %v", err)
	}
}

func TestPersistCalledOnGenerationAndRotation(t *testing.T) {
	var calls int
	var lastToken string
	s, err := Load(LoadOrGenerateConfig{
		AgentName: "agent-a",
		Persist: func(m Material, token string) error {
			calls++
			lastToken = token
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer s.Close()
	if calls != 1 {
		t.Fatalf("persist called %d times on generation, want 1", calls)
	}
	if lastToken == "" {
		t.Fatal("persist received empty token")
	}

	rotated, err := s.RotateInviteToken()
	if err != nil {
		t.Fatalf("RotateInviteToken: %v", err)
	}
	if calls != 2 {
		t.Fatalf("persist called %d times after rotation, want 2", calls)
	}
	if lastToken != rotated {
		t.Fatal("persist did not receive the rotated token")
	}
}
