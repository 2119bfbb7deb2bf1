// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the agent's in-memory state registry (C3):
// peers, submitted apps, inbound approvals, settings, and the
// notification feed, plus the persistence wiring that writes each
// mutation straight through to the two external blobs (C2) before
// returning to the caller.
//
// Grounded on original_source/porpulsion/state.py's module-level dict
// store, re-architected from global state into an explicit context
// struct: the Python original's five bare dicts (peers, local_apps,
// pending_approval, tunnel_requests, settings) become fields of one
// lock-guarded Registry, and every route that used to mutate a dict
// directly now goes through a typed method.
//
// The read/snapshot side follows a phased-snapshot-under-lock idiom:
// collect an immutable copy while holding the lock, do everything
// else (persistence I/O, encoding, network writes) outside it.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/store"
	"github.com/porpulsion/porpulsion/lib/clock"
)

// Registry is the canonical in-memory store for one agent. All fields
// are guarded by mu; callers never see a mutable reference into the
// registry's own maps.
type Registry struct {
	mu sync.RWMutex

	peers           map[string]model.Peer
	apps            map[string]model.RemoteApp
	pendingApproval map[string]model.PendingApproval
	settings        model.Settings
	notifications   []model.Notification // newest first, bounded to model.NotificationRingSize

	generation uint64

	cred  *credential.Store // supplies CA/leaf material when persisting peers
	data  *store.Store      // nil disables persistence (used by tests)
	clock clock.Clock
}

// New constructs a Registry seeded from the blobs loaded at startup.
// cred and data may be nil in tests that don't exercise persistence.
func New(cred *credential.Store, data *store.Store, c clock.Clock, peers []model.Peer, state store.StateBlob) *Registry {
	if c == nil {
		c = clock.Real()
	}
	r := &Registry{
		peers:           make(map[string]model.Peer, len(peers)),
		apps:            make(map[string]model.RemoteApp, len(state.Submitted)),
		pendingApproval: make(map[string]model.PendingApproval, len(state.PendingApproval)),
		settings:        state.Settings,
		notifications:   append([]model.Notification(nil), state.Notifications...),
		cred:            cred,
		data:            data,
		clock:           c,
	}
	for _, p := range peers {
		r.peers[p.Name] = p
	}
	for _, a := range state.Submitted {
		r.apps[a.ID] = a
	}
	for _, pa := range state.PendingApproval {
		r.pendingApproval[pa.ID] = pa
	}
	return r
}

// Snapshot is an immutable point-in-time view of the registry,
// suitable for the REST API and the status dashboard.
type Snapshot struct {
	Generation      uint64
	Peers           []model.Peer
	Apps            []model.RemoteApp
	PendingApproval []model.PendingApproval
	Settings        model.Settings
	Notifications   []model.Notification
}

// Snapshot returns a deep-enough copy of the current state. Slices are
// sorted for stable presentation (peers and apps by name/ID,
// notifications newest-first as stored).
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Generation:      r.generation,
		Peers:           make([]model.Peer, 0, len(r.peers)),
		Apps:            make([]model.RemoteApp, 0, len(r.apps)),
		PendingApproval: make([]model.PendingApproval, 0, len(r.pendingApproval)),
		Settings:        r.settings,
		Notifications:   append([]model.Notification(nil), r.notifications...),
	}
	for _, p := range r.peers {
		snap.Peers = append(snap.Peers, p)
	}
	for _, a := range r.apps {
		snap.Apps = append(snap.Apps, a)
	}
	for _, pa := range r.pendingApproval {
		snap.PendingApproval = append(snap.PendingApproval, pa)
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].Name < snap.Peers[j].Name })
	sort.Slice(snap.Apps, func(i, j int) bool { return snap.Apps[i].ID < snap.Apps[j].ID })
	sort.Slice(snap.PendingApproval, func(i, j int) bool { return snap.PendingApproval[i].ID < snap.PendingApproval[j].ID })
	return snap
}

// Generation returns the current generation counter without copying
// the rest of the state, for cheap long-poll / dashboard diffing.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// GetPeer returns the named peer record.
func (r *Registry) GetPeer(name string) (model.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[name]
	return p, ok
}

// UpsertPeer inserts or replaces a peer record and persists the
// updated peer list to the sensitive blob.
func (r *Registry) UpsertPeer(ctx context.Context, peer model.Peer) error {
	r.mu.Lock()
	r.peers[peer.Name] = peer
	r.generation++
	persisted := r.persistedPeersLocked()
	r.mu.Unlock()

	return r.persistPeers(ctx, persisted)
}

// RemovePeer deletes a peer record and persists the change. Returns
// false if no such peer existed (not an error — callers treat this as
// a no-op per idempotent-remove contract).
func (r *Registry) RemovePeer(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	if _, ok := r.peers[name]; !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.peers, name)
	r.generation++
	persisted := r.persistedPeersLocked()
	r.mu.Unlock()

	if err := r.persistPeers(ctx, persisted); err != nil {
		return true, err
	}
	return true, nil
}

// PersistCredentialRotation re-writes the sensitive blob with the
// credential store's current material/invite token and the current
// peer list. Called by internal/credential's Persist callback after
// RotateInviteToken/Redeem, so a rotated token is never lost to a
// write that also carries a stale or empty peer list.
func (r *Registry) PersistCredentialRotation(ctx context.Context) error {
	r.mu.RLock()
	persisted := r.persistedPeersLocked()
	r.mu.RUnlock()
	return r.persistPeers(ctx, persisted)
}

// persistedPeersLocked converts the current peer map to the
// persistence-layer shape. Caller must hold r.mu.
func (r *Registry) persistedPeersLocked() []store.PersistedPeer {
	out := make([]store.PersistedPeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, store.PersistedPeer{
			Name:          p.Name,
			URL:           p.URL,
			CAPEM:         p.CAPEM,
			CAFingerprint: p.CAFingerprint,
			ConnectedAt:   p.ConnectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// persistPeers writes the full sensitive blob (CA/leaf material plus
// the given peer list) to C2. A nil cred or data store is a no-op,
// used by tests that don't exercise persistence.
func (r *Registry) persistPeers(ctx context.Context, peers []store.PersistedPeer) error {
	if r.cred == nil || r.data == nil {
		return nil
	}
	material := r.cred.Material()
	blob := store.SensitiveBlob{
		CAPEM:       string(material.CACertPEM),
		CAKey:       string(material.CAKeyPEM),
		LeafPEM:     string(material.LeafCertPEM),
		LeafKey:     string(material.LeafKeyPEM),
		InviteToken: r.cred.CurrentInviteToken(),
		Peers:       peers,
	}
	if err := r.data.SaveSensitive(ctx, blob); err != nil {
		return fmt.Errorf("persist peers: %w", err)
	}
	return nil
}

// PutApp inserts or replaces an app record (submitted or executing)
// and, for submitted apps, persists the state blob. Executing apps
// are never persisted.
func (r *Registry) PutApp(ctx context.Context, app model.RemoteApp) error {
	r.mu.Lock()
	r.apps[app.ID] = app
	r.generation++
	needsPersist := app.Origin == model.OriginSubmitted
	blob := r.stateBlobLocked()
	r.mu.Unlock()

	if !needsPersist {
		return nil
	}
	return r.persistState(ctx, blob)
}

// GetApp returns the named app record.
func (r *Registry) GetApp(id string) (model.RemoteApp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[id]
	return a, ok
}

// RemoveApp deletes an app record by ID.
func (r *Registry) RemoveApp(ctx context.Context, id string) error {
	r.mu.Lock()
	existing, ok := r.apps[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.apps, id)
	r.generation++
	needsPersist := existing.Origin == model.OriginSubmitted
	blob := r.stateBlobLocked()
	r.mu.Unlock()

	if !needsPersist {
		return nil
	}
	return r.persistState(ctx, blob)
}

// AddPendingApproval enqueues an inbound RemoteApp awaiting an
// operator decision.
func (r *Registry) AddPendingApproval(ctx context.Context, pa model.PendingApproval) error {
	r.mu.Lock()
	r.pendingApproval[pa.ID] = pa
	r.generation++
	blob := r.stateBlobLocked()
	r.mu.Unlock()
	return r.persistState(ctx, blob)
}

// ResolvePendingApproval removes a pending approval by ID, returning
// the resolved record so the caller can act on it (run the executor
// path on approve, notify the source peer on reject).
func (r *Registry) ResolvePendingApproval(ctx context.Context, id string) (model.PendingApproval, bool, error) {
	r.mu.Lock()
	pa, ok := r.pendingApproval[id]
	if !ok {
		r.mu.Unlock()
		return model.PendingApproval{}, false, nil
	}
	delete(r.pendingApproval, id)
	r.generation++
	blob := r.stateBlobLocked()
	r.mu.Unlock()

	if err := r.persistState(ctx, blob); err != nil {
		return pa, true, err
	}
	return pa, true, nil
}

// UpdateSettings replaces the agent's policy settings wholesale.
func (r *Registry) UpdateSettings(ctx context.Context, s model.Settings) error {
	r.mu.Lock()
	r.settings = s
	r.generation++
	blob := r.stateBlobLocked()
	r.mu.Unlock()
	return r.persistState(ctx, blob)
}

// Settings returns the current policy settings.
func (r *Registry) Settings() model.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// AddNotification pushes a new entry to the front of the bounded
// notification ring (original_source/porpulsion/notifications.py's
// add_notification, with the ring size raised from 50 to
// model.NotificationRingSize=200 per ).
func (r *Registry) AddNotification(ctx context.Context, id string, level model.NotificationLevel, title, message string) error {
	r.mu.Lock()
	n := model.Notification{
		ID:      id,
		TS:      r.clock.Now(),
		Level:   level,
		Title:   title,
		Message: message,
	}
	r.notifications = append([]model.Notification{n}, r.notifications...)
	if len(r.notifications) > model.NotificationRingSize {
		r.notifications = r.notifications[:model.NotificationRingSize]
	}
	r.generation++
	blob := r.stateBlobLocked()
	r.mu.Unlock()
	return r.persistState(ctx, blob)
}

// AckNotification marks a notification acknowledged so the dashboard
// stops highlighting it. Returns false if no such notification exists.
func (r *Registry) AckNotification(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	found := false
	for i := range r.notifications {
		if r.notifications[i].ID == id {
			r.notifications[i].Ack = true
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return false, nil
	}
	r.generation++
	blob := r.stateBlobLocked()
	r.mu.Unlock()

	if err := r.persistState(ctx, blob); err != nil {
		return true, err
	}
	return true, nil
}

// ClearNotifications empties the notification feed (`DELETE
// /notifications`, ).
func (r *Registry) ClearNotifications(ctx context.Context) error {
	r.mu.Lock()
	r.notifications = nil
	r.generation++
	blob := r.stateBlobLocked()
	r.mu.Unlock()
	return r.persistState(ctx, blob)
}

// stateBlobLocked assembles the plain-state persistence blob. Caller
// must hold r.mu. Only OriginSubmitted apps are included — executing
// apps are reconstructed from Kubernetes by the reconciler.
func (r *Registry) stateBlobLocked() store.StateBlob {
	submitted := make([]model.RemoteApp, 0, len(r.apps))
	for _, a := range r.apps {
		if a.Origin == model.OriginSubmitted {
			submitted = append(submitted, a)
		}
	}
	sort.Slice(submitted, func(i, j int) bool { return submitted[i].ID < submitted[j].ID })

	pending := make([]model.PendingApproval, 0, len(r.pendingApproval))
	for _, pa := range r.pendingApproval {
		pending = append(pending, pa)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	return store.StateBlob{
		Submitted:       submitted,
		PendingApproval: pending,
		Settings:        r.settings,
		Notifications:   append([]model.Notification(nil), r.notifications...),
	}
}

func (r *Registry) persistState(ctx context.Context, blob store.StateBlob) error {
	if r.data == nil {
		return nil
	}
	if err := r.data.SaveState(ctx, blob); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ListAppsByOrigin returns a sorted, stable-ordered copy of the apps
// matching the given origin (submitted or executing).
func (r *Registry) ListAppsByOrigin(origin model.AppOrigin) []model.RemoteApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RemoteApp, 0, len(r.apps))
	for _, a := range r.apps {
		if a.Origin == origin {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
