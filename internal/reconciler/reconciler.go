// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconciler implements C10: a periodic sweep that
// reconstructs executing RemoteApp records from live Kubernetes
// Deployments, prunes records whose Deployment has disappeared, and
// re-announces status to a peer whose channel just came back up.
//
// Grounded on original_source/porpulsion/agent.py's
// _reconstruct_remote_apps (the reconstruction pass run once at
// startup) generalised into a recurring tick, using a standard
// ticker-plus-select loop shape for the recurring part.
package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/porpulsion/porpulsion/internal/channel"
	"github.com/porpulsion/porpulsion/internal/executor"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/porpulsionk8s"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/lib/clock"
)

// TickInterval is the periodic sweep cadence.
const TickInterval = 5 * time.Second

// Reconciler converges in-memory executing-app records with
// Kubernetes reality and replays status pushes a peer missed while
// disconnected.
type Reconciler struct {
	reg      *registry.Registry
	exec     *executor.Executor
	channels *channel.Manager
	clock    clock.Clock
	logger   *slog.Logger

	wake chan struct{}

	// connectedPeers is only read/written from Tick, which callers must
	// not invoke concurrently (Run's loop calls it sequentially).
	connectedPeers map[string]bool
}

// New constructs a Reconciler. clock and logger default to
// clock.Real() and slog.Default() when nil.
func New(reg *registry.Registry, exec *executor.Executor, channels *channel.Manager, c clock.Clock, logger *slog.Logger) *Reconciler {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		reg: reg, exec: exec, channels: channels, clock: c, logger: logger,
		wake:           make(chan struct{}, 1),
		connectedPeers: make(map[string]bool),
	}
}

// Run ticks every TickInterval, and on every Wake, until ctx is
// cancelled. Intended to run in its own goroutine for the lifetime of
// the agent process.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		case <-r.wake:
			r.Tick(ctx)
		}
	}
}

// Wake requests an out-of-cycle pass — e.g. right after a channel
// reconnects — without waiting for the next tick. Non-blocking: a
// pass already queued is not duplicated.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Tick runs one reconciliation pass: reconstruct/prune executing apps
// against live Deployments, then replay status to any peer that just
// reconnected.
func (r *Reconciler) Tick(ctx context.Context) {
	r.reconcileDeployments(ctx)
	r.retryDeferredStatusPushes(ctx)
	r.retryPendingDeletes(ctx)
}

// retryPendingDeletes durably completes a delete whose peer
// notification could not be sent at request time. internal/api.handleDeleteRemoteApp leaves such an app marked
// Deleted in the registry instead of removing it immediately; this
// pass retries the notification each tick and only removes the record
// once it actually lands.
func (r *Reconciler) retryPendingDeletes(ctx context.Context) {
	for _, app := range r.reg.ListAppsByOrigin(model.OriginSubmitted) {
		if app.Status != model.StatusDeleted {
			continue
		}
		ch, ok := r.channels.Get(app.TargetPeer)
		if !ok || !ch.IsConnected() {
			continue
		}
		if _, err := ch.Send(ctx, "remoteapp/delete", map[string]string{"id": app.ID}); err != nil {
			r.logger.Warn("reconciler: retrying deferred delete notification", "app", app.ID, "target_peer", app.TargetPeer, "error", err)
			continue
		}
		if err := r.reg.RemoveApp(ctx, app.ID); err != nil {
			r.logger.Warn("reconciler: failed to remove app after deferred delete landed", "app", app.ID, "error", err)
		}
	}

	for _, app := range r.reg.ListAppsByOrigin(model.OriginExecuting) {
		if app.Status != model.StatusDeleted {
			continue
		}
		ch, ok := r.channels.Get(app.SourcePeer)
		if !ok || !ch.IsConnected() {
			continue
		}
		if err := ch.Push("remoteapp/status", map[string]string{"id": app.ID, "status": string(model.StatusDeleted)}); err != nil {
			r.logger.Warn("reconciler: retrying deferred delete notification", "app", app.ID, "source_peer", app.SourcePeer, "error", err)
			continue
		}
		if err := r.reg.RemoveApp(ctx, app.ID); err != nil {
			r.logger.Warn("reconciler: failed to remove app after deferred delete notification landed", "app", app.ID, "error", err)
		}
	}
}

// reconcileDeployments lists every Deployment this agent manages,
// creates a record for any that arrived without one (e.g. after a
// restart), and prunes records whose Deployment is gone.
func (r *Reconciler) reconcileDeployments(ctx context.Context) {
	deployments, err := r.exec.ListDeployments(ctx)
	if err != nil {
		r.logger.Warn("reconciler: failed to list deployments", "error", err)
		return
	}

	seen := make(map[string]bool, len(deployments))
	for _, dep := range deployments {
		appID := dep.Labels[porpulsionk8s.LabelRemoteAppID]
		if appID == "" {
			continue
		}
		seen[appID] = true
		if _, ok := r.reg.GetApp(appID); ok {
			continue
		}
		r.reconstructApp(ctx, appID, dep)
	}

	for _, app := range r.reg.ListAppsByOrigin(model.OriginExecuting) {
		if app.Status.Terminal() || seen[app.ID] {
			continue
		}
		r.logger.Info("reconciler: deployment for executing app is gone, pruning", "app", app.ID, "source_peer", app.SourcePeer)
		ch, chOK := r.channels.Get(app.SourcePeer)
		pushErr := error(nil)
		if chOK && ch.IsConnected() {
			pushErr = ch.Push("remoteapp/status", map[string]string{"id": app.ID, "status": string(model.StatusDeleted)})
		}
		if chOK && ch.IsConnected() && pushErr == nil {
			if err := r.reg.RemoveApp(ctx, app.ID); err != nil {
				r.logger.Warn("reconciler: failed to remove stale app record", "app", app.ID, "error", err)
			}
			continue
		}
		if pushErr != nil {
			r.logger.Warn("reconciler: failed to notify source peer of disappearance, will retry", "app", app.ID, "error", pushErr)
		}
		// Channel down or push failed: mark Deleted and leave the record
		// for retryPendingDeletes to notify and remove once the channel
		// is back — never drop the notification.
		app.Status = model.StatusDeleted
		app.Message = "deployment disappeared; notifying source peer when reachable"
		app.UpdatedAt = r.clock.Now().UTC().Format(time.RFC3339)
		if err := r.reg.PutApp(ctx, app); err != nil {
			r.logger.Warn("reconciler: failed to mark stale app record deleted", "app", app.ID, "error", err)
		}
	}
}

// reconstructApp rebuilds a minimal RemoteApp from one Deployment
// found without a matching record, mirroring agent.py's
// _reconstruct_remote_apps: derive the app name by stripping the
// "ra-{id}-" deploy-name prefix, classify Ready/Running from ready vs.
// desired replicas, and resume polling if not yet ready so the status
// still converges to Ready/Failed/Timeout.
func (r *Reconciler) reconstructApp(ctx context.Context, appID string, dep appsv1.Deployment) {
	sourcePeer := dep.Labels[porpulsionk8s.LabelSourcePeer]
	if sourcePeer == "" {
		sourcePeer = "unknown"
	}
	name := strings.TrimPrefix(dep.Name, "ra-"+appID+"-")

	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	status := model.StatusRunning
	ready := desired > 0 && dep.Status.ReadyReplicas >= desired
	if ready {
		status = model.StatusReady
	}

	now := r.clock.Now().UTC().Format(time.RFC3339)
	app := model.RemoteApp{
		ID:         appID,
		Name:       name,
		Origin:     model.OriginExecuting,
		SourcePeer: sourcePeer,
		Spec:       model.RemoteAppSpec{Replicas: desired},
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.reg.PutApp(ctx, app); err != nil {
		r.logger.Warn("reconciler: failed to persist reconstructed app", "app", appID, "error", err)
		return
	}
	r.logger.Info("reconciler: reconstructed executing app from deployment", "app", appID, "status", status)
	if !ready {
		r.exec.ResumeWatch(app)
	}
}

// retryDeferredStatusPushes re-announces current status to any peer
// whose channel transitioned from disconnected to connected since the
// last tick.
// Rather than tracking a per-app dirty bit for one failed push, every
// executing app sourced from a newly-reconnected peer gets its status
// re-sent — re-announcing an already-current status is harmless and
// this also covers pushes dropped by the channel's backpressure queue
//.
func (r *Reconciler) retryDeferredStatusPushes(ctx context.Context) {
	connected := make(map[string]bool)
	for _, peer := range r.reg.Snapshot().Peers {
		ch, ok := r.channels.Get(peer.Name)
		connected[peer.Name] = ok && ch.IsConnected()
	}

	reconnected := make(map[string]bool)
	for name, isConnected := range connected {
		if isConnected && !r.connectedPeers[name] {
			reconnected[name] = true
		}
	}
	r.connectedPeers = connected
	if len(reconnected) == 0 {
		return
	}

	for _, app := range r.reg.ListAppsByOrigin(model.OriginExecuting) {
		if !reconnected[app.SourcePeer] {
			continue
		}
		r.pushCurrentStatus(app)
	}
}

func (r *Reconciler) pushCurrentStatus(app model.RemoteApp) {
	ch, ok := r.channels.Get(app.SourcePeer)
	if !ok || !ch.IsConnected() {
		return
	}
	payload := map[string]string{"id": app.ID, "status": string(app.Status)}
	if app.Message != "" {
		payload["message"] = app.Message
	}
	if err := ch.Push("remoteapp/status", payload); err != nil {
		r.logger.Warn("reconciler: failed to re-push status on reconnect", "app", app.ID, "peer", app.SourcePeer, "error", err)
	}
}
