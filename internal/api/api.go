// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the agent's local dashboard HTTP surface plus the
// two peer-facing endpoints (`POST /peer`, `GET /ws`).
// Grounded on proxy/server.go and proxy/handler.go's mux-plus-handler
// shape: one http.ServeMux built with Go's method+path patterns, one
// small writeJSON/writeAPIError pair every handler funnels through,
// no routing library — the whole pack never imports one.
//
// REST mutation endpoints translate into either a local operation
// (for RemoteApps this agent executes) or a channel.Manager request to
// the relevant peer (for RemoteApps this agent submitted elsewhere).
// There is deliberately no `remoteapp/scale` wire message: only
// `remoteapp/spec` exists for spec changes, so `POST
// /remoteapp/{id}/scale` is expressed as a spec update with only
// Replicas changed, reusing the same wire path PUT .../spec uses.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/porpulsion/porpulsion/internal/admission"
	"github.com/porpulsion/porpulsion/internal/apierr"
	"github.com/porpulsion/porpulsion/internal/channel"
	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/executor"
	"github.com/porpulsion/porpulsion/internal/handshake"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/internal/tunnel"
	"github.com/porpulsion/porpulsion/lib/clock"
)

// API wires the registry, credential store, channel manager, executor,
// and tunnel proxy into one HTTP surface.
type API struct {
	agentName string
	selfURL   string

	cred     *credential.Store
	reg      *registry.Registry
	channels *channel.Manager
	hs       *handshake.Service
	exec     *executor.Executor
	proxy    *tunnel.Proxy

	streamMu      sync.Mutex
	streamWaiters map[string]chan proxyStreamFrame

	clock  clock.Clock
	logger *slog.Logger
}

// New constructs an API. proxy may be nil on an agent with tunnels
// disabled; the `.../proxy/...` route then always replies
// tunnel_denied for locally-executing apps (submitted apps still
// tunnel through to whichever peer executes them).
func New(agentName, selfURL string, cred *credential.Store, reg *registry.Registry, channels *channel.Manager, hs *handshake.Service, exec *executor.Executor, proxy *tunnel.Proxy, c clock.Clock, logger *slog.Logger) *API {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		agentName: agentName, selfURL: selfURL,
		cred: cred, reg: reg, channels: channels, hs: hs, exec: exec, proxy: proxy,
		streamWaiters: make(map[string]chan proxyStreamFrame),
		clock:         c, logger: logger,
	}
	channels.OnPush("proxy/stream", a.handleProxyStreamPush)
	return a
}

// Routes builds the dashboard-facing mux and the peer-facing mux
// (`POST /peer`, `GET /ws`, served on the peer port). Callers mount
// dashboard() behind whatever auth/TLS the deployment wants; peer() is
// expected to be reachable from other agents directly.
func (a *API) Routes() (dashboard, peer *http.ServeMux) {
	dashboard = http.NewServeMux()
	dashboard.HandleFunc("GET /token", a.handleGetToken)
	dashboard.HandleFunc("GET /peers", a.handleListPeers)
	dashboard.HandleFunc("POST /peers/connect", a.handleConnectPeer)
	dashboard.HandleFunc("DELETE /peers/{name}", a.handleRemovePeer)
	dashboard.HandleFunc("GET /peers/inbound", a.handleListInbound)
	dashboard.HandleFunc("POST /peers/inbound/{id}/accept", a.handleAcceptInbound)
	dashboard.HandleFunc("DELETE /peers/inbound/{id}", a.handleRejectInbound)
	dashboard.HandleFunc("GET /remoteapps", a.handleListRemoteApps)
	dashboard.HandleFunc("POST /remoteapp", a.handleCreateRemoteApp)
	dashboard.HandleFunc("GET /remoteapp/{id}/detail", a.handleRemoteAppDetail)
	dashboard.HandleFunc("PUT /remoteapp/{id}/spec", a.handleUpdateRemoteAppSpec)
	dashboard.HandleFunc("POST /remoteapp/{id}/scale", a.handleScaleRemoteApp)
	dashboard.HandleFunc("POST /remoteapp/{id}/approve", a.handleApproveRemoteApp)
	dashboard.HandleFunc("DELETE /remoteapp/{id}/reject", a.handleRejectRemoteApp)
	dashboard.HandleFunc("DELETE /remoteapp/{id}", a.handleDeleteRemoteApp)
	dashboard.HandleFunc("GET /remoteapp/{id}/logs", a.handleRemoteAppLogs)
	dashboard.HandleFunc("/remoteapp/{id}/proxy/{port}/", a.handleRemoteAppProxy)
	dashboard.HandleFunc("GET /settings", a.handleGetSettings)
	dashboard.HandleFunc("POST /settings", a.handlePostSettings)
	dashboard.HandleFunc("GET /notifications", a.handleListNotifications)
	dashboard.HandleFunc("POST /notifications/{id}/ack", a.handleAckNotification)
	dashboard.HandleFunc("DELETE /notifications", a.handleClearNotifications)

	peer = http.NewServeMux()
	peer.HandleFunc("POST /peer", a.handlePeerHandshake)
	peer.HandleFunc("GET /ws", a.channels.HandleInbound)
	return dashboard, peer
}

// --- response helpers ---

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("writing JSON response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// writeAPIError translates one apierr.Kind to its assigned HTTP
// status, in the one place every handler funnels through.
func (a *API) writeAPIError(w http.ResponseWriter, err *apierr.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case apierr.KindValidation:
		status = http.StatusBadRequest
	case apierr.KindAdmission:
		status = http.StatusForbidden
	case apierr.KindTrust:
		status = http.StatusUnauthorized
	case apierr.KindTransport:
		status = http.StatusGatewayTimeout
	case apierr.KindExecutor, apierr.KindFatal:
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, errorBody{Error: err.Message, Code: err.Code, Field: err.Field})
}

func (a *API) badRequest(w http.ResponseWriter, format string, args ...any) {
	a.writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

func (a *API) notFound(w http.ResponseWriter, format string, args ...any) {
	a.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf(format, args...)})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

// --- token / handshake ---

type tokenResponse struct {
	Agent           string `json:"agent"`
	InviteToken     string `json:"invite_token"`
	SelfURL         string `json:"self_url"`
	CertFingerprint string `json:"cert_fingerprint"`
	CAPEM           string `json:"ca_pem"`
}

func (a *API) handleGetToken(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, tokenResponse{
		Agent:           a.agentName,
		InviteToken:     a.cred.CurrentInviteToken(),
		SelfURL:         a.selfURL,
		CertFingerprint: a.cred.GetFingerprint(),
		CAPEM:           string(a.cred.GetCaPem()),
	})
}

func (a *API) handlePeerHandshake(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[handshake.WireRequest](r)
	if err != nil {
		a.badRequest(w, "invalid request body: %v", err)
		return
	}
	resp, apiErr := a.hs.ServeInvite(r.Context(), req)
	if apiErr != nil {
		a.writeAPIError(w, apiErr)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// --- peers ---

func (a *API) handleListPeers(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.reg.Snapshot().Peers)
}

func (a *API) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[handshake.InitiateRequest](r)
	if err != nil {
		a.badRequest(w, "invalid request body: %v", err)
		return
	}
	peer, apiErr := a.hs.Initiate(r.Context(), req)
	if apiErr != nil {
		a.writeAPIError(w, apiErr)
		return
	}
	a.channels.OpenOutbound(peer.Name, peer.URL, peer.CAPEM)
	a.writeJSON(w, http.StatusAccepted, peer)
}

func (a *API) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	removed, err := a.reg.RemovePeer(r.Context(), name)
	if err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	if !removed {
		a.notFound(w, "peer %q not found", name)
		return
	}
	a.channels.Close(name)
	a.failAppsForRemovedPeer(r.Context(), name)
	a.writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

// failAppsForRemovedPeer marks submitted apps targeting the removed
// peer Failed, mirroring routes/peers.py's remove_peer loop over
// state.local_apps.
func (a *API) failAppsForRemovedPeer(ctx context.Context, peerName string) {
	for _, app := range a.reg.ListAppsByOrigin(model.OriginSubmitted) {
		if app.TargetPeer != peerName || app.Status.Terminal() {
			continue
		}
		app.Status = model.StatusFailed
		app.Message = fmt.Sprintf("peer %q was removed", peerName)
		app.UpdatedAt = a.clock.Now().UTC().Format(time.RFC3339)
		if err := a.reg.PutApp(ctx, app); err != nil {
			a.logger.Warn("failed to mark app failed after peer removal", "app", app.ID, "error", err)
		}
	}
}

func (a *API) handleListInbound(w http.ResponseWriter, r *http.Request) {
	snap := a.reg.Snapshot()
	out := make([]model.Peer, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		if p.Status == model.PeerAwaitingConfirmation {
			out = append(out, p)
		}
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAcceptInbound(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	peer, ok := a.reg.GetPeer(name)
	if !ok || peer.Status != model.PeerAwaitingConfirmation {
		a.notFound(w, "no pending inbound request from %q", name)
		return
	}
	peer.Status = model.PeerConnected
	if err := a.reg.UpsertPeer(r.Context(), peer); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	a.channels.OpenOutbound(peer.Name, peer.URL, peer.CAPEM)
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleRejectInbound(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	peer, ok := a.reg.GetPeer(name)
	if !ok || peer.Status != model.PeerAwaitingConfirmation {
		a.notFound(w, "no pending inbound request from %q", name)
		return
	}
	if _, err := a.reg.RemovePeer(r.Context(), name); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- remote apps ---

func (a *API) handleListRemoteApps(w http.ResponseWriter, r *http.Request) {
	snap := a.reg.Snapshot()
	submitted := make([]model.RemoteApp, 0, len(snap.Apps))
	executing := make([]model.RemoteApp, 0, len(snap.Apps))
	for _, app := range snap.Apps {
		if app.Origin == model.OriginSubmitted {
			submitted = append(submitted, app)
		} else {
			executing = append(executing, app)
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"submitted":        submitted,
		"executing":        executing,
		"pending_approval": snap.PendingApproval,
	})
}

type createRemoteAppRequest struct {
	Name       string          `json:"name"`
	Spec       json.RawMessage `json:"spec"`
	TargetPeer string          `json:"target_peer"`
}

func (a *API) handleCreateRemoteApp(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[createRemoteAppRequest](r)
	if err != nil {
		a.badRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Name == "" {
		a.badRequest(w, "name is required")
		return
	}
	if req.TargetPeer == "" {
		a.badRequest(w, "target_peer is required")
		return
	}
	spec, err := model.DecodeSpec(req.Spec)
	if err != nil {
		a.badRequest(w, "%v", err)
		return
	}

	ch, ok := a.channels.Get(req.TargetPeer)
	if !ok || !ch.IsConnected() {
		a.writeAPIError(w, apierr.New(apierr.KindTransport, "channel_down", fmt.Sprintf("no live channel to peer %q", req.TargetPeer)))
		return
	}

	raw, err := ch.Send(r.Context(), "remoteapp/create", map[string]any{"name": req.Name, "spec": spec})
	if err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "request_failed", err))
		return
	}
	var resp struct {
		Accepted        bool   `json:"accepted"`
		ID              string `json:"id"`
		Reason          string `json:"reason"`
		PendingApproval bool   `json:"pending_approval"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "response_decode_failed", err))
		return
	}
	if !resp.Accepted {
		now := a.clock.Now().UTC().Format(time.RFC3339)
		failed := model.RemoteApp{
			ID:         resp.ID,
			Name:       req.Name,
			Spec:       spec,
			Status:     model.StatusFailed,
			Origin:     model.OriginSubmitted,
			TargetPeer: req.TargetPeer,
			SourcePeer: a.agentName,
			Message:    resp.Reason,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if failed.ID == "" {
			failed.ID = uuid.NewString()[:8]
		}
		if err := a.reg.PutApp(r.Context(), failed); err != nil {
			a.logger.Warn("failed to persist rejected submission", "peer", req.TargetPeer, "error", err)
		}
		a.writeAPIError(w, apierr.New(apierr.KindAdmission, resp.Reason, fmt.Sprintf("peer %q rejected the app: %s", req.TargetPeer, resp.Reason)))
		return
	}

	now := a.clock.Now().UTC().Format(time.RFC3339)
	message := ""
	if resp.PendingApproval {
		message = "awaiting approval on " + req.TargetPeer
	}
	app := model.RemoteApp{
		ID:         resp.ID,
		Name:       req.Name,
		Spec:       spec,
		Status:     model.StatusPending,
		Origin:     model.OriginSubmitted,
		TargetPeer: req.TargetPeer,
		SourcePeer: a.agentName,
		Message:    message,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.reg.PutApp(r.Context(), app); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	a.writeJSON(w, http.StatusCreated, app)
}

func (a *API) handleRemoteAppDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, ok := a.reg.GetApp(id)
	if !ok {
		a.notFound(w, "app %q not found", id)
		return
	}
	resp := map[string]any{"app": app}
	if app.Origin == model.OriginExecuting {
		detail, err := a.exec.Status(r.Context(), app.ID, app.Name)
		if err != nil {
			resp["k8s_error"] = err.Error()
		} else {
			resp["k8s"] = detail
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type specUpdateRequest struct {
	Spec json.RawMessage `json:"spec"`
}

func (a *API) handleUpdateRemoteAppSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, ok := a.reg.GetApp(id)
	if !ok || app.Origin != model.OriginSubmitted {
		a.notFound(w, "app %q not found", id)
		return
	}
	req, err := decodeBody[specUpdateRequest](r)
	if err != nil {
		a.badRequest(w, "invalid request body: %v", err)
		return
	}
	spec, err := model.DecodeSpec(req.Spec)
	if err != nil {
		a.badRequest(w, "%v", err)
		return
	}
	if err := a.forwardSpecUpdate(r.Context(), &app, spec); err != nil {
		a.writeAPIError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, app)
}

type scaleRequest struct {
	Replicas int32 `json:"replicas"`
}

// handleScaleRemoteApp expresses scale as a spec update with only
// Replicas changed — there is no dedicated remoteapp/scale wire
// message, only remoteapp/spec (DESIGN.md records this decision).
func (a *API) handleScaleRemoteApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, ok := a.reg.GetApp(id)
	if !ok {
		a.notFound(w, "app %q not found", id)
		return
	}
	req, err := decodeBody[scaleRequest](r)
	if err != nil {
		a.badRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Replicas < 0 {
		a.badRequest(w, "replicas must be >= 0")
		return
	}
	spec := app.Spec
	spec.Replicas = req.Replicas

	switch app.Origin {
	case model.OriginSubmitted:
		if err := a.forwardSpecUpdate(r.Context(), &app, spec); err != nil {
			a.writeAPIError(w, err)
			return
		}
	case model.OriginExecuting:
		if err := a.applyLocalSpec(r.Context(), &app, spec); err != nil {
			a.writeAPIError(w, err)
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "replicas": req.Replicas})
}

// forwardSpecUpdate sends a spec change to a submitted app's executing
// peer over the channel (the `remoteapp/spec` method router.go
// registers) and, on success, updates the local record.
func (a *API) forwardSpecUpdate(ctx context.Context, app *model.RemoteApp, spec model.RemoteAppSpec) *apierr.Error {
	ch, ok := a.channels.Get(app.TargetPeer)
	if !ok || !ch.IsConnected() {
		return apierr.New(apierr.KindTransport, "channel_down", fmt.Sprintf("no live channel to peer %q", app.TargetPeer))
	}
	if _, err := ch.Send(ctx, "remoteapp/spec", map[string]any{"id": app.ID, "spec": spec}); err != nil {
		return apierr.Wrap(apierr.KindTransport, "request_failed", err)
	}
	app.Spec = spec
	app.UpdatedAt = a.clock.Now().UTC().Format(time.RFC3339)
	if err := a.reg.PutApp(ctx, *app); err != nil {
		return apierr.Wrap(apierr.KindFatal, "persist_failed", err)
	}
	return nil
}

// applyLocalSpec re-admits and re-applies a spec change for an app
// this agent executes, mirroring router.handleRemoteAppSpec's path
// without the channel round-trip (the operator driving this is local).
func (a *API) applyLocalSpec(ctx context.Context, app *model.RemoteApp, spec model.RemoteAppSpec) *apierr.Error {
	settings := a.reg.Settings()
	totals := admission.TotalsFromApps(excludingApp(a.reg.ListAppsByOrigin(model.OriginExecuting), app.ID))
	decision := admission.Check(settings, spec, app.SourcePeer, totals)
	if !decision.Accepted {
		return apierr.New(apierr.KindAdmission, string(decision.Reason), decision.Message).WithField(decision.Field)
	}
	app.Spec = spec
	app.UpdatedAt = a.clock.Now().UTC().Format(time.RFC3339)
	if err := a.reg.PutApp(ctx, *app); err != nil {
		return apierr.Wrap(apierr.KindFatal, "persist_failed", err)
	}
	if err := a.exec.Apply(ctx, *app); err != nil {
		return apierr.Wrap(apierr.KindExecutor, "apply_failed", err)
	}
	return nil
}

func excludingApp(apps []model.RemoteApp, id string) []model.RemoteApp {
	out := make([]model.RemoteApp, 0, len(apps))
	for _, a := range apps {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// handleDeleteRemoteApp never silently drops a delete whose peer
// notification can't be sent right now. If the notification
// succeeds immediately, the record is removed here; otherwise it is
// marked Deleted and left in the registry for
// internal/reconciler to retry the notification and remove it once it
// lands.
func (a *API) handleDeleteRemoteApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, ok := a.reg.GetApp(id)
	if !ok {
		a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true}) // idempotent
		return
	}

	notified := false
	switch app.Origin {
	case model.OriginSubmitted:
		if ch, ok := a.channels.Get(app.TargetPeer); ok && ch.IsConnected() {
			if _, err := ch.Send(r.Context(), "remoteapp/delete", map[string]string{"id": app.ID}); err != nil {
				a.logger.Warn("failed to notify executing peer of delete, will retry on reconnect", "app", app.ID, "error", err)
			} else {
				notified = true
			}
		} else {
			a.logger.Info("target peer channel down, delete queued for retry on reconnect", "app", app.ID, "target_peer", app.TargetPeer)
		}
	case model.OriginExecuting:
		if err := a.exec.Delete(r.Context(), app.ID, app.Name); err != nil {
			a.writeAPIError(w, apierr.Wrap(apierr.KindExecutor, "delete_failed", err))
			return
		}
		if ch, ok := a.channels.Get(app.SourcePeer); ok && ch.IsConnected() {
			if err := ch.Push("remoteapp/status", map[string]string{"id": app.ID, "status": string(model.StatusDeleted)}); err != nil {
				a.logger.Warn("failed to notify source peer of delete, will retry on reconnect", "app", app.ID, "error", err)
			} else {
				notified = true
			}
		} else {
			a.logger.Info("source peer channel down, delete notification queued for retry on reconnect", "app", app.ID, "source_peer", app.SourcePeer)
		}
	}

	if notified {
		if err := a.reg.RemoveApp(r.Context(), app.ID); err != nil {
			a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
			return
		}
	} else {
		app.Status = model.StatusDeleted
		app.Message = "delete pending: peer unreachable, will retry"
		app.UpdatedAt = a.clock.Now().UTC().Format(time.RFC3339)
		if err := a.reg.PutApp(r.Context(), app); err != nil {
			a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleRemoteAppLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, ok := a.reg.GetApp(id)
	if !ok {
		a.notFound(w, "app %q not found", id)
		return
	}
	tail := int64(200)
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			tail = n
		}
	}
	order := r.URL.Query().Get("order")

	if app.Origin == model.OriginExecuting {
		lines, err := a.exec.Logs(r.Context(), app.ID, app.Name, tail, "", order == "time")
		if err != nil {
			a.writeAPIError(w, apierr.Wrap(apierr.KindExecutor, "logs_failed", err))
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
		return
	}

	ch, ok := a.channels.Get(app.TargetPeer)
	if !ok || !ch.IsConnected() {
		a.writeAPIError(w, apierr.New(apierr.KindTransport, "channel_down", fmt.Sprintf("no live channel to peer %q", app.TargetPeer)))
		return
	}
	raw, err := ch.Send(r.Context(), "remoteapp/logs", map[string]any{"id": app.ID, "tail": tail, "order": order})
	if err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "request_failed", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// --- pending approvals ---
//
// Admission queues inbound RemoteApps behind an operator decision but
// names no dedicated REST path for resolving them, unlike every other
// admission outcome. These two routes extend the already-named
// /remoteapp/{id} surface rather than inventing their own top-level
// path; see DESIGN.md's Open Question decisions.

func (a *API) handleApproveRemoteApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pa, ok, err := a.reg.ResolvePendingApproval(r.Context(), id)
	if err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	if !ok {
		a.notFound(w, "pending approval %q not found", id)
		return
	}
	now := a.clock.Now().UTC().Format(time.RFC3339)
	app := model.RemoteApp{
		ID: pa.ID, Name: pa.Name, Spec: pa.Spec, Status: model.StatusPending,
		Origin: model.OriginExecuting, SourcePeer: pa.SourcePeer, CreatedAt: now, UpdatedAt: now,
	}
	if err := a.reg.PutApp(r.Context(), app); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	if err := a.exec.Apply(r.Context(), app); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindExecutor, "apply_failed", err))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleRejectRemoteApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pa, ok, err := a.reg.ResolvePendingApproval(r.Context(), id)
	if err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	if !ok {
		a.notFound(w, "pending approval %q not found", id)
		return
	}
	if ch, ok := a.channels.Get(pa.SourcePeer); ok && ch.IsConnected() {
		if err := ch.Push("remoteapp/status", map[string]string{"id": pa.ID, "status": string(model.StatusRejected)}); err != nil {
			a.logger.Warn("failed to notify source peer of rejection", "app", pa.ID, "error", err)
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- tunnel ---

var hopByHopRequest = map[string]bool{
	"Host": true, "Connection": true, "Keep-Alive": true,
	"Proxy-Authenticate": true, "Proxy-Authorization": true,
	"Te": true, "Trailer": true, "Transfer-Encoding": true, "Upgrade": true,
}

// proxyStreamTimeout bounds how long handleRemoteAppProxy waits, in
// total, for a cross-peer tunnel's proxy/stream pushes up to the final
// frame, mirroring tunnel.Proxy's own per-request timeout.
const proxyStreamTimeout = 300 * time.Second

// proxyStreamFrame is the wire shape of a proxy/stream push —
// {stream_id, chunk_b64, final, status?, headers?, compressed?} —
// mirrored from internal/router's proxyStreamPush.
type proxyStreamFrame struct {
	StreamID   string            `json:"stream_id"`
	ChunkB64   string            `json:"chunk_b64"`
	Final      bool              `json:"final"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Compressed bool              `json:"compressed,omitempty"`
}

// handleProxyStreamPush demuxes an incoming proxy/stream push to
// whichever handleRemoteAppProxy call is waiting on its stream_id.
// Pushes for an unknown (already-finished or never-registered) stream
// are dropped with a warning, the same backpressure posture as any
// other unroutable push.
func (a *API) handleProxyStreamPush(_ string, payload json.RawMessage) {
	var frame proxyStreamFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		a.logger.Warn("malformed proxy/stream push", "error", err)
		return
	}
	a.streamMu.Lock()
	waiter, ok := a.streamWaiters[frame.StreamID]
	a.streamMu.Unlock()
	if !ok {
		a.logger.Warn("dropping proxy/stream push for unknown stream", "stream_id", frame.StreamID)
		return
	}
	waiter <- frame
}

func (a *API) registerStreamWaiter(streamID string) chan proxyStreamFrame {
	ch := make(chan proxyStreamFrame, 32)
	a.streamMu.Lock()
	a.streamWaiters[streamID] = ch
	a.streamMu.Unlock()
	return ch
}

func (a *API) unregisterStreamWaiter(streamID string) {
	a.streamMu.Lock()
	delete(a.streamWaiters, streamID)
	a.streamMu.Unlock()
}

// relayProxyStream waits on streamID's proxy/stream pushes and writes
// each chunk to w as it arrives, flushing after every write so the
// caller observes intermediate chunks before the final frame instead
// of the body arriving in one shot.
func (a *API) relayProxyStream(w http.ResponseWriter, r *http.Request, streamID string) {
	waiter := a.registerStreamWaiter(streamID)
	defer a.unregisterStreamWaiter(streamID)

	flusher, _ := w.(http.Flusher)
	headerWritten := false

	ctx, cancel := context.WithTimeout(r.Context(), proxyStreamTimeout)
	defer cancel()

	writeHeader := func(status int, headers map[string]string) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		headerWritten = true
	}

	for {
		select {
		case <-ctx.Done():
			if !headerWritten {
				a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "proxy_timeout", ctx.Err()))
			}
			return
		case frame, ok := <-waiter:
			if !ok {
				return
			}
			if !headerWritten {
				writeHeader(frame.Status, frame.Headers)
			}
			chunk, err := base64.StdEncoding.DecodeString(frame.ChunkB64)
			if err != nil {
				a.logger.Warn("bad proxy/stream chunk encoding", "stream_id", streamID, "error", err)
				return
			}
			if frame.Compressed {
				if chunk, err = tunnel.DecompressChunk(chunk); err != nil {
					a.logger.Warn("failed to decompress proxy/stream chunk", "stream_id", streamID, "error", err)
					return
				}
			}
			if len(chunk) > 0 {
				w.Write(chunk)
				if flusher != nil {
					flusher.Flush()
				}
			}
			if frame.Final {
				return
			}
		}
	}
}

// handleRemoteAppProxy implements `ANY /remoteapp/{id}/proxy/{port}/...`:
// resolve the app, stream the tunnel locally if it executes here,
// otherwise forward a proxy/http request to its target peer over the
// channel and relay the proxy/stream pushes it answers with.
func (a *API) handleRemoteAppProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	app, ok := a.reg.GetApp(id)
	if !ok {
		a.notFound(w, "app %q not found", id)
		return
	}
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		a.badRequest(w, "invalid port")
		return
	}
	prefix := fmt.Sprintf("/remoteapp/%s/proxy/%d", id, port)
	path := strings.TrimPrefix(r.URL.Path, prefix)
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.badRequest(w, "failed to read request body: %v", err)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if hopByHopRequest[k] || len(vs) == 0 {
			continue
		}
		headers[k] = vs[0]
	}

	switch app.Origin {
	case model.OriginExecuting:
		if a.proxy == nil {
			a.writeAPIError(w, apierr.New(apierr.KindAdmission, "tunnel_denied", "tunnels are not available on this agent"))
			return
		}
		flusher, _ := w.(http.Flusher)
		headerWritten := false
		streamErr := a.proxy.Request(r.Context(), app.ID, port, r.Method, path, headers, body, func(chunk tunnel.Chunk) error {
			if !headerWritten {
				for k, v := range chunk.Headers {
					w.Header().Set(k, v)
				}
				status := chunk.Status
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				headerWritten = true
			}
			if len(chunk.Data) > 0 {
				w.Write(chunk.Data)
				if flusher != nil {
					flusher.Flush()
				}
			}
			return nil
		})
		if streamErr != nil {
			if !headerWritten {
				a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "proxy_failed", streamErr))
			} else {
				a.logger.Warn("proxy stream interrupted after headers sent", "app", app.ID, "error", streamErr)
			}
		}
	case model.OriginSubmitted:
		ch, ok := a.channels.Get(app.TargetPeer)
		if !ok || !ch.IsConnected() {
			a.writeAPIError(w, apierr.New(apierr.KindTransport, "channel_down", fmt.Sprintf("no live channel to peer %q", app.TargetPeer)))
			return
		}
		raw, sendErr := ch.Send(r.Context(), "proxy/http", map[string]any{
			"app_id": app.ID, "port": port, "method": r.Method, "path": path,
			"headers": headers, "body": base64.StdEncoding.EncodeToString(body),
		})
		if sendErr != nil {
			a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "request_failed", sendErr))
			return
		}
		var ack struct {
			StreamID string `json:"stream_id"`
		}
		if err := json.Unmarshal(raw, &ack); err != nil {
			a.writeAPIError(w, apierr.Wrap(apierr.KindTransport, "response_decode_failed", err))
			return
		}
		if ack.StreamID == "" {
			a.writeAPIError(w, apierr.New(apierr.KindTransport, "response_decode_failed", "peer did not return a stream_id"))
			return
		}
		a.relayProxyStream(w, r, ack.StreamID)
	}
}

// --- settings ---

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.reg.Settings())
}

// handlePostSettings merges the request body into the current settings:
// json.Unmarshal onto the existing value only overwrites fields present
// in the body, leaving the rest untouched.
func (a *API) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	settings := a.reg.Settings()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.badRequest(w, "failed to read request body: %v", err)
		return
	}
	if err := json.Unmarshal(body, &settings); err != nil {
		a.badRequest(w, "invalid settings: %v", err)
		return
	}
	if err := a.reg.UpdateSettings(r.Context(), settings); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	a.writeJSON(w, http.StatusOK, settings)
}

// --- notifications ---

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.reg.Snapshot().Notifications)
}

func (a *API) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, err := a.reg.AckNotification(r.Context(), id)
	if err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	if !found {
		a.notFound(w, "notification %q not found", id)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := a.reg.ClearNotifications(r.Context()); err != nil {
		a.writeAPIError(w, apierr.Wrap(apierr.KindFatal, "persist_failed", err))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
