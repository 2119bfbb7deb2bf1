// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package router wires the channel's (C5) request/push dispatch to
// the rest of the agent: admission (C8), the executor (C7), and the
// HTTP tunnel (C9). Grounded on
// original_source/porpulsion/channel_handlers.py, one function per
// message type, registered on a channel.Manager the way
// channel._register_handlers wires its module-level functions onto a
// PeerChannel.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/porpulsion/porpulsion/internal/admission"
	"github.com/porpulsion/porpulsion/internal/apierr"
	"github.com/porpulsion/porpulsion/internal/channel"
	"github.com/porpulsion/porpulsion/internal/executor"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/internal/tunnel"
	"github.com/porpulsion/porpulsion/lib/clock"
)

// Router owns the registered handlers for every channel message type.
type Router struct {
	reg    *registry.Registry
	exec   *executor.Executor
	proxy  *tunnel.Proxy
	mgr    *channel.Manager // set by Register, used to push proxy/stream frames back
	clock  clock.Clock
	logger *slog.Logger
}

// New constructs a Router. proxy may be nil on an agent with tunnels
// disabled; proxy/http then always replies with tunnel_denied.
func New(reg *registry.Registry, exec *executor.Executor, proxy *tunnel.Proxy, c clock.Clock, logger *slog.Logger) *Router {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{reg: reg, exec: exec, proxy: proxy, clock: c, logger: logger}
}

// Register wires every handler onto mgr (internal/channel's
// Manager.OnRequest/OnPush — the Go equivalent of
// channel._register_handlers(ch)).
func (rt *Router) Register(mgr *channel.Manager) {
	rt.mgr = mgr
	mgr.OnRequest("peer/ping", rt.handlePing)
	mgr.OnRequest("remoteapp/create", rt.handleRemoteAppCreate)
	mgr.OnRequest("remoteapp/delete", rt.handleRemoteAppDelete)
	mgr.OnRequest("remoteapp/spec", rt.handleRemoteAppSpec)
	mgr.OnRequest("remoteapp/logs", rt.handleRemoteAppLogs)
	mgr.OnRequest("proxy/http", rt.handleProxyHTTP)
	mgr.OnPush("remoteapp/status", rt.handleRemoteAppStatusPush)
}

func (rt *Router) handlePing(_ context.Context, _ string, _ json.RawMessage) (any, error) {
	return map[string]bool{"pong": true}, nil
}

// remoteAppCreateRequest is the wire shape of remoteapp/create's
// payload: {id?, name, spec}.
type remoteAppCreateRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}

func (rt *Router) handleRemoteAppCreate(ctx context.Context, peerName string, payload json.RawMessage) (any, error) {
	var req remoteAppCreateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apierr.New(apierr.KindValidation, "bad_request", err.Error())
	}
	spec, err := model.DecodeSpec(req.Spec)
	if err != nil {
		return nil, apierr.New(apierr.KindValidation, "spec_invalid", err.Error())
	}

	settings := rt.reg.Settings()
	totals := admission.TotalsFromApps(rt.reg.ListAppsByOrigin(model.OriginExecuting))
	decision := admission.Check(settings, spec, peerName, totals)
	if !decision.Accepted {
		return map[string]any{"accepted": false, "reason": string(decision.Reason)}, nil
	}

	appID := req.ID
	if appID == "" {
		appID = uuid.NewString()[:8]
	}
	now := rt.clock.Now().UTC().Format(time.RFC3339)

	if decision.PendingApproval {
		pa := model.PendingApproval{ID: appID, Name: req.Name, SourcePeer: peerName, Spec: spec, ArrivedAt: now}
		if err := rt.reg.AddPendingApproval(ctx, pa); err != nil {
			return nil, apierr.Wrap(apierr.KindFatal, "persist_failed", err)
		}
		rt.addNotification(ctx, model.LevelInfo, "Approval required",
			fmt.Sprintf("%q from %s is waiting for your approval.", req.Name, peerName))
		return map[string]any{"accepted": true, "pending_approval": true, "id": appID}, nil
	}

	app := model.RemoteApp{
		ID:         appID,
		Name:       req.Name,
		Spec:       spec,
		Status:     model.StatusPending,
		Origin:     model.OriginExecuting,
		SourcePeer: peerName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := rt.reg.PutApp(ctx, app); err != nil {
		return nil, apierr.Wrap(apierr.KindFatal, "persist_failed", err)
	}
	if err := rt.exec.Apply(ctx, app); err != nil {
		return nil, apierr.Wrap(apierr.KindExecutor, "apply_failed", err)
	}
	return map[string]any{"accepted": true, "id": appID}, nil
}

type remoteAppDeleteRequest struct {
	ID string `json:"id"`
}

func (rt *Router) handleRemoteAppDelete(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req remoteAppDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apierr.New(apierr.KindValidation, "bad_request", err.Error())
	}
	app, ok := rt.reg.GetApp(req.ID)
	if !ok {
		return map[string]bool{"ok": true}, nil // delete is idempotent
	}
	if err := rt.exec.Delete(ctx, req.ID, app.Name); err != nil {
		return nil, apierr.Wrap(apierr.KindExecutor, "delete_failed", err)
	}
	if err := rt.reg.RemoveApp(ctx, req.ID); err != nil {
		return nil, apierr.Wrap(apierr.KindFatal, "persist_failed", err)
	}
	return map[string]bool{"ok": true}, nil
}

type remoteAppSpecRequest struct {
	ID   string          `json:"id"`
	Spec json.RawMessage `json:"spec"`
}

func (rt *Router) handleRemoteAppSpec(ctx context.Context, peerName string, payload json.RawMessage) (any, error) {
	var req remoteAppSpecRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apierr.New(apierr.KindValidation, "bad_request", err.Error())
	}
	app, ok := rt.reg.GetApp(req.ID)
	if !ok {
		return nil, apierr.New(apierr.KindValidation, "app_not_found", "app not found")
	}
	spec, err := model.DecodeSpec(req.Spec)
	if err != nil {
		return nil, apierr.New(apierr.KindValidation, "spec_invalid", err.Error())
	}

	settings := rt.reg.Settings()
	totals := admission.TotalsFromApps(excludingApp(rt.reg.ListAppsByOrigin(model.OriginExecuting), req.ID))
	decision := admission.Check(settings, spec, peerName, totals)
	if !decision.Accepted {
		return nil, apierr.New(apierr.KindAdmission, string(decision.Reason), decision.Message).WithField(decision.Field)
	}

	app.Spec = spec
	app.UpdatedAt = rt.clock.Now().UTC().Format(time.RFC3339)
	if err := rt.reg.PutApp(ctx, app); err != nil {
		return nil, apierr.Wrap(apierr.KindFatal, "persist_failed", err)
	}
	if err := rt.exec.Apply(ctx, app); err != nil {
		return nil, apierr.Wrap(apierr.KindExecutor, "apply_failed", err)
	}
	return map[string]bool{"ok": true}, nil
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

type remoteAppLogsRequest struct {
	ID    string `json:"id"`
	Tail  int64  `json:"tail"`
	Pod   string `json:"pod"`
	Order string `json:"order"`
}

func (rt *Router) handleRemoteAppLogs(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
	var req remoteAppLogsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apierr.New(apierr.KindValidation, "bad_request", err.Error())
	}
	app, ok := rt.reg.GetApp(req.ID)
	if !ok {
		return nil, apierr.New(apierr.KindValidation, "app_not_found", "app not found")
	}
	tail := req.Tail
	if tail == 0 {
		tail = 200
	}
	lines, err := rt.exec.Logs(ctx, req.ID, app.Name, tail, strings.TrimSpace(req.Pod), req.Order == "time")
	if err != nil {
		return nil, apierr.Wrap(apierr.KindExecutor, "logs_failed", err)
	}
	return map[string]any{"lines": lines}, nil
}

type proxyHTTPRequest struct {
	AppID   string            `json:"app_id"`
	Port    int               `json:"port"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64
}

// proxyStreamPush is one push frame of a streamed proxy/http response:
// {stream_id, chunk_b64, final, status?, headers?, compressed?}. status
// and headers are only set on the chunk carrying the response's first
// bytes. compressed marks chunk_b64 as zstd-compressed pre-base64, set
// whenever the chunk was above tunnel.CompressChunk's size threshold.
type proxyStreamPush struct {
	StreamID   string            `json:"stream_id"`
	ChunkB64   string            `json:"chunk_b64"`
	Final      bool              `json:"final"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Compressed bool              `json:"compressed,omitempty"`
}

// handleProxyHTTP admits a proxy/http request and kicks off the
// streaming relay in a goroutine, replying immediately with the
// stream_id the caller should wait on proxy/stream pushes for — the
// actual response body never travels as the Reply payload, since a
// single Request/Reply round trip cannot represent chunks arriving
// over time.
func (rt *Router) handleProxyHTTP(ctx context.Context, peerName string, payload json.RawMessage) (any, error) {
	var req proxyHTTPRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apierr.New(apierr.KindValidation, "bad_request", err.Error())
	}

	settings := rt.reg.Settings()
	if !settings.AllowInboundTunnels {
		return nil, apierr.New(apierr.KindAdmission, "tunnel_denied", "inbound tunnels are disabled on this agent")
	}
	if !tunnelAllowed(settings.AllowedTunnelPeers, peerName, req.AppID) {
		return nil, apierr.New(apierr.KindAdmission, "tunnel_denied", fmt.Sprintf("tunnel from peer %q is not permitted", peerName))
	}
	if _, ok := rt.reg.GetApp(req.AppID); !ok {
		return nil, apierr.New(apierr.KindValidation, "app_not_found", "app not found")
	}
	if rt.proxy == nil {
		return nil, apierr.New(apierr.KindAdmission, "tunnel_denied", "tunnels are not available on this agent")
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, apierr.New(apierr.KindValidation, "bad_request", "body is not valid base64")
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}

	ch, ok := rt.mgr.Get(peerName)
	if !ok {
		return nil, apierr.New(apierr.KindTransport, "channel_down", "no live channel to stream the response back on")
	}

	streamID := uuid.NewString()
	go rt.streamProxyResponse(ch, streamID, req.AppID, req.Port, method, req.Path, req.Headers, body)
	return map[string]any{"stream_id": streamID}, nil
}

// streamProxyResponse runs the proxied request and relays each chunk
// tunnel.Proxy.Request produces as a proxy/stream push on ch, tagged
// with streamID so the requesting peer can reassemble them in order.
// Chunks above tunnel's compression threshold are zstd-compressed
// before base64 framing.
func (rt *Router) streamProxyResponse(ch *channel.Channel, streamID, appID string, port int, method, path string, headers map[string]string, body []byte) {
	err := rt.proxy.Request(context.Background(), appID, port, method, path, headers, body, func(chunk tunnel.Chunk) error {
		data, compressed := tunnel.CompressChunk(chunk.Data)
		return ch.Push("proxy/stream", proxyStreamPush{
			StreamID:   streamID,
			ChunkB64:   base64.StdEncoding.EncodeToString(data),
			Final:      chunk.Final,
			Status:     chunk.Status,
			Headers:    chunk.Headers,
			Compressed: compressed,
		})
	})
	if err != nil {
		rt.logger.Warn("proxy stream failed", "peer", ch.PeerName(), "stream_id", streamID, "error", err)
		_ = ch.Push("proxy/stream", proxyStreamPush{StreamID: streamID, Final: true, Status: http.StatusBadGateway})
	}
}

// tunnelAllowed mirrors channel_handlers.py's handle_proxy_request
// allowlist parsing: comma-separated tokens of either "peer" (allow
// all apps from that peer) or "peer/app_id"; empty allowlist permits
// everything.
func tunnelAllowed(allowlist, peerName, appID string) bool {
	allowlist = strings.TrimSpace(allowlist)
	if allowlist == "" {
		return true
	}
	target := peerName + "/" + appID
	for _, tok := range strings.Split(allowlist, ",") {
		tok = strings.TrimSpace(tok)
		if tok == peerName || tok == target {
			return true
		}
	}
	return false
}

type remoteAppStatusPush struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleRemoteAppStatusPush updates a submitted app's status when the
// executing peer reports a transition (channel_handlers.py's
// handle_remoteapp_status).
func (rt *Router) handleRemoteAppStatusPush(_ string, payload json.RawMessage) {
	var push remoteAppStatusPush
	if err := json.Unmarshal(payload, &push); err != nil {
		rt.logger.Warn("malformed remoteapp/status push", "error", err)
		return
	}
	app, ok := rt.reg.GetApp(push.ID)
	if !ok {
		return
	}
	status := model.AppStatus(push.Status)
	app.Status = status
	app.Message = push.Message
	app.UpdatedAt = rt.clock.Now().UTC().Format(time.RFC3339)

	ctx := context.Background()
	if err := rt.reg.PutApp(ctx, app); err != nil {
		rt.logger.Warn("failed to persist status push", "app", push.ID, "error", err)
	}

	if status == model.StatusFailed || status == model.StatusTimeout {
		rt.addNotification(ctx, model.LevelError, fmt.Sprintf("Workload failed: %s", app.Name),
			fmt.Sprintf("%q on %s → %s.", app.Name, app.TargetPeer, status))
	}
}

func (rt *Router) addNotification(ctx context.Context, level model.NotificationLevel, title, message string) {
	if err := rt.reg.AddNotification(ctx, uuid.NewString(), level, title, message); err != nil {
		rt.logger.Warn("failed to record notification", "error", err)
	}
}
