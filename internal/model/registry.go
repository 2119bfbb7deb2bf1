// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "time"

// PeerStatus is the handshake/connection lifecycle state of a Peer
// record, distinct from the live channel state (see ChannelState).
type PeerStatus string

const (
	PeerConnecting           PeerStatus = "connecting"
	PeerAwaitingConfirmation PeerStatus = "awaiting_confirmation"
	PeerConnected            PeerStatus = "connected"
	PeerFailed               PeerStatus = "failed"
)

// ChannelState reflects the live C5 WebSocket channel for a peer,
// independent of the peer record's own status field.
type ChannelState string

const (
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
)

// Peer is a remote agent known to this one, pinned by CA fingerprint.
type Peer struct {
	Name          string       `json:"name"`
	URL           string       `json:"url"`
	CAPEM         string       `json:"ca_pem"`
	CAFingerprint string       `json:"ca_fingerprint"`
	Status        PeerStatus   `json:"status"`
	Channel       ChannelState `json:"channel"`
	ConnectedAt   string       `json:"connected_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// AppOrigin distinguishes a RemoteApp submitted by this agent from
// one received from a peer and executed here.
type AppOrigin string

const (
	OriginSubmitted AppOrigin = "submitted"
	OriginExecuting AppOrigin = "executing"
)

// AppStatus is the RemoteApp lifecycle state.
type AppStatus string

const (
	StatusPending  AppStatus = "Pending"
	StatusApproved AppStatus = "Approved"
	StatusRejected AppStatus = "Rejected"
	StatusCreating AppStatus = "Creating"
	StatusRunning  AppStatus = "Running"
	StatusReady    AppStatus = "Ready"
	StatusFailed   AppStatus = "Failed"
	StatusTimeout  AppStatus = "Timeout"
	StatusDeleted  AppStatus = "Deleted"
)

// Terminal reports whether status will never transition again absent
// an explicit operator action (used by admission's aggregate quota
// sums, which only count apps still consuming cluster resources).
func (s AppStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusTimeout, StatusDeleted:
		return true
	default:
		return false
	}
}

// RemoteApp is one unit of cross-cluster workload, on either the
// submitter or the executor side (Origin distinguishes the role).
type RemoteApp struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Spec        RemoteAppSpec `json:"spec"`
	Status      AppStatus     `json:"status"`
	Origin      AppOrigin     `json:"origin"`
	TargetPeer  string        `json:"target_peer,omitempty"`
	SourcePeer  string        `json:"source_peer,omitempty"`
	Message     string        `json:"message,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

// PendingApproval is a RemoteApp that arrived from a peer while
// require_remoteapp_approval is set, awaiting an operator decision.
type PendingApproval struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SourcePeer string        `json:"source_peer"`
	Spec       RemoteAppSpec `json:"spec"`
	ArrivedAt  string        `json:"arrived_at"`
}

// Settings is a flat, persisted record of agent policy.
type Settings struct {
	AllowInboundRemoteApps   bool   `json:"allow_inbound_remoteapps"`
	RequireRemoteAppApproval bool   `json:"require_remoteapp_approval"`
	AllowInboundTunnels      bool   `json:"allow_inbound_tunnels"`
	AllowedSourcePeers       string `json:"allowed_source_peers"`
	AllowedTunnelPeers       string `json:"allowed_tunnel_peers"`
	AllowedImages            string `json:"allowed_images"`
	BlockedImages            string `json:"blocked_images"`
	RequireResourceRequests  bool   `json:"require_resource_requests"`
	RequireResourceLimits    bool   `json:"require_resource_limits"`
	MaxCPURequestPerPod      string `json:"max_cpu_request_per_pod"`
	MaxCPULimitPerPod        string `json:"max_cpu_limit_per_pod"`
	MaxMemoryRequestPerPod   string `json:"max_memory_request_per_pod"`
	MaxMemoryLimitPerPod     string `json:"max_memory_limit_per_pod"`
	MaxReplicasPerApp        int    `json:"max_replicas_per_app"`
	MaxTotalDeployments      int    `json:"max_total_deployments"`
	MaxTotalPods             int    `json:"max_total_pods"`
	MaxTotalCPURequests      string `json:"max_total_cpu_requests"`
	MaxTotalMemoryRequests   string `json:"max_total_memory_requests"`
	LogLevel                 string `json:"log_level"`
}

// DefaultSettings returns the defaults.
func DefaultSettings() Settings {
	return Settings{
		AllowInboundRemoteApps: true,
		AllowInboundTunnels:    true,
		LogLevel:               "INFO",
	}
}

// NotificationLevel is the severity of a Notification.
type NotificationLevel string

const (
	LevelInfo  NotificationLevel = "info"
	LevelWarn  NotificationLevel = "warn"
	LevelError NotificationLevel = "error"
)

// Notification is a single entry in the bounded operator-facing feed.
type Notification struct {
	ID      string            `json:"id"`
	TS      time.Time         `json:"ts"`
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Ack     bool              `json:"ack"`
}

// NotificationRingSize bounds the in-memory/persisted notification
// feed.
const NotificationRingSize = 200
