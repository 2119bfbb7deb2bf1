// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission implements the ordered policy pipeline (C8) that
// every inbound RemoteApp create/update passes through before it
// reaches the executor: inbound toggle, peer allowlist, image
// allow/deny, required resources, per-pod quota, per-app replica cap,
// and aggregate cluster-wide caps. Grounded on
// original_source/porpulsion/routes/workloads.py's
// _check_resource_quota, generalized from its single CPU/memory check
// into the full first-match-wins chain (the Python original only ever
// checked per-pod CPU/memory; the peer allowlist, image filter, and
// aggregate caps were enforced ad hoc elsewhere or not at all).
package admission

import (
	"fmt"
	"strings"

	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/porpulsionk8s"
)

// Reason is a stable machine-readable rejection code, returned to the
// caller alongside a human message and surfaced as a 403 at the REST
// boundary.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonInboundDisabled          Reason = "inbound_disabled"
	ReasonPeerNotAllowed           Reason = "peer_not_allowed"
	ReasonImageBlocked             Reason = "image_blocked"
	ReasonImageNotAllowed          Reason = "image_not_allowed"
	ReasonResourceRequestsRequired Reason = "resource_request_required"
	ReasonResourceLimitsRequired   Reason = "resource_limit_required"
	ReasonPerPodQuotaExceeded      Reason = "per_pod_quota_exceeded"
	ReasonReplicaCapExceeded       Reason = "replicas_exceeded"
	ReasonGlobalQuotaExceeded      Reason = "global_quota_exceeded"
)

// Decision is the result of evaluating one RemoteApp submission.
type Decision struct {
	Accepted         bool
	PendingApproval  bool
	Reason           Reason
	Field            string // set for per_pod/global_quota_exceeded, names the offending field
	Message          string
}

// Totals is the current aggregate resource consumption across every
// executing, non-terminal RemoteApp, recomputed by the caller (the
// registry's ListAppsByOrigin(OriginExecuting), // "recompute current totals from state registry + this request")
// before each admission call.
type Totals struct {
	Deployments int
	Pods        int
	CPURequests string
	MemRequests string
}

// Check evaluates ordered chain against one inbound
// RemoteApp submission. sourcePeer is the channel/peer name the
// submission arrived from (empty for locally-submitted apps, which
// skip the peer allowlist check). current is the aggregate state
// BEFORE this app is admitted; Check adds the app's own footprint
// when testing the aggregate caps.
func Check(settings model.Settings, spec model.RemoteAppSpec, sourcePeer string, current Totals) Decision {
	if !settings.AllowInboundRemoteApps {
		return reject(ReasonInboundDisabled, "inbound workloads are disabled on this agent")
	}

	if sourcePeer != "" && !peerAllowed(settings.AllowedSourcePeers, sourcePeer) {
		return reject(ReasonPeerNotAllowed, fmt.Sprintf("peer %q is not in allowed_source_peers", sourcePeer))
	}

	if matchesAnyPrefix(settings.BlockedImages, spec.Image) {
		return reject(ReasonImageBlocked, fmt.Sprintf("image %q matches a blocked_images entry", spec.Image))
	}
	if strings.TrimSpace(settings.AllowedImages) != "" && !matchesAnyPrefix(settings.AllowedImages, spec.Image) {
		return reject(ReasonImageNotAllowed, fmt.Sprintf("image %q does not match any allowed_images entry", spec.Image))
	}

	if settings.RequireResourceRequests {
		if spec.Resources.Requests["cpu"] == "" || spec.Resources.Requests["memory"] == "" {
			return reject(ReasonResourceRequestsRequired, "requests.cpu and requests.memory are both required")
		}
	}
	if settings.RequireResourceLimits {
		if spec.Resources.Limits["cpu"] == "" || spec.Resources.Limits["memory"] == "" {
			return reject(ReasonResourceLimitsRequired, "limits.cpu and limits.memory are both required")
		}
	}

	if d := checkPerPodCap("cpu requests", settings.MaxCPURequestPerPod, spec.Resources.Requests["cpu"]); d.Reason != ReasonNone {
		return d
	}
	if d := checkPerPodCap("cpu limits", settings.MaxCPULimitPerPod, spec.Resources.Limits["cpu"]); d.Reason != ReasonNone {
		return d
	}
	if d := checkPerPodCap("memory requests", settings.MaxMemoryRequestPerPod, spec.Resources.Requests["memory"]); d.Reason != ReasonNone {
		return d
	}
	if d := checkPerPodCap("memory limits", settings.MaxMemoryLimitPerPod, spec.Resources.Limits["memory"]); d.Reason != ReasonNone {
		return d
	}

	replicas := spec.Replicas
	if replicas == 0 {
		replicas = 1
	}
	if settings.MaxReplicasPerApp > 0 && int(replicas) > settings.MaxReplicasPerApp {
		return reject(ReasonReplicaCapExceeded, fmt.Sprintf("replicas %d exceeds max_replicas_per_app %d", replicas, settings.MaxReplicasPerApp))
	}

	if d := checkAggregateCaps(settings, spec, replicas, current); d.Reason != ReasonNone {
		return d
	}

	if settings.RequireRemoteAppApproval {
		return Decision{Accepted: true, PendingApproval: true}
	}
	return Decision{Accepted: true}
}

func reject(reason Reason, message string) Decision {
	return Decision{Accepted: false, Reason: reason, Message: message}
}

func rejectField(reason Reason, field, message string) Decision {
	return Decision{Accepted: false, Reason: reason, Field: field, Message: message}
}

// peerAllowed mirrors workloads.py's allowlist parsing: a
// comma-separated string, empty meaning "allow all".
func peerAllowed(allowlist, peer string) bool {
	allowlist = strings.TrimSpace(allowlist)
	if allowlist == "" {
		return true
	}
	for _, tok := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(tok) == peer {
			return true
		}
	}
	return false
}

// matchesAnyPrefix checks image against a comma-separated list of
// prefixes.
func matchesAnyPrefix(list, image string) bool {
	for _, tok := range strings.Split(list, ",") {
		prefix := strings.TrimSpace(tok)
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(image, prefix) {
			return true
		}
	}
	return false
}

func checkPerPodCap(field, cap, value string) Decision {
	if cap == "" || value == "" {
		return Decision{}
	}
	cmp, err := porpulsionk8s.CompareQuantity(value, cap)
	if err != nil || cmp <= 0 {
		return Decision{}
	}
	return rejectField(ReasonPerPodQuotaExceeded, field, fmt.Sprintf("%s %q exceeds per-pod cap %q", field, value, cap))
}

func checkAggregateCaps(settings model.Settings, spec model.RemoteAppSpec, replicas int32, current Totals) Decision {
	if settings.MaxTotalDeployments > 0 && current.Deployments+1 > settings.MaxTotalDeployments {
		return rejectField(ReasonGlobalQuotaExceeded, "max_total_deployments", "adding this app would exceed max_total_deployments")
	}
	if settings.MaxTotalPods > 0 && current.Pods+int(replicas) > settings.MaxTotalPods {
		return rejectField(ReasonGlobalQuotaExceeded, "max_total_pods", "adding this app would exceed max_total_pods")
	}
	if settings.MaxTotalCPURequests != "" {
		if d := checkAggregateQuantity("max_total_cpu_requests", settings.MaxTotalCPURequests, current.CPURequests, spec.Resources.Requests["cpu"], replicas); d.Reason != ReasonNone {
			return d
		}
	}
	if settings.MaxTotalMemoryRequests != "" {
		if d := checkAggregateQuantity("max_total_memory_requests", settings.MaxTotalMemoryRequests, current.MemRequests, spec.Resources.Requests["memory"], replicas); d.Reason != ReasonNone {
			return d
		}
	}
	return Decision{}
}

func checkAggregateQuantity(field, cap, currentTotal, perPod string, replicas int32) Decision {
	values := make([]string, 0, int(replicas)+1)
	values = append(values, currentTotal)
	for i := int32(0); i < replicas; i++ {
		values = append(values, perPod)
	}
	projected, err := porpulsionk8s.SumQuantities(values)
	if err != nil {
		return Decision{}
	}
	capQty, err := porpulsionk8s.CompareQuantity(projected.String(), cap)
	if err != nil || capQty <= 0 {
		return Decision{}
	}
	return rejectField(ReasonGlobalQuotaExceeded, field, fmt.Sprintf("adding this app would push %s to %s, exceeding cap %s", field, projected.String(), cap))
}

// TotalsFromApps recomputes Totals from the currently-executing,
// non-terminal RemoteApp set. One Deployment and
// max(1, replicas) pods are assumed per app.
func TotalsFromApps(apps []model.RemoteApp) Totals {
	var t Totals
	var cpu, mem []string
	for _, a := range apps {
		if a.Status.Terminal() {
			continue
		}
		t.Deployments++
		replicas := a.Spec.Replicas
		if replicas == 0 {
			replicas = 1
		}
		t.Pods += int(replicas)
		for i := int32(0); i < replicas; i++ {
			cpu = append(cpu, a.Spec.Resources.Requests["cpu"])
			mem = append(mem, a.Spec.Resources.Requests["memory"])
		}
	}
	if sum, err := porpulsionk8s.SumQuantities(cpu); err == nil {
		t.CPURequests = sum.String()
	}
	if sum, err := porpulsionk8s.SumQuantities(mem); err == nil {
		t.MemRequests = sum.String()
	}
	return t
}
