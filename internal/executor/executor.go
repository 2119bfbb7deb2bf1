// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor implements the Kubernetes execution side of a
// RemoteApp (C7): applying a Deployment, polling it to a terminal or
// steady state, reporting every status transition back to the
// submitting peer, deleting, and answering detail/log queries.
//
// Grounded on original_source/porpulsion/k8s/executor.py: Apply
// mirrors run_workload (build the Deployment, create-or-update,
// cancel any previous watcher for the same app ID before starting a
// new one), Delete mirrors delete_workload (foreground cascade,
// tolerate 404), Status mirrors get_deployment_status, Logs mirrors
// get_pod_logs. Status reporting is relocated from executor.py's
// mTLS `_report_status` HTTP POST to a `remoteapp/status` push over
// the persistent channel (C5): the side-channel HTTP POST is exactly
// what the channel exists to replace.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/porpulsion/porpulsion/internal/channel"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/porpulsionk8s"
	"github.com/porpulsion/porpulsion/internal/registry"
	"github.com/porpulsion/porpulsion/lib/clock"
)

const (
	pollInterval       = 2 * time.Second
	pollTimeout        = 300 * time.Second // "executor startup >300s without progress" → Timeout
	failureGracePeriod = 60 * time.Second  // sustained failure reasons → Failed
)

// sustainedFailureReasons are waiting-container reasons that, if they
// persist past failureGracePeriod, classify the app Failed rather than
// Creating.
var sustainedFailureReasons = map[string]bool{
	"ContainerCannotRun": true,
	"ImagePullBackOff":   true,
	"CrashLoopBackOff":   true,
}

// Executor applies and tracks RemoteApp Deployments in one namespace.
type Executor struct {
	namespace string
	client    kubernetes.Interface
	registry  *registry.Registry
	channels  *channel.Manager
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc // appID -> cancel for its poll goroutine
	hashes   map[string]string             // deployName -> last-applied content hash
}

// New constructs an Executor. clock and logger default to clock.Real()
// and slog.Default() when nil. channels may be nil in tests that don't
// exercise status push.
func New(namespace string, client kubernetes.Interface, reg *registry.Registry, channels *channel.Manager, c clock.Clock, logger *slog.Logger) *Executor {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		namespace: namespace,
		client:    client,
		registry:  reg,
		channels:  channels,
		clock:     c,
		logger:    logger,
		watchers:  make(map[string]context.CancelFunc),
		hashes:    make(map[string]string),
	}
}

// Apply creates or updates the Deployment for a RemoteApp and starts a
// background poll that reports status transitions via remoteapp/status
// pushes to app.SourcePeer until the app reaches Ready, Failed, or
// Timeout. Any poll already running for this app ID is cancelled first
// (executor.py: "cancel any existing watcher for this app before
// starting a new one" — re-deploys replace, they don't stack).
func (e *Executor) Apply(ctx context.Context, app model.RemoteApp) error {
	e.cancelWatcher(app.ID)

	deployName := porpulsionk8s.DeploymentName(app.ID, app.Name)
	desired := porpulsionk8s.BuildDeployment(e.namespace, app)
	hash := contentHash(desired)

	e.mu.Lock()
	unchanged := e.hashes[deployName] == hash
	e.mu.Unlock()

	e.reportStatus(ctx, app, model.StatusCreating, "")

	existing, err := e.client.AppsV1().Deployments(e.namespace).Get(ctx, deployName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := e.client.AppsV1().Deployments(e.namespace).Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			e.reportStatus(ctx, app, model.StatusFailed, err.Error())
			return fmt.Errorf("create deployment %s: %w", deployName, err)
		}
	case err != nil:
		e.reportStatus(ctx, app, model.StatusFailed, err.Error())
		return fmt.Errorf("get deployment %s: %w", deployName, err)
	default:
		if unchanged {
			e.logger.Info("deployment unchanged, skipping update", "app", app.ID, "deployment", deployName)
		} else {
			desired.ResourceVersion = existing.ResourceVersion
			if _, err := e.client.AppsV1().Deployments(e.namespace).Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
				e.reportStatus(ctx, app, model.StatusFailed, err.Error())
				return fmt.Errorf("update deployment %s: %w", deployName, err)
			}
		}
	}

	e.mu.Lock()
	e.hashes[deployName] = hash
	e.mu.Unlock()

	e.reportStatus(ctx, app, model.StatusRunning, "")

	watchCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.watchers[app.ID] = cancel
	e.mu.Unlock()
	go e.pollStatus(watchCtx, app, deployName)

	return nil
}

// ListDeployments returns every Deployment this agent manages,
// identified by the presence of the remote-app-id label regardless of
// its value (executor.py's `list_namespaced_deployment(..., label_selector="porpulsion.io/remote-app-id")`).
// internal/reconciler uses this to reconstruct executing-app records
// after a restart and to notice when a tracked Deployment has
// disappeared — the executor stays the sole owner of the
// RemoteApp.id-to-Deployment mapping.
func (e *Executor) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	list, err := e.client.AppsV1().Deployments(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: porpulsionk8s.LabelRemoteAppID,
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return list.Items, nil
}

// ResumeWatch restarts status polling for an app recovered from a live
// Deployment without going through Apply (no create/update needed —
// the Deployment already matches). Any existing watcher for the app is
// cancelled first, same as Apply.
func (e *Executor) ResumeWatch(app model.RemoteApp) {
	e.cancelWatcher(app.ID)
	deployName := porpulsionk8s.DeploymentName(app.ID, app.Name)
	watchCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.watchers[app.ID] = cancel
	e.mu.Unlock()
	go e.pollStatus(watchCtx, app, deployName)
}

// Delete removes the Deployment for a RemoteApp with foreground
// cascading deletion (pods are removed before the Deployment object
// disappears). A missing Deployment is not an error: delete is
// idempotent.
func (e *Executor) Delete(ctx context.Context, appID, appName string) error {
	e.cancelWatcher(appID)
	deployName := porpulsionk8s.DeploymentName(appID, appName)
	policy := metav1.DeletePropagationForeground
	err := e.client.AppsV1().Deployments(e.namespace).Delete(ctx, deployName, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployment %s: %w", deployName, err)
	}
	e.mu.Lock()
	delete(e.hashes, deployName)
	e.mu.Unlock()
	return nil
}

func (e *Executor) cancelWatcher(appID string) {
	e.mu.Lock()
	cancel, ok := e.watchers[appID]
	delete(e.watchers, appID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// PodInfo is one pod's status as reported by Status.
type PodInfo struct {
	Name     string `json:"name"`
	Phase    string `json:"phase"`
	Ready    bool   `json:"ready"`
	Restarts int32  `json:"restarts"`
	Node     string `json:"node"`
}

// DeploymentDetail is the live k8s status detail returned by Status
// (executor.py's get_deployment_status).
type DeploymentDetail struct {
	DeployName string    `json:"deploy_name"`
	Desired    int32     `json:"desired"`
	Ready      int32     `json:"ready"`
	Available  int32     `json:"available"`
	Updated    int32     `json:"updated"`
	Pods       []PodInfo `json:"pods"`
}

// Status returns live Deployment/pod detail for a RemoteApp.
func (e *Executor) Status(ctx context.Context, appID, appName string) (DeploymentDetail, error) {
	deployName := porpulsionk8s.DeploymentName(appID, appName)
	dep, err := e.client.AppsV1().Deployments(e.namespace).Get(ctx, deployName, metav1.GetOptions{})
	if err != nil {
		return DeploymentDetail{}, fmt.Errorf("deployment not found: %w", err)
	}
	pods, err := e.listPods(ctx, appID)
	if err != nil {
		return DeploymentDetail{}, err
	}
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	return DeploymentDetail{
		DeployName: deployName,
		Desired:    desired,
		Ready:      dep.Status.ReadyReplicas,
		Available:  dep.Status.AvailableReplicas,
		Updated:    dep.Status.UpdatedReplicas,
		Pods:       pods,
	}, nil
}

func (e *Executor) listPods(ctx context.Context, appID string) ([]PodInfo, error) {
	list, err := e.client.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: porpulsionk8s.SelectorForApp(appID),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make([]PodInfo, 0, len(list.Items))
	for _, p := range list.Items {
		ready := true
		var restarts int32
		for _, cs := range p.Status.ContainerStatuses {
			if !cs.Ready {
				ready = false
			}
			restarts += cs.RestartCount
		}
		if len(p.Status.ContainerStatuses) == 0 {
			ready = false
		}
		out = append(out, PodInfo{
			Name:     p.Name,
			Phase:    string(p.Status.Phase),
			Ready:    ready,
			Restarts: restarts,
			Node:     p.Spec.NodeName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LogLine is one line of pod output, for the remoteapp/logs method.
type LogLine struct {
	TS      string `json:"ts"`
	Pod     string `json:"pod"`
	Message string `json:"message"`
}

// Logs returns up to tail lines from the RemoteApp's pods. If podName
// is empty, logs from every pod matching the app's selector are
// merged. If orderByTime,
// lines are sorted by timestamp across pods (executor.py's
// order_by_time); otherwise they are grouped per pod.
func (e *Executor) Logs(ctx context.Context, appID, appName string, tail int64, podName string, orderByTime bool) ([]LogLine, error) {
	pods, err := e.client.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: porpulsionk8s.SelectorForApp(appID),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	var lines []LogLine
	for _, p := range pods.Items {
		if podName != "" && p.Name != podName {
			continue
		}
		opts := &corev1.PodLogOptions{TailLines: &tail, Timestamps: true}
		raw, err := e.client.CoreV1().Pods(e.namespace).GetLogs(p.Name, opts).DoRaw(ctx)
		if err != nil {
			e.logger.Warn("failed to fetch pod logs", "pod", p.Name, "error", err)
			continue
		}
		lines = append(lines, parseLogLines(p.Name, raw)...)
	}
	if orderByTime {
		sort.Slice(lines, func(i, j int) bool { return lines[i].TS < lines[j].TS })
	}
	return lines, nil
}

func parseLogLines(pod string, raw []byte) []LogLine {
	var out []LogLine
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			if i > start {
				line := string(raw[start:i])
				ts, message := splitTimestamp(line)
				out = append(out, LogLine{TS: ts, Pod: pod, Message: message})
			}
			start = i + 1
		}
	}
	return out
}

// splitTimestamp separates the RFC3339Nano timestamp klog/containerd
// prefixes onto each log line (corev1.PodLogOptions.Timestamps) from
// the message.
func splitTimestamp(line string) (ts, message string) {
	idx := -1
	for i, r := range line {
		if r == ' ' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", line
	}
	return line[:idx], line[idx+1:]
}

// pollStatus polls the Deployment/pod state every pollInterval,
// classifying it into a RemoteApp status and pushing a
// remoteapp/status update to the source peer on every change, until a
// terminal classification (Ready/Failed/Timeout) or ctx is cancelled
// (a re-deploy, or executor shutdown).
func (e *Executor) pollStatus(ctx context.Context, app model.RemoteApp, deployName string) {
	defer e.cancelWatcher(app.ID)

	ticker := e.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	start := e.clock.Now()
	var failingSince time.Time
	last := model.StatusRunning

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := e.clock.Now()
		dep, err := e.client.AppsV1().Deployments(e.namespace).Get(ctx, deployName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return // deleted out from under us — nothing more to report
			}
			e.logger.Warn("poll: error reading deployment", "app", app.ID, "error", err)
			continue
		}

		reason, podsPending := e.failureReason(ctx, app.ID)
		status := e.classify(dep, reason, podsPending, failingSince, start, now)

		if reason != "" && sustainedFailureReasons[reason] {
			if failingSince.IsZero() {
				failingSince = now
			}
		} else {
			failingSince = time.Time{}
		}

		if status != last {
			message := ""
			if status == model.StatusFailed {
				message = reason
			}
			e.reportStatus(ctx, app, status, message)
			last = status
		}

		if status.Terminal() || status == model.StatusReady {
			return
		}
	}
}

func (e *Executor) classify(dep *appsv1.Deployment, failureReason string, podsPending bool, failingSince, start, now time.Time) model.AppStatus {
	replicas := int32(1)
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}

	if sustainedFailureReasons[failureReason] && !failingSince.IsZero() && now.Sub(failingSince) > failureGracePeriod {
		return model.StatusFailed
	}
	if dep.Status.ReadyReplicas >= replicas && replicas > 0 {
		return model.StatusReady
	}
	if dep.Status.AvailableReplicas > 0 {
		return model.StatusRunning
	}
	if now.Sub(start) > pollTimeout {
		return model.StatusTimeout
	}
	if dep.Status.ObservedGeneration < dep.Generation || podsPending {
		return model.StatusCreating
	}
	return model.StatusCreating
}

// failureReason inspects the app's pods for a sustained
// waiting-container reason (ImagePullBackOff etc.) and whether any pod
// is still Pending.
func (e *Executor) failureReason(ctx context.Context, appID string) (reason string, podsPending bool) {
	pods, err := e.client.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: porpulsionk8s.SelectorForApp(appID),
	})
	if err != nil {
		return "", false
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodPending {
			podsPending = true
		}
		for _, cs := range p.Status.ContainerStatuses {
			if cs.State.Waiting != nil && sustainedFailureReasons[cs.State.Waiting.Reason] {
				reason = cs.State.Waiting.Reason
			}
		}
	}
	return reason, podsPending
}

// reportStatus persists the status transition to the registry (when
// this app originates elsewhere, Origin is Executing and the app
// record lives only transiently — PutApp is still the single place
// that bumps the generation counter for dashboard/API consumers) and
// pushes remoteapp/status to the source peer's channel, best-effort.
// A peer with no live channel simply misses the push; internal/
// reconciler's deferred status-push retry replays missed transitions
// once the channel reconnects.
func (e *Executor) reportStatus(ctx context.Context, app model.RemoteApp, status model.AppStatus, message string) {
	app.Status = status
	app.Message = message
	app.UpdatedAt = e.clock.Now().UTC().Format(time.RFC3339)

	if e.registry != nil {
		if err := e.registry.PutApp(ctx, app); err != nil {
			e.logger.Warn("failed to persist app status", "app", app.ID, "error", err)
		}
	}

	if e.channels == nil || app.SourcePeer == "" {
		return
	}
	ch, ok := e.channels.Get(app.SourcePeer)
	if !ok || !ch.IsConnected() {
		e.logger.Info("source peer channel unavailable, status push dropped", "app", app.ID, "peer", app.SourcePeer, "status", status)
		return
	}
	payload := map[string]string{"id": app.ID, "status": string(status)}
	if message != "" {
		payload["message"] = message
	}
	if err := ch.Push("remoteapp/status", payload); err != nil {
		e.logger.Warn("failed to push status update", "app", app.ID, "peer", app.SourcePeer, "error", err)
	}
}

// contentHash hashes the Deployment's spec with BLAKE3 so Apply can
// skip a no-op Update when re-applying an unchanged spec.
func contentHash(dep *appsv1.Deployment) string {
	h := blake3.New()
	fmt.Fprintf(h, "%+v", dep.Spec)
	return fmt.Sprintf("%x", h.Sum(nil))
}
