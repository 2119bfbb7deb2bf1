// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package porpulsionk8s holds the Deployment/label helpers shared by
// internal/executor (builds and applies Deployments) and
// internal/tunnel (resolves pod IPs by the same labels). Grounded on
// original_source/porpulsion/k8s/executor.py's deployment-building
// section of run_workload, re-expressed with typed client-go objects
// instead of the `kubernetes` Python client's constructor calls.
package porpulsionk8s

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/porpulsion/porpulsion/internal/model"
)

// LabelRemoteAppID and LabelSourcePeer are applied to every Deployment
// and its pod template, executor.py's
// "porpulsion.io/remote-app-id"/"porpulsion.io/source-peer" labels.
const (
	LabelRemoteAppID = "porpulsion.io/remote-app-id"
	LabelSourcePeer  = "porpulsion.io/source-peer"
	LabelApp         = "app"
)

// DeploymentName mirrors executor.py's `f"ra-{remote_app.id}-{remote_app.name}"[:63]`
// — Kubernetes object names are capped at 63 characters.
func DeploymentName(appID, appName string) string {
	name := fmt.Sprintf("ra-%s-%s", appID, appName)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// SelectorForApp returns the label selector string used to find the
// pods belonging to one RemoteApp (internal/executor's status polling,
// internal/tunnel's pod IP resolution, internal/reconciler's recovery
// scan).
func SelectorForApp(appID string) string {
	return fmt.Sprintf("%s=%s", LabelRemoteAppID, appID)
}

// BuildDeployment constructs the desired Deployment object for a
// RemoteApp, following executor.py's run_workload field-by-field:
// resources, ports, env (including secretKeyRef/configMapKeyRef),
// imagePullPolicy/imagePullSecrets, command/args, readinessProbe, and
// securityContext (pod- and container-level).
func BuildDeployment(namespace string, app model.RemoteApp) *appsv1.Deployment {
	spec := app.Spec
	deployName := DeploymentName(app.ID, app.Name)

	var resources corev1.ResourceRequirements
	if !spec.Resources.IsEmpty() {
		resources = corev1.ResourceRequirements{
			Requests: toResourceList(spec.Resources.Requests),
			Limits:   toResourceList(spec.Resources.Limits),
		}
	}

	var ports []corev1.ContainerPort
	if len(spec.Ports) > 0 {
		for _, p := range spec.Ports {
			name := p.Name
			if name == "" {
				name = fmt.Sprintf("port-%d", p.Port)
			}
			if len(name) > 15 {
				name = name[:15]
			}
			ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p.Port), Name: name})
		}
	} else {
		ports = []corev1.ContainerPort{{ContainerPort: 80}}
	}

	var envVars []corev1.EnvVar
	for _, e := range spec.Env {
		if e.ValueFrom == nil {
			envVars = append(envVars, corev1.EnvVar{Name: e.Name, Value: e.Value})
			continue
		}
		ev := corev1.EnvVar{Name: e.Name}
		switch {
		case e.ValueFrom.SecretKeyRef != nil:
			ref := e.ValueFrom.SecretKeyRef
			ev.ValueFrom = &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: ref.Name},
					Key:                  ref.Key,
				},
			}
		case e.ValueFrom.ConfigMapKeyRef != nil:
			ref := e.ValueFrom.ConfigMapKeyRef
			ev.ValueFrom = &corev1.EnvVarSource{
				ConfigMapKeyRef: &corev1.ConfigMapKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: ref.Name},
					Key:                  ref.Key,
				},
			}
		case e.ValueFrom.FieldRef != nil:
			ev.ValueFrom = &corev1.EnvVarSource{
				FieldRef: &corev1.ObjectFieldSelector{FieldPath: e.ValueFrom.FieldRef.FieldPath},
			}
		}
		envVars = append(envVars, ev)
	}

	var pullSecrets []corev1.LocalObjectReference
	for _, s := range spec.ImagePullSecrets {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: s})
	}

	var readiness *corev1.Probe
	if rp := spec.ReadinessProbe; rp != nil {
		probe := &corev1.Probe{
			InitialDelaySeconds: int32(rp.InitialDelaySeconds),
			PeriodSeconds:       int32(rp.PeriodSeconds),
			FailureThreshold:    int32(rp.FailureThreshold),
		}
		switch {
		case rp.HTTPGet != nil:
			probe.ProbeHandler = corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: rp.HTTPGet.Path,
					Port: intOrString(rp.HTTPGet.Port),
				},
			}
		case rp.Exec != nil:
			probe.ProbeHandler = corev1.ProbeHandler{
				Exec: &corev1.ExecAction{Command: rp.Exec.Command},
			}
		}
		readiness = probe
	}

	var podSecurity *corev1.PodSecurityContext
	var containerSecurity *corev1.SecurityContext
	if sc := spec.SecurityContext; sc != nil {
		podSecurity = &corev1.PodSecurityContext{
			RunAsNonRoot: sc.RunAsNonRoot,
			RunAsUser:    sc.RunAsUser,
			RunAsGroup:   sc.RunAsGroup,
			FSGroup:      sc.FSGroup,
		}
		if sc.ReadOnlyRootFilesystem != nil {
			containerSecurity = &corev1.SecurityContext{ReadOnlyRootFilesystem: sc.ReadOnlyRootFilesystem}
		}
	}

	podLabels := map[string]string{
		LabelApp:         deployName,
		LabelRemoteAppID: app.ID,
	}
	deployLabels := map[string]string{
		LabelApp:         deployName,
		LabelRemoteAppID: app.ID,
		LabelSourcePeer:  app.SourcePeer,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      deployName,
			Namespace: namespace,
			Labels:    deployLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(spec.Replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelApp: deployName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:            "main",
							Image:           spec.Image,
							ImagePullPolicy: corev1.PullPolicy(spec.ImagePullPolicy),
							Command:         spec.Command,
							Args:            spec.Args,
							Ports:           ports,
							Resources:       resources,
							Env:             envVars,
							ReadinessProbe:  readiness,
							SecurityContext: containerSecurity,
						},
					},
					ImagePullSecrets: pullSecrets,
					SecurityContext:  podSecurity,
				},
			},
		},
	}
}

func toResourceList(raw map[string]string) corev1.ResourceList {
	if len(raw) == 0 {
		return nil
	}
	list := make(corev1.ResourceList, len(raw))
	for k, v := range raw {
		qty, err := parseQuantity(v)
		if err != nil {
			continue
		}
		list[corev1.ResourceName(k)] = qty
	}
	return list
}

func int32Ptr(v int32) *int32 { return &v }
