// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package model holds the data types shared across every agent
// component: the RemoteApp workload spec, peer and settings records,
// and notifications. These are plain structs with JSON tags — no
// behavior lives here beyond validation and default-filling, so that
// internal/registry, internal/executor, and internal/api can all
// depend on it without pulling in each other.
package model

import (
	"fmt"
	"strings"
)

// EnvVarSource selects where an EnvVar's value comes from when it is
// not given literally.
type EnvVarSource struct {
	SecretKeyRef    *KeyRef `json:"secretKeyRef,omitempty"`
	ConfigMapKeyRef *KeyRef `json:"configMapKeyRef,omitempty"`
	FieldRef        *FieldRef `json:"fieldRef,omitempty"`
}

// KeyRef names a key within a Secret or ConfigMap.
type KeyRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// FieldRef selects a pod field, e.g. "status.podIP".
type FieldRef struct {
	FieldPath string `json:"fieldPath"`
}

// EnvVar is one container environment variable.
type EnvVar struct {
	Name      string        `json:"name"`
	Value     string        `json:"value,omitempty"`
	ValueFrom *EnvVarSource `json:"valueFrom,omitempty"`
}

// PortSpec is one container port.
type PortSpec struct {
	Port int    `json:"port"`
	Name string `json:"name,omitempty"`
}

// ResourceRequirements carries raw Kubernetes quantity strings, e.g.
// "250m" or "64Mi". Parsing into resource.Quantity happens at the
// point of use (executor, admission) rather than here, so a spec can
// be stored and round-tripped even if a future Kubernetes version
// accepts a quantity format this package does not recognize.
type ResourceRequirements struct {
	Requests map[string]string `json:"requests,omitempty"`
	Limits   map[string]string `json:"limits,omitempty"`
}

// IsEmpty reports whether neither requests nor limits are set.
func (r ResourceRequirements) IsEmpty() bool {
	return len(r.Requests) == 0 && len(r.Limits) == 0
}

// ReadinessProbe mirrors the subset of corev1.Probe the spec exposes.
type ReadinessProbe struct {
	HTTPGet             *HTTPGetAction `json:"httpGet,omitempty"`
	Exec                *ExecAction    `json:"exec,omitempty"`
	InitialDelaySeconds int            `json:"initialDelaySeconds,omitempty"`
	PeriodSeconds       int            `json:"periodSeconds,omitempty"`
	FailureThreshold    int            `json:"failureThreshold,omitempty"`
}

// HTTPGetAction is an HTTP readiness check.
type HTTPGetAction struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

// ExecAction is a command readiness check.
type ExecAction struct {
	Command []string `json:"command"`
}

// SecurityContext mirrors the pod/container security fields the spec
// exposes. Pointer fields distinguish "unset" from "false"/"0".
type SecurityContext struct {
	RunAsNonRoot           *bool `json:"runAsNonRoot,omitempty"`
	RunAsUser              *int64 `json:"runAsUser,omitempty"`
	RunAsGroup             *int64 `json:"runAsGroup,omitempty"`
	FSGroup                *int64 `json:"fsGroup,omitempty"`
	ReadOnlyRootFilesystem *bool `json:"readOnlyRootFilesystem,omitempty"`
}

// RemoteAppSpec is the authoritative, validated shape of a workload
// submission. Unknown JSON fields are rejected by the decoder that
// produces this struct (see DecodeSpec), not by this type.
type RemoteAppSpec struct {
	Image             string                `json:"image"`
	Replicas          int32                 `json:"replicas"`
	Ports             []PortSpec            `json:"ports,omitempty"`
	Resources         ResourceRequirements  `json:"resources,omitempty"`
	Command           []string              `json:"command,omitempty"`
	Args              []string              `json:"args,omitempty"`
	Env               []EnvVar              `json:"env,omitempty"`
	ImagePullPolicy   string                `json:"imagePullPolicy,omitempty"`
	ImagePullSecrets  []string              `json:"imagePullSecrets,omitempty"`
	ReadinessProbe    *ReadinessProbe       `json:"readinessProbe,omitempty"`
	SecurityContext   *SecurityContext      `json:"securityContext,omitempty"`
}

// Validate checks field-level constraints. It does not evaluate
// admission policy (internal/admission handles that) — only
// structural validity: required fields present, ranges sane.
func (s *RemoteAppSpec) Validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("image is required")
	}
	if s.Replicas < 0 {
		return fmt.Errorf("replicas must be >= 0")
	}
	if s.Replicas == 0 {
		s.Replicas = 1
	}
	for _, p := range s.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("port %d out of range 1..65535", p.Port)
		}
		if len(p.Name) > 15 {
			return fmt.Errorf("port name %q exceeds 15 characters", p.Name)
		}
	}
	switch s.ImagePullPolicy {
	case "", "Always", "IfNotPresent", "Never":
	default:
		return fmt.Errorf("imagePullPolicy %q not one of Always|IfNotPresent|Never", s.ImagePullPolicy)
	}
	if s.ImagePullPolicy == "" {
		s.ImagePullPolicy = "IfNotPresent"
	}
	for _, e := range s.Env {
		if e.Name == "" {
			return fmt.Errorf("env entry missing name")
		}
		if e.ValueFrom != nil {
			n := 0
			if e.ValueFrom.SecretKeyRef != nil {
				n++
			}
			if e.ValueFrom.ConfigMapKeyRef != nil {
				n++
			}
			if e.ValueFrom.FieldRef != nil {
				n++
			}
			if n != 1 {
				return fmt.Errorf("env %q: valueFrom must set exactly one of secretKeyRef/configMapKeyRef/fieldRef", e.Name)
			}
		}
	}
	if rp := s.ReadinessProbe; rp != nil {
		if rp.HTTPGet == nil && rp.Exec == nil {
			return fmt.Errorf("readinessProbe requires httpGet or exec")
		}
		if rp.InitialDelaySeconds == 0 {
			rp.InitialDelaySeconds = 5
		}
		if rp.PeriodSeconds == 0 {
			rp.PeriodSeconds = 10
		}
		if rp.FailureThreshold == 0 {
			rp.FailureThreshold = 3
		}
	}
	return nil
}
