// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package porpulsionk8s

import (
	"strings"
	"testing"

	"github.com/porpulsion/porpulsion/internal/model"
)

func TestDeploymentNameTruncatesAt63Characters(t *testing.T) {
	name := DeploymentName("0123456789abcdef", strings.Repeat("x", 80))
	if len(name) != 63 {
		t.Fatalf("len(name) = %d, want 63", len(name))
	}
	if !strings.HasPrefix(name, "ra-0123456789abcdef-") {
		t.Fatalf("name = %q, want ra-<id>-<name> prefix", name)
	}
}

func TestBuildDeploymentSetsLabelsAndResources(t *testing.T) {
	app := model.RemoteApp{
		ID:         "a1",
		Name:       "web",
		SourcePeer: "peer-a",
		Spec: model.RemoteAppSpec{
			Image:    "nginx:1.27",
			Replicas: 2,
			Resources: model.ResourceRequirements{
				Requests: map[string]string{"cpu": "100m", "memory": "64Mi"},
			},
		},
	}

	dep := BuildDeployment("porpulsion", app)

	if dep.Name != "ra-a1-web" {
		t.Fatalf("dep.Name = %q", dep.Name)
	}
	if dep.Labels[LabelRemoteAppID] != "a1" || dep.Labels[LabelSourcePeer] != "peer-a" {
		t.Fatalf("dep.Labels = %+v", dep.Labels)
	}
	if *dep.Spec.Replicas != 2 {
		t.Fatalf("replicas = %d, want 2", *dep.Spec.Replicas)
	}
	podLabels := dep.Spec.Template.Labels
	if podLabels[LabelRemoteAppID] != "a1" {
		t.Fatalf("pod labels = %+v", podLabels)
	}
	container := dep.Spec.Template.Spec.Containers[0]
	if container.Image != "nginx:1.27" {
		t.Fatalf("image = %q", container.Image)
	}
	if container.Resources.Requests.Cpu().String() != "100m" {
		t.Fatalf("cpu request = %q", container.Resources.Requests.Cpu().String())
	}
}

func TestSelectorForApp(t *testing.T) {
	if got := SelectorForApp("a1"); got != "porpulsion.io/remote-app-id=a1" {
		t.Fatalf("SelectorForApp = %q", got)
	}
}

func TestSumQuantities(t *testing.T) {
	total, err := SumQuantities([]string{"100m", "250m", ""})
	if err != nil {
		t.Fatalf("SumQuantities: %v", err)
	}
	if total.String() != "350m" {
		t.Fatalf("total = %q, want 350m", total.String())
	}
}

func TestCompareQuantity(t *testing.T) {
	cmp, err := CompareQuantity("500m", "1")
	if err != nil {
		t.Fatalf("CompareQuantity: %v", err)
	}
	if cmp >= 0 {
		t.Fatalf("CompareQuantity(500m, 1) = %d, want < 0", cmp)
	}
}
