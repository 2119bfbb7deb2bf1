// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/porpulsion/porpulsion/internal/porpulsionk8s"
)

func readyPod(name, appID, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "porpulsion",
			Labels:    map[string]string{porpulsionk8s.LabelRemoteAppID: appID},
		},
		Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			PodIP:             ip,
			ContainerStatuses: []corev1.ContainerStatus{{Ready: true}},
		},
	}
}

func TestRequestForwardsToPodAndStripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("hop-by-hop header Connection was forwarded")
		}
		if r.Header.Get("X-Custom") != "value" {
			t.Errorf("custom header was not forwarded, got %q", r.Header.Get("X-Custom"))
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Reply", "ok")
		w.WriteHeader(http.StatusCreated)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse backend port: %v", err)
	}

	client := k8sfake.NewSimpleClientset(readyPod("web-1", "a1", u.Hostname()))
	p := New("porpulsion", client)

	var chunks []Chunk
	err = p.Request(context.Background(), "a1", port, "POST", "/hello", map[string]string{
		"X-Custom":   "value",
		"Connection": "close",
	}, []byte("payload"), func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if chunks[0].Status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", chunks[0].Status)
	}
	if _, ok := chunks[0].Headers["Connection"]; ok {
		t.Fatalf("hop-by-hop response header Connection was not stripped: %+v", chunks[0].Headers)
	}
	if chunks[0].Headers["X-Reply"] != "ok" {
		t.Fatalf("X-Reply = %q, want ok", chunks[0].Headers["X-Reply"])
	}

	var body []byte
	final := false
	for _, c := range chunks {
		body = append(body, c.Data...)
		if c.Final {
			final = true
		}
	}
	if !final {
		t.Fatal("expected a final chunk")
	}
	if !strings.HasPrefix(string(body), "echo:payload") {
		t.Fatalf("body = %q", body)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected at least one intermediate chunk before the final frame, got %d chunk(s)", len(chunks))
	}
}

func TestRequestErrorsWithNoReadyPods(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	p := New("porpulsion", client)
	err := p.Request(context.Background(), "missing", 80, "GET", "/", nil, nil, func(Chunk) error { return nil })
	if err == nil {
		t.Fatal("expected error for app with no ready pods")
	}
}

func TestPickPodRoundRobinsAcrossReadyPods(t *testing.T) {
	client := k8sfake.NewSimpleClientset(
		readyPod("web-1", "a1", "10.0.0.1"),
		readyPod("web-2", "a1", "10.0.0.2"),
	)
	p := New("porpulsion", client)

	first, err := p.pickPod(context.Background(), "a1")
	if err != nil {
		t.Fatalf("pickPod #1: %v", err)
	}
	second, err := p.pickPod(context.Background(), "a1")
	if err != nil {
		t.Fatalf("pickPod #2: %v", err)
	}
	if first == second {
		t.Fatalf("expected round-robin to alternate pods, got %s twice", first)
	}
	third, err := p.pickPod(context.Background(), "a1")
	if err != nil {
		t.Fatalf("pickPod #3: %v", err)
	}
	if third != first {
		t.Fatalf("expected round-robin to cycle back to %s, got %s", first, third)
	}
}
