// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the executing side of the HTTP proxy
// pipeline (C9): resolve a RemoteApp's ready pods by label, pick one
// round-robin, forward the request, and stream the response back chunk
// by chunk rather than buffering it whole. Grounded on
// original_source/porpulsion/k8s/tunnel.py's proxy_request, but
// re-targeted at pod IPs directly rather than a Kubernetes Service:
// resolve a pod IP via label selector, round robin across ready pods,
// with no Service in the path, since the RemoteApp model here has no
// Service object to look one up through.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/porpulsion/porpulsion/internal/porpulsionk8s"
)

// hopByHop headers are stripped in both directions.
var hopByHop = map[string]bool{
	"Host":                true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

const (
	idleTimeout  = 60 * time.Second
	totalTimeout = 300 * time.Second

	// streamChunkSize bounds how much of the upstream body is read
	// before handing a Chunk to the caller, so a large response streams
	// incrementally instead of arriving as one frame.
	streamChunkSize = 32 * 1024

	// compressThreshold is the chunk size above which CompressChunk
	// actually compresses instead of passing the data through
	// unchanged — below it, zstd's frame overhead isn't worth paying.
	compressThreshold = 8 * 1024
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// CompressChunk zstd-compresses data when it is larger than
// compressThreshold, returning the (possibly unmodified) bytes and
// whether compression was applied. Used by the channel-side relay
// before base64-framing a streamed response chunk as a proxy/stream
// push. Peers always run the same build, so nothing is negotiated on
// the wire: the receiving side decides whether to call DecompressChunk
// purely from the frame's own compressed flag.
func CompressChunk(data []byte) ([]byte, bool) {
	if len(data) <= compressThreshold {
		return data, false
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), true
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

// Chunk is one fragment of a proxied response, delivered to a Request
// caller's onChunk as the upstream body is read rather than assembled
// into a single buffer. Status and Headers are only populated on the
// first chunk of a response.
type Chunk struct {
	Status  int
	Headers map[string]string
	Data    []byte
	Final   bool
}

// Proxy forwards inbound HTTP requests to pods of locally-executing
// RemoteApps, round-robining across whichever pods are Ready at
// request time.
type Proxy struct {
	namespace string
	client    kubernetes.Interface
	http      *http.Client

	mu      sync.Mutex
	cursors map[string]int // appID -> next round-robin index
}

// New constructs a Proxy bound to one cluster namespace.
func New(namespace string, client kubernetes.Interface) *Proxy {
	return &Proxy{
		namespace: namespace,
		client:    client,
		http:      &http.Client{Timeout: idleTimeout},
		cursors:   make(map[string]int),
	}
}

// Request forwards method/path/headers/body to one ready pod of
// appID's Deployment on the given port. Headers are filtered of
// hop-by-hop names in the outbound direction; the response's headers
// are filtered the same way before being handed to onChunk on the
// first call. onChunk is invoked once per read off the upstream body —
// at least once before the final chunk for any response larger than
// one read — and each Chunk's Data is a fresh copy of that read, so
// onChunk may keep it. Request returns once onChunk has been
// called with Final true, or onChunk itself returns an error.
func (p *Proxy) Request(ctx context.Context, appID string, port int, method, path string, headers map[string]string, body []byte, onChunk func(Chunk) error) error {
	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	podIP, err := p.pickPod(ctx, appID)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d%s", podIP, port, normalizePath(path))
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build proxied request: %w", err)
	}
	for k, v := range headers {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(body))

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request to pod %s: %w", podIP, err)
	}
	defer resp.Body.Close()

	respHeaders := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(k)] || len(v) == 0 {
			continue
		}
		respHeaders[k] = v[0]
	}

	// Every data chunk is delivered in its own onChunk call, and the
	// final frame always arrives separately (even for a body that fits
	// in one read) so a caller observes at least one intermediate chunk
	// before final:true rather than the two collapsing into one frame.
	buf := make([]byte, streamChunkSize)
	first := true
	takeHeader := func(c *Chunk) {
		if first {
			c.Status = resp.StatusCode
			c.Headers = respHeaders
			first = false
		}
	}
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := Chunk{Data: append([]byte(nil), buf[:n]...)}
			takeHeader(&chunk)
			if err := onChunk(chunk); err != nil {
				return fmt.Errorf("deliver proxied chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			final := Chunk{Final: true}
			takeHeader(&final)
			if err := onChunk(final); err != nil {
				return fmt.Errorf("deliver final proxied chunk: %w", err)
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read proxied response: %w", readErr)
		}
	}
}

// pickPod lists the ready pods for appID and returns the next one in
// round-robin order, advancing the cursor.
func (p *Proxy) pickPod(ctx context.Context, appID string) (string, error) {
	list, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: porpulsionk8s.SelectorForApp(appID),
	})
	if err != nil {
		return "", fmt.Errorf("list pods for app %s: %w", appID, err)
	}

	var ready []string
	for _, pod := range list.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}
		if !podReady(pod) {
			continue
		}
		ready = append(ready, pod.Status.PodIP)
	}
	if len(ready) == 0 {
		return "", fmt.Errorf("no ready pods for app %s", appID)
	}

	p.mu.Lock()
	idx := p.cursors[appID] % len(ready)
	p.cursors[appID] = idx + 1
	p.mu.Unlock()

	return ready[idx], nil
}

func podReady(pod corev1.Pod) bool {
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
