// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the persistence adapter (C2): it reads and writes
// the agent's two external blobs — a sensitive Kubernetes Secret
// ("porpulsion-credentials") and a plain ConfigMap
// ("porpulsion-state") — using optimistic-concurrency read-modify-write,
// grounded on original_source/porpulsion/tls.py's
// _save_credentials_secret/save_state_configmap (create-then-patch-on-409)
// but made synchronous and conflict-retrying rather than fire-and-forget:
// writes are synchronous and atomic.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/pierrec/lz4/v4"

	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/model"
)

const (
	credentialsSecretName = "porpulsion-credentials"
	stateConfigMapName    = "porpulsion-state"

	maxWriteRetries = 5
)

// PersistedPeer is the wire shape of a peer record inside the
// sensitive blob.
type PersistedPeer struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	CAPEM        string `json:"ca_pem"`
	CAFingerprint string `json:"ca_fingerprint"`
	ConnectedAt  string `json:"connected_at,omitempty"`
}

// SensitiveBlob is the full contents of the credentials Secret.
type SensitiveBlob struct {
	CAPEM       string          `json:"ca_pem"`
	CAKey       string          `json:"ca_key"`
	LeafPEM     string          `json:"leaf_pem"`
	LeafKey     string          `json:"leaf_key"`
	InviteToken string          `json:"invite_token"`
	Peers       []PersistedPeer `json:"peers"`
}

// StateBlob is the full contents of the state ConfigMap.
type StateBlob struct {
	Submitted        []model.RemoteApp        `json:"submitted"`
	PendingApproval  []model.PendingApproval  `json:"pending_approval"`
	Settings         model.Settings           `json:"settings"`
	Notifications    []model.Notification     `json:"notifications"`
}

// Store adapts the in-cluster Secret/ConfigMap pair described in
// to typed Go structs, with optimistic-retry
// read-modify-write so concurrent writers never silently clobber each
// other (a plain create-or-replace, which is what the Python original
// does, loses whichever write loses the race).
type Store struct {
	client    kubernetes.Interface
	namespace string
	cache     *Cache // local crash-recovery fallback, may be nil
}

// New constructs a Store bound to a namespace. cache may be nil to
// disable the local crash-recovery fallback (e.g. in tests).
func New(client kubernetes.Interface, namespace string, cache *Cache) *Store {
	return &Store{client: client, namespace: namespace, cache: cache}
}

// LoadSensitive reads the credentials Secret, falling back to the
// local crash-recovery cache if the Secret does not exist yet and a
// cache is configured and readable.
func (s *Store) LoadSensitive(ctx context.Context) (SensitiveBlob, bool, error) {
	secret, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, credentialsSecretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if s.cache != nil {
			if blob, ok, cacheErr := s.cache.LoadSensitive(); cacheErr == nil && ok {
				return blob, true, nil
			}
		}
		return SensitiveBlob{}, false, nil
	}
	if err != nil {
		if s.cache != nil {
			if blob, ok, cacheErr := s.cache.LoadSensitive(); cacheErr == nil && ok {
				return blob, true, nil
			}
		}
		return SensitiveBlob{}, false, fmt.Errorf("get credentials secret: %w", err)
	}

	blob, err := decodeSensitive(secret.Data)
	if err != nil {
		return SensitiveBlob{}, false, err
	}
	return blob, true, nil
}

// SaveSensitive writes the credentials Secret with create-then-patch
// semantics and retries on resourceVersion conflict. It also mirrors
// the blob to the local crash-recovery cache, if configured, so a
// subsequent restart can recover even if the API server is briefly
// unreachable.
func (s *Store) SaveSensitive(ctx context.Context, blob SensitiveBlob) error {
	data := encodeSensitive(blob)

	err := s.retryOnConflict(func() error {
		existing, getErr := s.client.CoreV1().Secrets(s.namespace).Get(ctx, credentialsSecretName, metav1.GetOptions{})
		if apierrors.IsNotFound(getErr) {
			_, createErr := s.client.CoreV1().Secrets(s.namespace).Create(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Name: credentialsSecretName, Namespace: s.namespace},
				Data:       data,
				Type:       corev1.SecretTypeOpaque,
			}, metav1.CreateOptions{})
			return createErr
		}
		if getErr != nil {
			return getErr
		}
		existing.Data = data
		_, updateErr := s.client.CoreV1().Secrets(s.namespace).Update(ctx, existing, metav1.UpdateOptions{})
		return updateErr
	})
	if err != nil {
		return fmt.Errorf("save credentials secret: %w", err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.SaveSensitive(blob); cacheErr != nil {
			return fmt.Errorf("mirror credentials to crash-recovery cache: %w", cacheErr)
		}
	}
	return nil
}

// LoadState reads the state ConfigMap. A missing ConfigMap is not an
// error — it simply means this is a fresh agent with default
// settings and no submitted apps yet.
func (s *Store) LoadState(ctx context.Context) (StateBlob, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, stateConfigMapName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		blob := StateBlob{Settings: model.DefaultSettings()}
		return blob, nil
	}
	if err != nil {
		return StateBlob{}, fmt.Errorf("get state configmap: %w", err)
	}
	return decodeState(cm.Data)
}

// SaveState writes the state ConfigMap with create-then-patch
// semantics and conflict retry. The notification ring is
// lz4-compressed before being base64-armored into the ConfigMap's
// string-typed data map, keeping the object under the 1MiB ConfigMap
// cap under sustained load; the other keys are stored as plain JSON.
func (s *Store) SaveState(ctx context.Context, blob StateBlob) error {
	data, err := encodeState(blob)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	return s.retryOnConflict(func() error {
		existing, getErr := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, stateConfigMapName, metav1.GetOptions{})
		if apierrors.IsNotFound(getErr) {
			_, createErr := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: stateConfigMapName, Namespace: s.namespace},
				Data:       data,
			}, metav1.CreateOptions{})
			return createErr
		}
		if getErr != nil {
			return getErr
		}
		existing.Data = data
		_, updateErr := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, existing, metav1.UpdateOptions{})
		return updateErr
	})
}

// retryOnConflict retries fn up to maxWriteRetries times when the
// Kubernetes API reports a resourceVersion conflict (HTTP 409),
// re-reading and re-applying on each attempt. This is the "optimistic
// retry on version conflict" requires; the Python
// original has no retry at all (a losing writer's update is just
// dropped).
func (s *Store) retryOnConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !apierrors.IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("exhausted %d retries on conflict: %w", maxWriteRetries, err)
}

func encodeSensitive(blob SensitiveBlob) map[string][]byte {
	peersJSON, _ := json.Marshal(blob.Peers)
	return map[string][]byte{
		"ca.crt":        []byte(blob.CAPEM),
		"ca.key":        []byte(blob.CAKey),
		"tls.crt":       []byte(blob.LeafPEM),
		"tls.key":       []byte(blob.LeafKey),
		"invite-token":  []byte(blob.InviteToken),
		"peers":         peersJSON,
	}
}

func decodeSensitive(data map[string][]byte) (SensitiveBlob, error) {
	blob := SensitiveBlob{
		CAPEM:       string(data["ca.crt"]),
		CAKey:       string(data["ca.key"]),
		LeafPEM:     string(data["tls.crt"]),
		LeafKey:     string(data["tls.key"]),
		InviteToken: string(data["invite-token"]),
	}
	if raw, ok := data["peers"]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &blob.Peers); err != nil {
			return SensitiveBlob{}, fmt.Errorf("decode peers: %w", err)
		}
	}
	return blob, nil
}

func encodeState(blob StateBlob) (map[string]string, error) {
	submittedJSON, err := json.Marshal(blob.Submitted)
	if err != nil {
		return nil, err
	}
	pendingJSON, err := json.Marshal(blob.PendingApproval)
	if err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(blob.Settings)
	if err != nil {
		return nil, err
	}
	notificationsJSON, err := json.Marshal(blob.Notifications)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"local_apps":        string(submittedJSON),
		"pending_approval":  string(pendingJSON),
		"settings":          string(settingsJSON),
		"notifications":     compressAndEncode(notificationsJSON),
	}, nil
}

func decodeState(data map[string]string) (StateBlob, error) {
	blob := StateBlob{Settings: model.DefaultSettings()}
	if raw, ok := data["local_apps"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &blob.Submitted); err != nil {
			return StateBlob{}, fmt.Errorf("decode local_apps: %w", err)
		}
	}
	if raw, ok := data["pending_approval"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &blob.PendingApproval); err != nil {
			return StateBlob{}, fmt.Errorf("decode pending_approval: %w", err)
		}
	}
	if raw, ok := data["settings"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &blob.Settings); err != nil {
			return StateBlob{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	if raw, ok := data["notifications"]; ok && raw != "" {
		decoded, err := decompressAndDecode(raw)
		if err != nil {
			return StateBlob{}, fmt.Errorf("decode notifications: %w", err)
		}
		if len(decoded) > 0 {
			if err := json.Unmarshal(decoded, &blob.Notifications); err != nil {
				return StateBlob{}, fmt.Errorf("unmarshal notifications: %w", err)
			}
		}
	}
	return blob, nil
}

// compressAndEncode lz4-compresses raw JSON and base64-encodes it so
// it can live in a ConfigMap's string-typed data map.
func compressAndEncode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	buf := make([]byte, lz4.CompressBlockBound(len(raw)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(raw, buf)
	if err != nil || n == 0 {
		// Incompressible or empty input: lz4 requires a non-trivial
		// block, so fall back to storing the raw bytes with a marker.
		return "raw:" + base64.StdEncoding.EncodeToString(raw)
	}
	return "lz4:" + base64.StdEncoding.EncodeToString(buf[:n])
}

func decompressAndDecode(encoded string) ([]byte, error) {
	switch {
	case len(encoded) >= 4 && encoded[:4] == "raw:":
		return base64.StdEncoding.DecodeString(encoded[4:])
	case len(encoded) >= 4 && encoded[:4] == "lz4:":
		compressed, err := base64.StdEncoding.DecodeString(encoded[4:])
		if err != nil {
			return nil, err
		}
		// Notification ring is bounded (model.NotificationRingSize
		// entries), so a generous fixed-size decompression buffer is
		// simpler than round-tripping the uncompressed size.
		out := make([]byte, 1<<20)
		n, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case encoded == "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unrecognized notification encoding prefix")
	}
}

// MaterialFromSensitive converts a loaded SensitiveBlob into
// credential.Material plus the invite token, for handing to
// credential.Load at startup.
func MaterialFromSensitive(blob SensitiveBlob) (credential.Material, string) {
	return credential.Material{
		CACertPEM:   []byte(blob.CAPEM),
		CAKeyPEM:    []byte(blob.CAKey),
		LeafCertPEM: []byte(blob.LeafPEM),
		LeafKeyPEM:  []byte(blob.LeafKey),
	}, blob.InviteToken
}
