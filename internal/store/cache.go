// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/porpulsion/porpulsion/lib/sealed"
	"github.com/porpulsion/porpulsion/lib/secret"
)

// Cache is the local on-disk crash-recovery fallback: if the
// Kubernetes API is unreachable at startup, the agent reads the last
// sensitive blob it successfully
// wrote from this file instead of starting with a freshly generated
// (and therefore unrecognized-by-peers) CA. The blob is encrypted at
// rest with an age keypair generated once and stored alongside it —
// this only protects against reading the cache from a different
// account on the same host, not against root or disk-image access,
// which the in-cluster Secret already assumes as its threat model.
type Cache struct {
	dir        string
	privateKey *secret.Buffer // age identity string, AGE-SECRET-KEY-1...
	publicKey  string
}

const cacheFileName = "credentials.cache"
const cacheKeyFileName = "cache.key"

// OpenCache loads or generates the local cache's age keypair under
// dir, creating dir if necessary.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	keyPath := filepath.Join(dir, cacheKeyFileName)
	privBuf, err := secret.ReadFromPath(keyPath)
	switch {
	case err == nil:
		identity, parseErr := age.ParseX25519Identity(privBuf.String())
		if parseErr != nil {
			privBuf.Close()
			return nil, fmt.Errorf("parse cached age identity: %w", parseErr)
		}
		return &Cache{dir: dir, privateKey: privBuf, publicKey: identity.Recipient().String()}, nil
	case os.IsNotExist(err):
		kp, genErr := sealed.GenerateKeypair()
		if genErr != nil {
			return nil, fmt.Errorf("generate cache keypair: %w", genErr)
		}
		if writeErr := os.WriteFile(keyPath, kp.PrivateKey.Bytes(), 0o600); writeErr != nil {
			kp.Close()
			return nil, fmt.Errorf("write cache key: %w", writeErr)
		}
		return &Cache{dir: dir, privateKey: kp.PrivateKey, publicKey: kp.PublicKey}, nil
	default:
		return nil, fmt.Errorf("read cache key: %w", err)
	}
}

// Close releases the cache's protected key material.
func (c *Cache) Close() error {
	if c.privateKey != nil {
		return c.privateKey.Close()
	}
	return nil
}

type cacheFile struct {
	Ciphertext string `json:"ciphertext"`
}

// SaveSensitive encrypts and writes the sensitive blob to disk.
func (c *Cache) SaveSensitive(blob SensitiveBlob) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal blob: %w", err)
	}
	ciphertext, err := sealed.EncryptJSON(raw, []string{c.publicKey})
	if err != nil {
		return fmt.Errorf("encrypt blob: %w", err)
	}
	encoded, err := json.Marshal(cacheFile{Ciphertext: ciphertext})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, cacheFileName), encoded, 0o600)
}

// LoadSensitive reads and decrypts the cached sensitive blob. Returns
// ok=false if no cache file exists yet (not an error — this is the
// normal state on first boot).
func (c *Cache) LoadSensitive() (SensitiveBlob, bool, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, cacheFileName))
	if os.IsNotExist(err) {
		return SensitiveBlob{}, false, nil
	}
	if err != nil {
		return SensitiveBlob{}, false, fmt.Errorf("read cache file: %w", err)
	}
	var file cacheFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return SensitiveBlob{}, false, fmt.Errorf("unmarshal cache file: %w", err)
	}
	plaintext, err := sealed.DecryptJSON(file.Ciphertext, c.privateKey)
	if err != nil {
		return SensitiveBlob{}, false, fmt.Errorf("decrypt cache file: %w", err)
	}
	defer plaintext.Close()
	var blob SensitiveBlob
	if err := json.Unmarshal(plaintext.Bytes(), &blob); err != nil {
		return SensitiveBlob{}, false, fmt.Errorf("unmarshal cached blob: %w", err)
	}
	return blob, true, nil
}
