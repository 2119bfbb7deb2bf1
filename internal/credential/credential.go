// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential implements the agent's trust root: a self-signed
// CA keypair, a leaf keypair signed by it, and a single-use invite
// token. This is component C1 of the agent: //
// Generation is grounded on original_source/porpulsion/tls.py's
// generate_ca_and_leaf_cert — same key sizes, validity windows, and
// SAN handling, re-expressed with crypto/x509 instead of the
// `cryptography` library. Private key material is held in
// lib/secret.Buffer (mmap, mlocked, excluded from core dumps) for the
// lifetime of the process, mirroring how lib/sealed holds age private
// keys.
package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/porpulsion/porpulsion/lib/secret"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	rsaKeyBits   = 2048

	// inviteTokenBytes is 32 bytes = 256 bits, comfortably over the
	// "≥128 bits of entropy" floor.
	inviteTokenBytes = 32
)

// Material is the CA + leaf keypair and their PEM encodings, as
// persisted to and loaded from internal/store. The private keys are
// never exposed directly — only PEM bytes for cases that must leave
// the process (writing to the persistence layer) and secret.Buffer
// handles for in-memory use.
type Material struct {
	CACertPEM   []byte
	CAKeyPEM    []byte
	LeafCertPEM []byte
	LeafKeyPEM  []byte
}

// Store is the credential store for one agent: generates or loads the
// CA/leaf material on construction, computes the CA fingerprint, and
// owns the single active invite token.
//
// Store is safe for concurrent use. The CA and leaf keys are
// write-once for the process lifetime; only the invite token mutates,
// under mu, so Redeem and RotateInviteToken can race safely.
type Store struct {
	mu sync.Mutex

	material    Material
	fingerprint string // lowercase hex with colons, e.g. "ab:cd:..."

	caKey   *secret.Buffer // PEM bytes of the CA private key
	leafKey *secret.Buffer // PEM bytes of the leaf private key

	inviteToken *secret.Buffer // current active token, hex-encoded

	// persist is called after every mutation that must survive a
	// restart (token rotation). Supplied by internal/store; nil is
	// valid for tests that don't care about persistence.
	persist func(Material, string) error
}

// LoadOrGenerateConfig supplies the inputs Load needs: either existing
// material loaded from persistence, or enough identity information to
// generate fresh material.
type LoadOrGenerateConfig struct {
	// Existing, from persistence. If CACertPEM is non-empty the rest
	// of Material must be complete; Load does not mix loaded and
	// generated key material for the same keypair.
	Existing Material
	// ExistingInviteToken is the persisted invite token, if any. If
	// empty, a fresh token is generated.
	ExistingInviteToken string

	AgentName string
	SelfIP    string // included as an IP SAN on the leaf cert, may be empty

	// Persist is called after generation (and after every token
	// rotation) so the caller can write the updated material back to
	// the Secret. May be nil.
	Persist func(Material, string) error
}

// Load constructs a Store, generating CA+leaf material and an invite
// token when the config carries none, or adopting the supplied
// material unchanged. This mirrors tls.py's load_or_generate_cert:
// generate once, reuse forever, across restarts.
func Load(cfg LoadOrGenerateConfig) (*Store, error) {
	material := cfg.Existing
	generated := false
	if len(material.CACertPEM) == 0 {
		m, err := generate(cfg.AgentName, cfg.SelfIP)
		if err != nil {
			return nil, fmt.Errorf("generate credential material: %w", err)
		}
		material = m
		generated = true
	}

	fingerprint, err := Fingerprint(material.CACertPEM)
	if err != nil {
		return nil, fmt.Errorf("compute CA fingerprint: %w", err)
	}

	caKeyBuf, err := secret.NewFromBytes(append([]byte(nil), material.CAKeyPEM...))
	if err != nil {
		return nil, fmt.Errorf("protect CA key: %w", err)
	}
	leafKeyBuf, err := secret.NewFromBytes(append([]byte(nil), material.LeafKeyPEM...))
	if err != nil {
		caKeyBuf.Close()
		return nil, fmt.Errorf("protect leaf key: %w", err)
	}

	token := cfg.ExistingInviteToken
	tokenGenerated := false
	if token == "" {
		t, err := generateInviteToken()
		if err != nil {
			caKeyBuf.Close()
			leafKeyBuf.Close()
			return nil, fmt.Errorf("generate invite token: %w", err)
		}
		token = t
		tokenGenerated = true
	}
	tokenBuf, err := secret.NewFromBytes([]byte(token))
	if err != nil {
		caKeyBuf.Close()
		leafKeyBuf.Close()
		return nil, fmt.Errorf("protect invite token: %w", err)
	}

	s := &Store{
		material:    material,
		fingerprint: fingerprint,
		caKey:       caKeyBuf,
		leafKey:     leafKeyBuf,
		inviteToken: tokenBuf,
		persist:     cfg.Persist,
	}

	if (generated || tokenGenerated) && cfg.Persist != nil {
		if err := cfg.Persist(material, token); err != nil {
			return nil, fmt.Errorf("persist generated credential material: %w", err)
		}
	}

	return s, nil
}

// Close releases the protected key material.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caKey.Close()
	s.leafKey.Close()
	s.inviteToken.Close()
	return nil
}

// GetCaPem returns the CA certificate PEM. Never panics after Load
// succeeds.
func (s *Store) GetCaPem() []byte {
	return append([]byte(nil), s.material.CACertPEM...)
}

// GetLeafPem returns the leaf certificate and key PEM, for use by the
// peer-facing HTTPS listener if one is configured independently of
// the WebSocket channel's fingerprint auth.
func (s *Store) GetLeafPem() (certPEM, keyPEM []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.material.LeafCertPEM...), append([]byte(nil), s.leafKey.Bytes()...)
}

// GetCaKeyPem returns the CA private key PEM, for writing the sensitive
// blob back to internal/store. Callers must not retain or log it.
func (s *Store) GetCaKeyPem() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.caKey.Bytes()...)
}

// Material returns the current CA/leaf certificate and key PEM as a
// Material value, for assembling the sensitive blob that
// internal/store persists.
func (s *Store) Material() Material {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Material{
		CACertPEM:   append([]byte(nil), s.material.CACertPEM...),
		CAKeyPEM:    append([]byte(nil), s.caKey.Bytes()...),
		LeafCertPEM: append([]byte(nil), s.material.LeafCertPEM...),
		LeafKeyPEM:  append([]byte(nil), s.leafKey.Bytes()...),
	}
}

// GetFingerprint returns the CA fingerprint as lowercase colon-hex.
func (s *Store) GetFingerprint() string {
	return s.fingerprint
}

// CurrentInviteToken returns the active invite token.
func (s *Store) CurrentInviteToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviteToken.String()
}

// RotateInviteToken atomically replaces the active token with a fresh
// one and returns it. Any Redeem racing with RotateInviteToken
// observes either the old or the new token consistently, never a
// torn value, because both operations hold mu for their duration.
func (s *Store) RotateInviteToken() (string, error) {
	newToken, err := generateInviteToken()
	if err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}

	s.mu.Lock()
	old := s.inviteToken
	buf, err := secret.NewFromBytes([]byte(newToken))
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("protect invite token: %w", err)
	}
	s.inviteToken = buf
	persist := s.persist
	material := s.material
	s.mu.Unlock()
	old.Close()

	if persist != nil {
		if err := persist(material, newToken); err != nil {
			return "", fmt.Errorf("persist rotated invite token: %w", err)
		}
	}
	return newToken, nil
}

// Redeem consumes the current invite token if it matches, rotating to
// a fresh token atomically on success. Comparison is constant-time to avoid leaking the token
// through response-time side channels.
//
// Concurrent Redeem(old) calls for the same token: exactly one
// observes a match and rotates; the other finds the token already
// rotated away and fails, because both the compare and the rotation
// happen while mu is held.
func (s *Store) Redeem(candidate string) (newToken string, err error) {
	s.mu.Lock()
	current := s.inviteToken.Bytes()
	match := len(candidate) == len(current) &&
		subtle.ConstantTimeCompare([]byte(candidate), current) == 1
	if !match {
		s.mu.Unlock()
		return "", fmt.Errorf("invite token invalid")
	}

	fresh, err := generateInviteToken()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("generate replacement invite token: %w", err)
	}
	old := s.inviteToken
	buf, err := secret.NewFromBytes([]byte(fresh))
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("protect invite token: %w", err)
	}
	s.inviteToken = buf
	persist := s.persist
	material := s.material
	s.mu.Unlock()
	old.Close()

	if persist != nil {
		if err := persist(material, fresh); err != nil {
			return "", fmt.Errorf("persist rotated invite token: %w", err)
		}
	}
	return fresh, nil
}

// Fingerprint computes the SHA-256 fingerprint of a PEM-encoded
// certificate's DER bytes, rendered as lowercase colon-separated hex
//.
func Fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("no PEM block found in certificate")
	}
	sum := sha256.Sum256(block.Bytes)
	return colonHex(sum[:]), nil
}

func colonHex(b []byte) string {
	h := hex.EncodeToString(b)
	var sb strings.Builder
	sb.Grow(len(h) + len(h)/2)
	for i := 0; i < len(h); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(h[i : i+2])
	}
	return sb.String()
}

// generate produces a fresh CA keypair and a leaf keypair signed by
// it, following tls.py's generate_ca_and_leaf_cert: RSA-2048, CA valid
// 10 years, leaf valid 1 year, leaf SAN includes the agent's DNS name
// and (if given) its IP.
func generate(agentName, selfIP string) (Material, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return Material{}, fmt.Errorf("generate CA key: %w", err)
	}

	// The leaf certificate's serial number entropy is derived from a
	// single CSPRNG read via hkdf.Expand rather than a second
	// independent crypto/rand draw, the same style lib/sealed and
	// lib/secret use for deriving related values from one seed instead
	// of ad hoc rand slicing.
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return Material{}, fmt.Errorf("read serial seed: %w", err)
	}
	caSerial, err := randomSerial(seed, "ca-serial")
	if err != nil {
		return Material{}, err
	}

	caTemplate := &x509.Certificate{
		SerialNumber: caSerial,
		Subject: pkix.Name{
			CommonName:   agentName + "-ca",
			Organization: []string{"porpulsion"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return Material{}, fmt.Errorf("create CA certificate: %w", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return Material{}, fmt.Errorf("generate leaf key: %w", err)
	}
	leafSerial, err := randomSerial(seed, "leaf-serial")
	if err != nil {
		return Material{}, err
	}

	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return Material{}, fmt.Errorf("parse generated CA certificate: %w", err)
	}

	leafTemplate := leafTemplateFor(leafSerial, agentName, selfIP)
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return Material{}, fmt.Errorf("create leaf certificate: %w", err)
	}

	return Material{
		CACertPEM:   pemEncode("CERTIFICATE", caDER),
		CAKeyPEM:    pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caKey)),
		LeafCertPEM: pemEncode("CERTIFICATE", leafDER),
		LeafKeyPEM:  pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey)),
	}, nil
}

func leafTemplateFor(serial *big.Int, agentName, selfIP string) *x509.Certificate {
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   agentName,
			Organization: []string{"porpulsion"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(leafValidity),
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{agentName},
	}
	if ip := net.ParseIP(selfIP); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	}
	return tmpl
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

// randomSerial derives a certificate serial number from a shared seed
// via HKDF-Expand, keyed by a context label so the CA and leaf
// serials differ even though they share one seed.
func randomSerial(seed []byte, label string) (*big.Int, error) {
	h := hkdf.Expand(sha256.New, seed, []byte(label))
	out := make([]byte, 16)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("derive serial: %w", err)
	}
	out[0] &= 0x7f // keep serial positive per RFC 5280
	return new(big.Int).SetBytes(out), nil
}

// generateInviteToken returns a fresh, URL-safe, ≥128-bit invite
// token: hex-encoded so it is trivially copy/pasteable
// between operators without escaping.
func generateInviteToken() (string, error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
