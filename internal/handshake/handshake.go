// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the invite-token trust bootstrap (C4):
// an initiator and a responder exchange CA certificates, the
// responder verifies and single-use-redeems the invite token, and
// both sides pin the other's CA PEM into a new peer record.
//
// Grounded on original_source/porpulsion/peering.py's handshake route
// handlers (same exchange shape: declare self_url/invite_token/name,
// receive the other side's CA PEM/self_url/name back), re-expressed as
// two plain functions operating on typed requests/responses instead of
// Flask routes reading/writing porpulsion/state.py's module dicts
// directly. Error reporting follows Trust category via
// internal/apierr rather than the original's mix of HTTP abort() calls
// and bare exceptions.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/porpulsion/porpulsion/internal/apierr"
	"github.com/porpulsion/porpulsion/internal/credential"
	"github.com/porpulsion/porpulsion/internal/model"
	"github.com/porpulsion/porpulsion/internal/registry"
)

// Timeout bounds the whole handshake exchange, : "A
// timeout (e.g. 15 s) applies to the whole exchange."
const Timeout = 15 * time.Second

// WireRequest is the JSON body POSTed to the peer-facing `/peer`
// endpoint. Name is the identifier the initiator wants the responder
// to key its new peer record by — prose names only
// self_url/invite_token/expected_fingerprint as the *local* REST
// request, but the responder "inserts a peer record ... keyed by
// operator-supplied name" (step 4), which is only possible if name
// travels with the wire request; expected_fingerprint is the
// initiator's own out-of-band check and never leaves the initiator.
type WireRequest struct {
	SelfURL     string `json:"self_url"`
	InviteToken string `json:"invite_token"`
	Name        string `json:"name"`
	CAPEM       string `json:"ca_pem"`
}

// WireResponse is the JSON body the responder returns.
type WireResponse struct {
	CAPEM       string `json:"ca_pem"`
	SelfURL     string `json:"self_url"`
	Name        string `json:"name"`
	InviteToken string `json:"invite_token"`
}

// Service implements both sides of the exchange for one agent.
type Service struct {
	AgentName string
	SelfURL   string
	Cred      *credential.Store
	Registry  *registry.Registry
	Client    *http.Client
}

// NewService constructs a Service, defaulting Client to one with the
// handshake timeout if none is supplied.
func NewService(agentName, selfURL string, cred *credential.Store, reg *registry.Registry, client *http.Client) *Service {
	if client == nil {
		client = &http.Client{Timeout: Timeout}
	}
	return &Service{AgentName: agentName, SelfURL: selfURL, Cred: cred, Registry: reg, Client: client}
}

// ServeInvite is the responder side of the exchange, called from the
// peer-facing `POST /peer` handler.
func (s *Service) ServeInvite(ctx context.Context, req WireRequest) (WireResponse, *apierr.Error) {
	if req.Name == "" || req.SelfURL == "" || req.CAPEM == "" {
		return WireResponse{}, apierr.New(apierr.KindValidation, "invalid_request", "self_url, name, and ca_pem are required")
	}

	newToken, err := s.Cred.Redeem(req.InviteToken)
	if err != nil {
		return WireResponse{}, apierr.New(apierr.KindTrust, "invite_token_invalid", "invite token is invalid or already used")
	}

	requesterFingerprint, err := credential.Fingerprint([]byte(req.CAPEM))
	if err != nil {
		return WireResponse{}, apierr.New(apierr.KindValidation, "invalid_ca_pem", "ca_pem does not contain a valid certificate")
	}

	if existing, ok := s.Registry.GetPeer(req.Name); ok && existing.CAFingerprint != "" && existing.CAFingerprint != requesterFingerprint {
		return WireResponse{}, apierr.New(apierr.KindTrust, "fingerprint_collision", fmt.Sprintf("peer %q already pinned to a different CA fingerprint", req.Name))
	}
	for name, peer := range s.snapshotPeersByFingerprint() {
		if peer == requesterFingerprint && name != req.Name {
			return WireResponse{}, apierr.New(apierr.KindTrust, "fingerprint_collision", fmt.Sprintf("CA fingerprint already pinned to peer %q", name))
		}
	}

	peer := model.Peer{
		Name:          req.Name,
		URL:           req.SelfURL,
		CAPEM:         req.CAPEM,
		CAFingerprint: requesterFingerprint,
		Status:        model.PeerAwaitingConfirmation,
	}
	if err := s.Registry.UpsertPeer(ctx, peer); err != nil {
		return WireResponse{}, apierr.Wrap(apierr.KindFatal, "persist_peer_failed", err)
	}

	return WireResponse{
		CAPEM:       string(s.Cred.GetCaPem()),
		SelfURL:     s.SelfURL,
		Name:        s.AgentName,
		InviteToken: newToken,
	}, nil
}

func (s *Service) snapshotPeersByFingerprint() map[string]string {
	snap := s.Registry.Snapshot()
	out := make(map[string]string, len(snap.Peers))
	for _, p := range snap.Peers {
		out[p.Name] = p.CAFingerprint
	}
	return out
}

// InitiateRequest is the local REST request body for `POST
// /peers/connect`.
type InitiateRequest struct {
	URL                string `json:"url"`
	InviteToken        string `json:"invite_token"`
	ExpectedFingerprint string `json:"expected_fingerprint"`
	Name               string `json:"name"`
}

// Initiate is the initiator side: dial the remote's handshake
// endpoint, verify the returned CA against the out-of-band
// fingerprint, and pin a new peer record on success. No peer is
// stored on any error path.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (model.Peer, *apierr.Error) {
	if req.URL == "" || req.InviteToken == "" || req.ExpectedFingerprint == "" || req.Name == "" {
		return model.Peer{}, apierr.New(apierr.KindValidation, "invalid_request", "url, invite_token, expected_fingerprint, and name are required")
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	wireReq := WireRequest{
		SelfURL:     s.SelfURL,
		InviteToken: req.InviteToken,
		Name:        s.AgentName,
		CAPEM:       string(s.Cred.GetCaPem()),
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return model.Peer{}, apierr.Wrap(apierr.KindFatal, "marshal_request_failed", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL+"/peer", bytes.NewReader(body))
	if err != nil {
		return model.Peer{}, apierr.Wrap(apierr.KindValidation, "invalid_url", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return model.Peer{}, apierr.Wrap(apierr.KindTransport, "handshake_unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Peer{}, apierr.Wrap(apierr.KindTransport, "handshake_read_failed", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return model.Peer{}, apierr.New(apierr.KindTrust, "invite_token_invalid", "remote rejected the invite token")
	}
	if resp.StatusCode != http.StatusOK {
		return model.Peer{}, apierr.New(apierr.KindTransport, "handshake_failed", fmt.Sprintf("remote returned status %d", resp.StatusCode))
	}

	var wireResp WireResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return model.Peer{}, apierr.Wrap(apierr.KindTransport, "handshake_decode_failed", err)
	}

	actualFingerprint, err := credential.Fingerprint([]byte(wireResp.CAPEM))
	if err != nil {
		return model.Peer{}, apierr.New(apierr.KindValidation, "invalid_ca_pem", "remote returned an invalid CA certificate")
	}
	if !fingerprintsEqual(actualFingerprint, req.ExpectedFingerprint) {
		return model.Peer{}, apierr.New(apierr.KindTrust, "fingerprint_mismatch", "remote CA fingerprint does not match the expected fingerprint")
	}

	peer := model.Peer{
		Name:          req.Name,
		URL:           wireResp.SelfURL,
		CAPEM:         wireResp.CAPEM,
		CAFingerprint: actualFingerprint,
		Status:        model.PeerConnecting,
	}
	if err := s.Registry.UpsertPeer(ctx, peer); err != nil {
		return model.Peer{}, apierr.Wrap(apierr.KindFatal, "persist_peer_failed", err)
	}
	return peer, nil
}

// fingerprintsEqual compares two colon-hex fingerprints
// case-insensitively; operators may paste an upper- or lower-case
// fingerprint from another tool's output.
func fingerprintsEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
