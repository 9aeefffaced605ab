package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"lucid-network/core"
	"lucid-network/merkle"
	"lucid-network/payment"
	"lucid-network/pipeline"
)

// anchorPollInterval and anchorPollMax bound how long Submit polls the
// Anchoring Service for a confirmed result before giving up; the
// Coordinator's own anchorTimeout (2 minutes by default) is expected to fire
// first in the common case, this is only a backstop against a leaked goroutine.
const (
	anchorPollInterval = 2 * time.Second
	anchorPollMax       = 5 * time.Minute
)

// anchoringAdapter bridges the core package's AnchoringService (which never
// imports pipeline) to pipeline.AnchoringClient, translating between the two
// packages' independently-declared manifest and result shapes.
type anchoringAdapter struct {
	anchors *core.AnchoringService
	proofs  *core.MerkleProofService
}

func newAnchoringAdapter(anchors *core.AnchoringService, proofs *core.MerkleProofService) *anchoringAdapter {
	return &anchoringAdapter{anchors: anchors, proofs: proofs}
}

// Submit implements pipeline.AnchoringClient: it registers the session's
// chunk hashes with the Merkle Proof Service, submits a session-anchor
// transaction, and blocks until the Block Service confirms it to the
// required depth.
func (a *anchoringAdapter) Submit(sessionID string, m pipeline.Manifest) (pipeline.AnchorResult, error) {
	chunkHashes := make([]string, len(m.ChunkHashes))
	for i, h := range m.ChunkHashes {
		chunkHashes[i] = hex.EncodeToString(h)
	}

	if a.proofs != nil {
		if err := a.proofs.RegisterSession(sessionID, merkle.AlgorithmBLAKE3, chunkHashes); err != nil {
			return pipeline.AnchorResult{}, fmt.Errorf("register session for proofs: %w", err)
		}
	}

	if _, err := a.anchors.Submit(core.ManifestInput{
		SessionID:   sessionID,
		Owner:       m.UserID,
		MerkleRoot:  hex.EncodeToString(m.MerkleRoot),
		ChunkCount:  m.TotalChunks,
		TotalSize:   m.TotalSizeBytes,
		CreatedAt:   m.CreatedAt,
		ChunkHashes: chunkHashes,
	}); err != nil {
		return pipeline.AnchorResult{}, err
	}

	deadline := time.Now().Add(anchorPollMax)
	ticker := time.NewTicker(anchorPollInterval)
	defer ticker.Stop()
	for {
		if res, err := a.anchors.Result(sessionID); err == nil {
			root, decodeErr := hex.DecodeString(res.AnchoredRoot)
			if decodeErr != nil {
				return pipeline.AnchorResult{}, decodeErr
			}
			return pipeline.AnchorResult{
				BlockHeight:       res.BlockHeight,
				BlockID:           res.BlockID,
				TransactionID:     res.TransactionID,
				AnchoredRoot:      root,
				AnchoredAt:        res.AnchoredAt,
				ConfirmationCount: res.ConfirmationCount,
				Verified:          res.Verified,
			}, nil
		}
		if time.Now().After(deadline) {
			return pipeline.AnchorResult{}, fmt.Errorf("cmd/lucid-node: anchor for session %s not confirmed within %s", sessionID, anchorPollMax)
		}
		<-ticker.C
	}
}

// paymentGateAdapter bridges payment.Acceptor to pipeline.PaymentGate.
type paymentGateAdapter struct {
	acceptor *payment.Acceptor
}

func newPaymentGateAdapter(acceptor *payment.Acceptor) *paymentGateAdapter {
	return &paymentGateAdapter{acceptor: acceptor}
}

// IsConfirmed implements pipeline.PaymentGate by looking up the latest
// payment request linked to sessionID and reporting whether it has reached
// CONFIRMED.
func (g *paymentGateAdapter) IsConfirmed(sessionID string) (bool, error) {
	req, err := g.acceptor.BySessionID(sessionID)
	if err != nil {
		return false, err
	}
	return req.Status == payment.StatusConfirmed, nil
}
