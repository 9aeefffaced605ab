package core

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// ManifestInput is what the Anchoring Service accepts from the session
// pipeline: the fields of a finalized session manifest, decoupled from the
// pipeline package's own Manifest type so core never imports it (the
// pipeline owns AnchoringClient as an interface; a small adapter in the
// daemon entry point bridges the two).
type ManifestInput struct {
	SessionID    string
	Owner        string
	MerkleRoot   string
	ChunkCount   uint64
	TotalSize    uint64
	CreatedAt    time.Time
	ChunkHashes  []string
}

// AnchorResult mirrors what the pipeline records once a session anchors.
type AnchorResult struct {
	BlockHeight       uint64
	BlockID           string
	TransactionID     string
	AnchoredRoot      string
	AnchoredAt        time.Time
	ConfirmationCount int
	Verified          bool
}

var (
	ErrManifestMissingRoot = errors.New("core: manifest missing merkle root")
	ErrAnchorNotFound      = errors.New("core: no anchor tracked for session")
)

// manifestHash computes the canonical-serialization hash used both for the
// session-anchor payload's manifest_hash field and for transaction id
// derivation.
func manifestHash(m ManifestInput) ([]byte, error) {
	canon, err := CanonicalJSON(struct {
		SessionID   string   `json:"session_id"`
		Owner       string   `json:"owner"`
		MerkleRoot  string   `json:"merkle_root"`
		ChunkCount  uint64   `json:"chunk_count"`
		TotalSize   uint64   `json:"total_size_bytes"`
		CreatedAt   string   `json:"created_at"`
		ChunkHashes []string `json:"chunk_hashes"`
	}{
		SessionID:   m.SessionID,
		Owner:       m.Owner,
		MerkleRoot:  m.MerkleRoot,
		ChunkCount:  m.ChunkCount,
		TotalSize:   m.TotalSize,
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
		ChunkHashes: m.ChunkHashes,
	})
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(canon)
	return sum[:], nil
}

// BlockSubmitter is the narrow capability the Anchoring Service needs from
// the Block Service: enqueue a transaction for inclusion in a future block.
type BlockSubmitter interface {
	SubmitTransaction(tx *Transaction) error
}

// AnchoringService converts finalized session manifests into session-anchor
// transactions, tracks them through confirmation, and attaches the
// resulting AnchorResult once the block reaches the required confirmation
// depth.
type AnchoringService struct {
	mu                    sync.Mutex
	blocks                BlockSubmitter
	requiredConfirmations int
	log                   *logrus.Logger

	byManifestHash map[string]string // hex manifest hash -> transaction id, for idempotent resubmission
	txs            map[string]*Transaction
	results        map[string]AnchorResult // session id -> anchor, once confirmed
}

// NewAnchoringService constructs an AnchoringService.
func NewAnchoringService(blocks BlockSubmitter, requiredConfirmations int, log *logrus.Logger) *AnchoringService {
	if log == nil {
		log = logrus.New()
	}
	return &AnchoringService{
		blocks:                blocks,
		requiredConfirmations: requiredConfirmations,
		log:                   log,
		byManifestHash:        make(map[string]string),
		txs:                   make(map[string]*Transaction),
		results:               make(map[string]AnchorResult),
	}
}

// Submit converts m into a session-anchor transaction and enqueues it.
// Submitting the same manifest twice yields the same transaction id, so
// duplicate submissions coalesce rather than double-submitting.
func (s *AnchoringService) Submit(m ManifestInput) (*Transaction, error) {
	if m.MerkleRoot == "" {
		return nil, ErrManifestMissingRoot
	}
	mh, err := manifestHash(m)
	if err != nil {
		return nil, err
	}
	mhHex := hex.EncodeToString(mh)

	s.mu.Lock()
	if txID, ok := s.byManifestHash[mhHex]; ok {
		tx := s.txs[txID]
		s.mu.Unlock()
		return tx, nil
	}
	s.mu.Unlock()

	payload := SessionAnchorPayload{
		SessionID:    m.SessionID,
		Owner:        m.Owner,
		MerkleRoot:   m.MerkleRoot,
		ChunkCount:   m.ChunkCount,
		TotalSize:    m.TotalSize,
		ManifestHash: mhHex,
	}
	canonPayload, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	txID := TransactionID(TxSessionAnchor, canonPayload, nil)
	tx := &Transaction{
		ID:          txID,
		Type:        TxSessionAnchor,
		Payload:     canonPayload,
		SubmittedAt: time.Now().UTC(),
		Status:      TxPending,
	}

	s.mu.Lock()
	s.byManifestHash[mhHex] = txID
	s.txs[txID] = tx
	s.mu.Unlock()

	if err := s.blocks.SubmitTransaction(tx); err != nil {
		s.mu.Lock()
		delete(s.byManifestHash, mhHex)
		delete(s.txs, txID)
		s.mu.Unlock()
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"session_id": m.SessionID, "tx_id": txID}).Info("session anchor submitted")
	return tx, nil
}

// OnBlockConfirmed is invoked by the Block Service whenever a block
// reaches CONFIRMED, so the Anchoring Service can advance any of its
// tracked transactions included in that block.
func (s *AnchoringService) OnBlockConfirmed(block *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, included := range block.Transactions {
		tx, ok := s.txs[included.ID]
		if !ok || tx.Type != TxSessionAnchor {
			continue
		}
		tx.Status = TxConfirmed
		height := block.Header.Height
		tx.BlockHeight = &height
		tx.ConfirmCount = block.ConfirmCount

		if block.ConfirmCount < s.requiredConfirmations {
			continue
		}

		var payload SessionAnchorPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			s.log.WithError(err).Error("failed to decode session anchor payload")
			continue
		}
		s.results[payload.SessionID] = AnchorResult{
			BlockHeight:       height,
			BlockID:           block.ID,
			TransactionID:     tx.ID,
			AnchoredRoot:      payload.MerkleRoot,
			AnchoredAt:        time.Now().UTC(),
			ConfirmationCount: block.ConfirmCount,
			Verified:          true,
		}
	}
}

// Result returns the anchor for sessionID once confirmed, or
// ErrAnchorNotFound.
func (s *AnchoringService) Result(sessionID string) (AnchorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[sessionID]
	if !ok {
		return AnchorResult{}, ErrAnchorNotFound
	}
	return r, nil
}
