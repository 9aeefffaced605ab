package core

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lucid-network/merkle"
)

var (
	ErrBlockNotFound       = errors.New("core: block not found")
	ErrStructuralShape     = errors.New("core: block fails structural validation")
	ErrTimestampSkew       = errors.New("core: block timestamp outside acceptable skew of parent")
	ErrMerkleMismatch      = errors.New("core: block merkle root does not match transaction list")
	ErrTransactionInvalid  = errors.New("core: a transaction in the block failed isolated validation")
	ErrParentMismatch      = errors.New("core: block previous-hash does not link to its parent")
	ErrConsensusMalformed  = errors.New("core: block consensus record is malformed")
)

// MaxTimestampSkew scales the timestamp check in ValidateBlock: a block's
// timestamp may not precede its parent's and may run at most
// 100 × MaxTimestampSkew ahead of it.
const MaxTimestampSkew = 2 * time.Minute

// BlockService orders transactions into blocks, validates proposed blocks
// against the six-point check of spec §4.9, and exposes block queries. It
// is the sole owner of Block and Transaction storage.
type BlockService struct {
	mu          sync.Mutex
	blocksByID  map[string]*Block
	byHeight    map[uint64]*Block
	pending     []*Transaction
	log         *logrus.Logger
	onConfirmed []func(*Block)
}

// NewBlockService constructs a BlockService seeded with the genesis block.
func NewBlockService(log *logrus.Logger) *BlockService {
	if log == nil {
		log = logrus.New()
	}
	bs := &BlockService{
		blocksByID: make(map[string]*Block),
		byHeight:   make(map[uint64]*Block),
		log:        log,
	}
	genesis := &Block{
		Header: BlockHeader{
			Version:    1,
			Height:     0,
			PrevHash:   ZeroHash,
			MerkleRoot: ZeroHash,
			Timestamp:  time.Unix(0, 0).UTC(),
		},
		Status: BlockFinalized,
	}
	genesis.ID = BlockID(genesis.Header)
	bs.blocksByID[genesis.ID] = genesis
	bs.byHeight[0] = genesis
	return bs
}

// OnBlockConfirmed registers a callback invoked whenever a block
// transitions to CONFIRMED (the Anchoring Service subscribes through this).
func (bs *BlockService) OnBlockConfirmed(fn func(*Block)) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onConfirmed = append(bs.onConfirmed, fn)
}

// SubmitTransaction enqueues tx for inclusion in a future block. Implements
// BlockSubmitter for the Anchoring Service.
func (bs *BlockService) SubmitTransaction(tx *Transaction) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.pending = append(bs.pending, tx)
	return nil
}

// Latest returns the highest-height block.
func (bs *BlockService) Latest() *Block {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var max uint64
	var latest *Block
	for h, b := range bs.byHeight {
		if latest == nil || h > max {
			max = h
			latest = b
		}
	}
	return latest
}

// ByID returns the block with the given id.
func (bs *BlockService) ByID(id string) (*Block, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.blocksByID[id]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return b, nil
}

// ByHeight returns the block at the given height.
func (bs *BlockService) ByHeight(height uint64) (*Block, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byHeight[height]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return b, nil
}

// Range returns blocks in [from, to] inclusive, ordered by height.
func (bs *BlockService) Range(from, to uint64) []*Block {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var out []*Block
	for h := from; h <= to; h++ {
		if b, ok := bs.byHeight[h]; ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header.Height < out[j].Header.Height })
	return out
}

// BySessionAnchor returns the block containing the session-anchor
// transaction for sessionID, if any has been confirmed.
func (bs *BlockService) BySessionAnchor(sessionID string) (*Block, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, b := range bs.blocksByID {
		for _, txID := range b.SessionAnchors {
			tx, ok := findTx(b, txID)
			if !ok {
				continue
			}
			var payload SessionAnchorPayload
			if err := unmarshalPayload(tx.Payload, &payload); err == nil && payload.SessionID == sessionID {
				return b, nil
			}
		}
	}
	return nil, ErrBlockNotFound
}

func findTx(b *Block, id string) (*Transaction, bool) {
	for _, tx := range b.Transactions {
		if tx.ID == id {
			return tx, true
		}
	}
	return nil, false
}

// ValidateBlock runs the six-point check of spec §4.9 against candidate,
// proposed as the child of parent.
func (bs *BlockService) ValidateBlock(candidate *Block, parent *Block) error {
	if candidate == nil || parent == nil {
		return ErrStructuralShape
	}
	if candidate.Header.MerkleRoot == "" || candidate.ID == "" {
		return ErrStructuralShape
	}
	if candidate.Header.Height != 0 && candidate.Header.Height != parent.Header.Height+1 {
		return ErrStructuralShape
	}

	skew := candidate.Header.Timestamp.Sub(parent.Header.Timestamp)
	if skew < 0 || skew > MaxTimestampSkew*100 {
		// generous upper bound: blocks may be sparse; only reject clearly
		// out-of-order or absurdly-future timestamps.
		return ErrTimestampSkew
	}

	root, err := computeTxMerkleRoot(candidate.Transactions)
	if err != nil {
		return err
	}
	if root != candidate.Header.MerkleRoot {
		return ErrMerkleMismatch
	}

	for _, tx := range candidate.Transactions {
		if err := validateTransaction(tx); err != nil {
			return ErrTransactionInvalid
		}
	}

	if candidate.Header.Height == 0 {
		if candidate.Header.PrevHash != ZeroHash {
			return ErrParentMismatch
		}
	} else if candidate.Header.PrevHash != parent.ID {
		return ErrParentMismatch
	}

	if candidate.Consensus == nil || candidate.Consensus.RoundID == "" {
		return ErrConsensusMalformed
	}

	return nil
}

func validateTransaction(tx *Transaction) error {
	if tx == nil || tx.ID == "" || len(tx.Payload) == 0 {
		return ErrTransactionInvalid
	}
	expected := TransactionID(tx.Type, tx.Payload, tx.Signature)
	if expected != tx.ID {
		return ErrTransactionInvalid
	}
	return nil
}

func unmarshalPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// computeTxMerkleRoot builds a Merkle tree over the transaction list (one
// leaf per tx.ID) using the same builder the session pipeline uses over
// chunk hashes, so block-level and session-level roots share one
// reduction rule.
func computeTxMerkleRoot(txs []*Transaction) (string, error) {
	if len(txs) == 0 {
		return ZeroHash, nil
	}
	b, err := merkle.NewBuilder(merkle.AlgorithmBLAKE3)
	if err != nil {
		return "", err
	}
	for _, tx := range txs {
		if _, err := b.AddLeaf([]byte(tx.ID)); err != nil {
			return "", err
		}
	}
	desc, err := b.Finalize()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(desc.Root), nil
}

// Confirm transitions candidate to CONFIRMED after it passes ValidateBlock
// against the current chain tip, links it into the chain, and notifies
// subscribers (the Anchoring Service among them).
func (bs *BlockService) Confirm(candidate *Block) error {
	bs.mu.Lock()
	parent, ok := bs.byHeight[candidate.Header.Height-1]
	if candidate.Header.Height == 0 {
		parent = candidate // genesis is self-referential for validation purposes only
	}
	bs.mu.Unlock()
	if !ok && candidate.Header.Height != 0 {
		return ErrParentMismatch
	}

	if err := bs.ValidateBlock(candidate, parent); err != nil {
		return err
	}

	for _, txID := range sessionAnchorIDs(candidate.Transactions) {
		candidate.SessionAnchors = append(candidate.SessionAnchors, txID)
	}
	candidate.Status = BlockConfirmed
	candidate.ConfirmCount = 1

	bs.mu.Lock()
	bs.blocksByID[candidate.ID] = candidate
	bs.byHeight[candidate.Header.Height] = candidate
	callbacks := append([]func(*Block){}, bs.onConfirmed...)
	bs.mu.Unlock()

	for _, cb := range callbacks {
		cb(candidate)
	}
	return nil
}

func sessionAnchorIDs(txs []*Transaction) []string {
	var ids []string
	for _, tx := range txs {
		if tx.Type == TxSessionAnchor {
			ids = append(ids, tx.ID)
		}
	}
	return ids
}

// AddConfirmation records an additional confirmation for a block already
// stored at its height (e.g. from a later poll), re-notifying subscribers
// so the Anchoring Service can observe the increased depth.
func (bs *BlockService) AddConfirmation(height uint64) error {
	bs.mu.Lock()
	b, ok := bs.byHeight[height]
	if !ok {
		bs.mu.Unlock()
		return ErrBlockNotFound
	}
	b.ConfirmCount++
	callbacks := append([]func(*Block){}, bs.onConfirmed...)
	bs.mu.Unlock()

	for _, cb := range callbacks {
		cb(b)
	}
	return nil
}
