package core

import (
	"encoding/json"
	"testing"
	"time"
)

func validConsensus() *ConsensusRecord {
	return &ConsensusRecord{RoundID: "round-1"}
}

func buildChildBlock(t *testing.T, parent *Block, txs []*Transaction) *Block {
	t.Helper()
	root, err := computeTxMerkleRoot(txs)
	if err != nil {
		t.Fatalf("computeTxMerkleRoot: %v", err)
	}
	header := BlockHeader{
		Version:    1,
		Height:     parent.Header.Height + 1,
		PrevHash:   parent.ID,
		MerkleRoot: root,
		Timestamp:  parent.Header.Timestamp.Add(time.Second),
	}
	return &Block{
		Header:       header,
		ID:           BlockID(header),
		Transactions: txs,
		Consensus:    validConsensus(),
	}
}

func stateUpdateTx(t *testing.T, payload string) *Transaction {
	t.Helper()
	p := []byte(payload)
	return &Transaction{ID: TransactionID(TxStateUpdate, p, nil), Type: TxStateUpdate, Payload: p}
}

func TestNewBlockServiceSeedsGenesis(t *testing.T) {
	bs := NewBlockService(nil)
	genesis, err := bs.ByHeight(0)
	if err != nil {
		t.Fatalf("expected genesis at height 0, got %v", err)
	}
	if genesis.Header.PrevHash != ZeroHash || genesis.Header.MerkleRoot != ZeroHash {
		t.Fatalf("expected genesis to use ZeroHash placeholders, got %+v", genesis.Header)
	}
	if genesis.Status != BlockFinalized {
		t.Fatalf("expected genesis to start finalized, got %s", genesis.Status)
	}
}

func TestConfirmAcceptsValidChildBlock(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})

	if err := bs.Confirm(child); err != nil {
		t.Fatalf("expected valid child block to confirm, got %v", err)
	}
	if got := bs.Latest(); got.ID != child.ID {
		t.Fatalf("expected chain tip to advance to child, got %s", got.ID)
	}
	stored, err := bs.ByID(child.ID)
	if err != nil || stored.Status != BlockConfirmed {
		t.Fatalf("expected stored block to be CONFIRMED, got %+v err=%v", stored, err)
	}
}

func TestValidateBlockRejectsMissingMerkleRoot(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	child.Header.MerkleRoot = ""
	child.ID = BlockID(child.Header)

	if err := bs.ValidateBlock(child, parent); err != ErrStructuralShape {
		t.Fatalf("expected ErrStructuralShape, got %v", err)
	}
}

func TestValidateBlockRejectsBackwardsTimestamp(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	child.Header.Timestamp = parent.Header.Timestamp.Add(-time.Second)
	child.ID = BlockID(child.Header)

	if err := bs.ValidateBlock(child, parent); err != ErrTimestampSkew {
		t.Fatalf("expected ErrTimestampSkew, got %v", err)
	}
}

func TestValidateBlockRejectsMerkleMismatch(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	child.Header.MerkleRoot = ZeroHash
	child.ID = BlockID(child.Header)

	if err := bs.ValidateBlock(child, parent); err != ErrMerkleMismatch {
		t.Fatalf("expected ErrMerkleMismatch, got %v", err)
	}
}

func TestValidateBlockRejectsTamperedTransaction(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	child.Transactions[0].Payload = []byte(`{"k":"tampered"}`)

	if err := bs.ValidateBlock(child, parent); err != ErrTransactionInvalid {
		t.Fatalf("expected ErrTransactionInvalid, got %v", err)
	}
}

func TestValidateBlockRejectsParentMismatch(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	child.Header.PrevHash = "not-the-parent"
	child.ID = BlockID(child.Header)

	if err := bs.ValidateBlock(child, parent); err != ErrParentMismatch {
		t.Fatalf("expected ErrParentMismatch, got %v", err)
	}
}

func TestValidateBlockRejectsMissingConsensus(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	child.Consensus = nil

	if err := bs.ValidateBlock(child, parent); err != ErrConsensusMalformed {
		t.Fatalf("expected ErrConsensusMalformed, got %v", err)
	}
}

func TestRangeReturnsBlocksOrderedByHeight(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	for i := 0; i < 3; i++ {
		tx := stateUpdateTx(t, `{"i":`+string(rune('0'+i))+`}`)
		child := buildChildBlock(t, parent, []*Transaction{tx})
		if err := bs.Confirm(child); err != nil {
			t.Fatalf("confirm block %d: %v", i, err)
		}
		parent = child
	}

	got := bs.Range(0, 3)
	if len(got) != 4 {
		t.Fatalf("expected 4 blocks in range [0,3], got %d", len(got))
	}
	for i, b := range got {
		if b.Header.Height != uint64(i) {
			t.Fatalf("expected height %d at index %d, got %d", i, i, b.Header.Height)
		}
	}
}

func TestBySessionAnchorFindsConfirmedAnchor(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()

	payload, err := json.Marshal(SessionAnchorPayload{SessionID: "sess-42", MerkleRoot: "root-42"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	tx := &Transaction{ID: TransactionID(TxSessionAnchor, payload, nil), Type: TxSessionAnchor, Payload: payload}
	child := buildChildBlock(t, parent, []*Transaction{tx})

	if err := bs.Confirm(child); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	found, err := bs.BySessionAnchor("sess-42")
	if err != nil {
		t.Fatalf("expected to find session anchor block, got %v", err)
	}
	if found.ID != child.ID {
		t.Fatalf("expected block %s, got %s", child.ID, found.ID)
	}

	if _, err := bs.BySessionAnchor("no-such-session"); err != ErrBlockNotFound {
		t.Fatalf("expected ErrBlockNotFound for unknown session, got %v", err)
	}
}

func TestAddConfirmationIncrementsCountAndNotifies(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	if err := bs.Confirm(child); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	var notified []*Block
	bs.OnBlockConfirmed(func(b *Block) { notified = append(notified, b) })

	if err := bs.AddConfirmation(child.Header.Height); err != nil {
		t.Fatalf("AddConfirmation: %v", err)
	}
	stored, _ := bs.ByID(child.ID)
	if stored.ConfirmCount != 2 {
		t.Fatalf("expected confirm count 2, got %d", stored.ConfirmCount)
	}
	if len(notified) != 1 || notified[0].ID != child.ID {
		t.Fatalf("expected exactly one notification for the confirmed block, got %+v", notified)
	}
}
