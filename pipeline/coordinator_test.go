package pipeline

import (
	"context"
	"testing"
	"time"

	"lucid-network/compression"
	"lucid-network/merkle"
	"lucid-network/sessioncrypto"
)

type fakePaymentGate struct{ confirmed bool }

func (f fakePaymentGate) IsConfirmed(string) (bool, error) { return f.confirmed, nil }

type fakeAnchoringClient struct {
	result AnchorResult
	err    error
	calls  int
}

func (f *fakeAnchoringClient) Submit(sessionID string, m Manifest) (AnchorResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestCoordinator(t *testing.T, gate PaymentGate, anchor AnchoringClient) (*Coordinator, *[]*Chunk) {
	t.Helper()
	comp, err := compression.New(compression.Zstd, compression.ZstdDefault)
	if err != nil {
		t.Fatalf("compression.New: %v", err)
	}
	enc, err := sessioncrypto.NewEncryptor("sess-1", sessioncrypto.XChaCha20Poly1305, time.Hour)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	var stored []*Chunk
	session := &Session{ID: "sess-1"}
	coord, err := NewCoordinator(session, comp, enc, merkle.AlgorithmBLAKE3, anchor, gate, func(c *Chunk) error {
		stored = append(stored, c)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coord, &stored
}

func TestHappyPathAnchoring(t *testing.T) {
	anchor := &fakeAnchoringClient{result: AnchorResult{BlockHeight: 10, BlockID: "blk1", TransactionID: "tx1", Verified: true}}
	coord, stored := newTestCoordinator(t, fakePaymentGate{confirmed: true}, anchor)

	if err := coord.ConfirmPayment(context.Background()); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if err := coord.CompleteHandshake("owner-1", Policy{}); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}

	for i := 0; i < 3; i++ {
		chunk := &Chunk{Index: i, RawBytes: make([]byte, 8*1024*1024)}
		if err := coord.IngestChunk(chunk); err != nil {
			t.Fatalf("IngestChunk(%d): %v", i, err)
		}
	}
	if len(*stored) != 3 {
		t.Fatalf("expected 3 stored chunks, got %d", len(*stored))
	}

	if err := coord.FinalizeCapture(context.Background()); err != nil {
		t.Fatalf("FinalizeCapture: %v", err)
	}

	session := coord.Session()
	if session.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", session.State)
	}
	if session.MerkleTree == nil || session.MerkleTree.LeafCount != 3 {
		t.Fatalf("expected merkle tree over 3 leaves")
	}
	if session.Anchor == nil || session.Anchor.BlockHeight != 10 {
		t.Fatalf("expected anchor populated with block height 10")
	}
	if anchor.calls != 1 {
		t.Fatalf("expected exactly one submission, got %d", anchor.calls)
	}
}

func TestPaymentUnconfirmedBlocksReady(t *testing.T) {
	coord, _ := newTestCoordinator(t, fakePaymentGate{confirmed: false}, &fakeAnchoringClient{})
	if err := coord.ConfirmPayment(context.Background()); err != ErrPaymentUnconfirmed {
		t.Fatalf("expected ErrPaymentUnconfirmed, got %v", err)
	}
	if coord.Session().State != StatePending {
		t.Fatalf("expected session to remain PENDING")
	}
}

// TestCancellationDuringRecording mirrors spec Scenario 5: one chunk already
// stored, a 2 MiB buffer flushed as chunk index 1, Merkle finalized over two
// leaves, no anchoring attempted.
func TestCancellationDuringRecording(t *testing.T) {
	anchor := &fakeAnchoringClient{}
	coord, stored := newTestCoordinator(t, fakePaymentGate{confirmed: true}, anchor)

	if err := coord.ConfirmPayment(context.Background()); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if err := coord.CompleteHandshake("owner-1", Policy{}); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}

	if err := coord.IngestChunk(&Chunk{Index: 0, RawBytes: make([]byte, 8*1024*1024)}); err != nil {
		t.Fatalf("IngestChunk(0): %v", err)
	}
	// the 2 MiB buffer flushed by cancellation, as if the assembler emitted it.
	if err := coord.IngestChunk(&Chunk{Index: 1, RawBytes: make([]byte, 2*1024*1024)}); err != nil {
		t.Fatalf("IngestChunk(1): %v", err)
	}

	if err := coord.CancelRecording(); err != nil {
		t.Fatalf("CancelRecording: %v", err)
	}

	session := coord.Session()
	if session.State != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", session.State)
	}
	if session.MerkleTree == nil || session.MerkleTree.LeafCount != 2 {
		t.Fatalf("expected merkle tree over 2 leaves")
	}
	if len(*stored) != 2 {
		t.Fatalf("expected 2 chunks stored, got %d", len(*stored))
	}
	if anchor.calls != 0 {
		t.Fatalf("expected no anchoring submission on cancellation")
	}
	last := session.Audit[len(session.Audit)-1]
	if last.To != StateCancelled {
		t.Fatalf("expected terminal audit event to record CANCELLED")
	}
}

func TestChunkIndexGapRejected(t *testing.T) {
	coord, _ := newTestCoordinator(t, fakePaymentGate{confirmed: true}, &fakeAnchoringClient{})
	if err := coord.ConfirmPayment(context.Background()); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if err := coord.CompleteHandshake("owner-1", Policy{}); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}
	if err := coord.IngestChunk(&Chunk{Index: 1, RawBytes: []byte("x")}); err == nil {
		t.Fatalf("expected error on chunk index gap")
	}
}

func TestAnchoringTimeoutFailsButKeepsMerkleRoot(t *testing.T) {
	anchor := &fakeAnchoringClient{}
	coord, _ := newTestCoordinator(t, fakePaymentGate{confirmed: true}, anchor)
	coord.SetAnchorTimeout(10 * time.Millisecond)

	// block the fake anchoring client indefinitely by wrapping Submit via a
	// custom type is unnecessary here; instead simulate slowness with a
	// channel-gated client.
	slow := &blockingAnchoringClient{release: make(chan struct{})}
	coord2, _ := newTestCoordinator(t, fakePaymentGate{confirmed: true}, slow)
	coord2.SetAnchorTimeout(10 * time.Millisecond)
	_ = coord

	if err := coord2.ConfirmPayment(context.Background()); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if err := coord2.CompleteHandshake("owner-1", Policy{}); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}
	if err := coord2.IngestChunk(&Chunk{Index: 0, RawBytes: []byte("data")}); err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}

	err := coord2.FinalizeCapture(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	session := coord2.Session()
	if session.State != StateFailed {
		t.Fatalf("expected FAILED after anchoring timeout, got %s", session.State)
	}
	if session.MerkleTree == nil {
		t.Fatalf("expected merkle root to remain available after timeout for retry")
	}
	close(slow.release)
}

type blockingAnchoringClient struct{ release chan struct{} }

func (b *blockingAnchoringClient) Submit(sessionID string, m Manifest) (AnchorResult, error) {
	<-b.release
	return AnchorResult{}, nil
}
