package core

import (
	"encoding/hex"
	"testing"

	"lucid-network/merkle"
)

func hexLeaf(s string) string { return hex.EncodeToString([]byte(s)) }

func TestRegisterSessionAndProveByIndex(t *testing.T) {
	svc := NewMerkleProofService(nil)
	hashes := []string{hexLeaf("chunk-0"), hexLeaf("chunk-1"), hexLeaf("chunk-2")}
	if err := svc.RegisterSession("sess-1", merkle.AlgorithmBLAKE3, hashes); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	proof, err := svc.ProveByIndex("sess-1", 1)
	if err != nil {
		t.Fatalf("ProveByIndex: %v", err)
	}
	if !svc.Verify(proof, merkle.AlgorithmBLAKE3) {
		t.Fatalf("expected proof for leaf 1 to verify")
	}
}

func TestProveByHashFindsMatchingLeaf(t *testing.T) {
	svc := NewMerkleProofService(nil)
	hashes := []string{hexLeaf("chunk-0"), hexLeaf("chunk-1"), hexLeaf("chunk-2")}
	if err := svc.RegisterSession("sess-2", merkle.AlgorithmBLAKE3, hashes); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	proof, err := svc.ProveByHash("sess-2", hashes[2])
	if err != nil {
		t.Fatalf("ProveByHash: %v", err)
	}
	if proof.LeafIndex != 2 {
		t.Fatalf("expected leaf index 2, got %d", proof.LeafIndex)
	}
	if !svc.Verify(proof, merkle.AlgorithmBLAKE3) {
		t.Fatalf("expected proof to verify")
	}
}

func TestProveByHashUnknownLeafReturnsError(t *testing.T) {
	svc := NewMerkleProofService(nil)
	hashes := []string{hexLeaf("chunk-0")}
	if err := svc.RegisterSession("sess-3", merkle.AlgorithmBLAKE3, hashes); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if _, err := svc.ProveByHash("sess-3", hexLeaf("never-registered")); err != ErrLeafHashNotFound {
		t.Fatalf("expected ErrLeafHashNotFound, got %v", err)
	}
}

func TestProveUnregisteredSessionReturnsError(t *testing.T) {
	svc := NewMerkleProofService(nil)
	if _, err := svc.ProveByIndex("no-such-session", 0); err != ErrSessionUnknown {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
}

func TestProveByIndexAttachesConfirmedAnchor(t *testing.T) {
	sub := &fakeSubmitter{}
	anchors := NewAnchoringService(sub, 1, nil)
	svc := NewMerkleProofService(anchors)

	hashes := []string{hexLeaf("chunk-0"), hexLeaf("chunk-1")}
	if err := svc.RegisterSession("sess-4", merkle.AlgorithmBLAKE3, hashes); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	m := testManifest()
	m.SessionID = "sess-4"
	tx, err := anchors.Submit(m)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	block := &Block{ID: "block-9", Header: BlockHeader{Height: 9}, Transactions: []*Transaction{tx}, ConfirmCount: 1}
	anchors.OnBlockConfirmed(block)

	proof, err := svc.ProveByIndex("sess-4", 0)
	if err != nil {
		t.Fatalf("ProveByIndex: %v", err)
	}
	if proof.BlockID != "block-9" || proof.BlockHeight != 9 {
		t.Fatalf("expected proof to carry the confirmed anchor's block reference, got %+v", proof)
	}
}
