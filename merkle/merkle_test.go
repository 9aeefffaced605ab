package merkle

import (
	"bytes"
	"testing"
)

func mustBuild(t *testing.T, leaves [][]byte) (*Builder, *Descriptor) {
	t.Helper()
	b, err := NewBuilder(AlgorithmSHA256)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	for _, l := range leaves {
		if _, err := b.AddLeaf(l); err != nil {
			t.Fatalf("AddLeaf: %v", err)
		}
	}
	d, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return b, d
}

func TestSingleLeafTree(t *testing.T) {
	leaf := []byte("only-chunk")
	b, d := mustBuild(t, [][]byte{leaf})

	wantRoot, err := hashLeaf(AlgorithmSHA256, leaf)
	if err != nil {
		t.Fatalf("hashLeaf: %v", err)
	}
	if !bytes.Equal(d.Root, wantRoot) {
		t.Fatalf("root mismatch: got %x want %x", d.Root, wantRoot)
	}
	if d.Height != 0 {
		t.Fatalf("expected height 0, got %d", d.Height)
	}
	proof, err := b.Proof(0)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("expected empty proof, got %d steps", len(proof))
	}
}

// TestThreeLeafTreeHeight mirrors spec Scenario 1: three chunks, height 2,
// root = H(H(h0||h1) || h2).
func TestThreeLeafTreeHeight(t *testing.T) {
	leaves := [][]byte{[]byte("c0"), []byte("c1"), []byte("c2")}
	b, d := mustBuild(t, leaves)
	if d.Height != 2 {
		t.Fatalf("expected height 2, got %d", d.Height)
	}
	if d.LeafCount != 3 {
		t.Fatalf("expected leaf count 3, got %d", d.LeafCount)
	}

	h0, _ := hashLeaf(AlgorithmSHA256, leaves[0])
	h1, _ := hashLeaf(AlgorithmSHA256, leaves[1])
	h2, _ := hashLeaf(AlgorithmSHA256, leaves[2])
	h01, _ := hashPair(AlgorithmSHA256, h0, h1)
	wantRoot, _ := hashPair(AlgorithmSHA256, h01, h2)
	if !bytes.Equal(d.Root, wantRoot) {
		t.Fatalf("root mismatch: got %x want %x", d.Root, wantRoot)
	}

	for i := range leaves {
		leafHash, _ := hashLeaf(AlgorithmSHA256, leaves[i])
		proof, err := b.Proof(i)
		if err != nil {
			t.Fatalf("Proof(%d): %v", i, err)
		}
		if !Verify(AlgorithmSHA256, d.Root, leafHash, proof) {
			t.Fatalf("Verify failed for leaf %d", i)
		}
	}
}

// TestFiveLeafOddPromote mirrors spec Scenario 2 exactly, including the
// proof shape for the promoted leaf 4.
func TestFiveLeafOddPromote(t *testing.T) {
	leaves := [][]byte{[]byte("c0"), []byte("c1"), []byte("c2"), []byte("c3"), []byte("c4")}
	b, d := mustBuild(t, leaves)
	if d.Height != 3 {
		t.Fatalf("expected height 3, got %d", d.Height)
	}

	h := make([][]byte, 5)
	for i, l := range leaves {
		h[i], _ = hashLeaf(AlgorithmSHA256, l)
	}
	level1a, _ := hashPair(AlgorithmSHA256, h[0], h[1])
	level1b, _ := hashPair(AlgorithmSHA256, h[2], h[3])
	level2a, _ := hashPair(AlgorithmSHA256, level1a, level1b)
	wantRoot, _ := hashPair(AlgorithmSHA256, level2a, h[4])
	if !bytes.Equal(d.Root, wantRoot) {
		t.Fatalf("root mismatch: got %x want %x", d.Root, wantRoot)
	}

	proof, err := b.Proof(4)
	if err != nil {
		t.Fatalf("Proof(4): %v", err)
	}
	if len(proof) != 1 {
		t.Fatalf("expected exactly one proof step for promoted leaf 4, got %d", len(proof))
	}
	if !bytes.Equal(proof[0].Sibling, level2a) || !proof[0].Left {
		t.Fatalf("unexpected proof step: %+v", proof[0])
	}
	if !Verify(AlgorithmSHA256, d.Root, h[4], proof) {
		t.Fatalf("verify failed for promoted leaf 4")
	}

	for i := range leaves {
		p, err := b.Proof(i)
		if err != nil {
			t.Fatalf("Proof(%d): %v", i, err)
		}
		if !Verify(AlgorithmSHA256, d.Root, h[i], p) {
			t.Fatalf("verify failed for leaf %d", i)
		}
	}
}

func TestVerifyWrongLeafFails(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	b, d := mustBuild(t, leaves)
	proof, err := b.Proof(1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	wrongLeaf, _ := hashLeaf(AlgorithmSHA256, []byte("not-the-real-leaf"))
	if Verify(AlgorithmSHA256, d.Root, wrongLeaf, proof) {
		t.Fatalf("expected verify to fail for wrong leaf")
	}
}

func TestAddLeafAfterFinalizeFails(t *testing.T) {
	b, _ := mustBuild(t, [][]byte{[]byte("x")})
	if _, err := b.AddLeaf([]byte("y")); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestProofBeforeFinalizeFails(t *testing.T) {
	b, err := NewBuilder(AlgorithmBLAKE3)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.AddLeaf([]byte("x")); err != nil {
		t.Fatalf("AddLeaf: %v", err)
	}
	if _, err := b.Proof(0); err != ErrNotFinalized {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
}

func TestFinalizeNoLeavesFails(t *testing.T) {
	b, err := NewBuilder(AlgorithmSHA256)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.Finalize(); err != ErrNoLeaves {
		t.Fatalf("expected ErrNoLeaves, got %v", err)
	}
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	if _, err := NewBuilder("md5"); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}
