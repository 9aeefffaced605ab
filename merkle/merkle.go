// Package merkle builds an append-only Merkle tree over chunk ciphertext
// hashes and serves inclusion proofs against the finalized root.
//
// Tree construction pairs adjacent nodes left-to-right; an odd node at any
// level is promoted unchanged to the next level rather than duplicated. This
// corrects a duplicate-odd-node defect present in earlier implementations of
// the same idea (see the teacher's BuildMerkleTree, which calls
// `level = append(level, level[len(level)-1])` and therefore hashes the last
// node against itself).
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// Algorithm tags the hash function used for leaves and internal nodes.
type Algorithm string

const (
	// AlgorithmBLAKE3 is the default leaf/node hash algorithm.
	AlgorithmBLAKE3 Algorithm = "blake3"
	// AlgorithmSHA256 is the alternate leaf/node hash algorithm.
	AlgorithmSHA256 Algorithm = "sha256"
)

var (
	// ErrNoLeaves is returned when a tree is finalized with zero leaves.
	ErrNoLeaves = errors.New("merkle: no leaves")
	// ErrAlreadyFinalized is returned when AddLeaf is called after Finalize.
	ErrAlreadyFinalized = errors.New("merkle: builder already finalized")
	// ErrNotFinalized is returned when Proof is requested before Finalize.
	ErrNotFinalized = errors.New("merkle: tree not finalized")
	// ErrIndexRange is returned when a proof is requested for an out-of-range leaf.
	ErrIndexRange = errors.New("merkle: leaf index out of range")
	// ErrUnknownAlgorithm is returned for any algorithm tag other than the two declared above.
	ErrUnknownAlgorithm = errors.New("merkle: unknown hash algorithm")
)

func hashLeaf(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgorithmBLAKE3:
		sum := blake3.Sum256(data)
		return sum[:], nil
	case AlgorithmSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

func hashPair(algo Algorithm, left, right []byte) ([]byte, error) {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	switch algo {
	case AlgorithmBLAKE3:
		sum := blake3.Sum256(buf)
		return sum[:], nil
	case AlgorithmSHA256:
		sum := sha256.Sum256(buf)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// Descriptor is the finalized summary attached to a session once the builder
// completes.
type Descriptor struct {
	Root      []byte
	LeafCount int
	Height    int
	Algorithm Algorithm
	BuiltAt   time.Time
}

// ProofStep is one sibling digest on the path from a leaf to the root. Left
// reports whether the sibling sits to the left of the node being folded
// upward; levels where the current node was promoted unpaired contribute no
// step.
type ProofStep struct {
	Sibling []byte
	Left    bool
}

// Builder accumulates leaf hashes and, once finalized, serves proofs.
//
// Builder is not safe for concurrent AddLeaf calls; callers that feed it
// from multiple leaves (e.g. several in-flight chunks) must serialize their
// own writes, matching the single-writer-per-session discipline applied to
// everything else the Pipeline Coordinator owns.
type Builder struct {
	algo      Algorithm
	leaves    [][]byte
	levels    [][][]byte
	finalized bool
}

// NewBuilder returns a Builder using the given hash algorithm.
func NewBuilder(algo Algorithm) (*Builder, error) {
	switch algo {
	case AlgorithmBLAKE3, AlgorithmSHA256:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
	return &Builder{algo: algo}, nil
}

// AddLeaf hashes data under the builder's algorithm and appends it as the
// next leaf. It returns the leaf's digest so callers (e.g. the Chunk
// Assembler) can store it alongside the chunk record.
func (b *Builder) AddLeaf(data []byte) ([]byte, error) {
	if b.finalized {
		return nil, ErrAlreadyFinalized
	}
	h, err := hashLeaf(b.algo, data)
	if err != nil {
		return nil, err
	}
	b.leaves = append(b.leaves, h)
	return h, nil
}

// AddLeafHash appends a precomputed leaf digest directly, for callers that
// already hashed the chunk ciphertext themselves.
func (b *Builder) AddLeafHash(h []byte) error {
	if b.finalized {
		return ErrAlreadyFinalized
	}
	cp := make([]byte, len(h))
	copy(cp, h)
	b.leaves = append(b.leaves, cp)
	return nil
}

// Finalize builds the tree levels from the accumulated leaves and returns the
// resulting Descriptor. After Finalize, the Builder is immutable: further
// AddLeaf/AddLeafHash calls fail, and Proof becomes available.
func (b *Builder) Finalize() (*Descriptor, error) {
	if b.finalized {
		return b.descriptor(), nil
	}
	if len(b.leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([][]byte, len(b.leaves))
	copy(level, b.leaves)
	levels := [][][]byte{level}

	for len(level) > 1 {
		var promoted []byte
		pairCount := len(level) / 2
		if len(level)%2 == 1 {
			promoted = level[len(level)-1]
		}
		next := make([][]byte, 0, pairCount+1)
		for i := 0; i < pairCount; i++ {
			h, err := hashPair(b.algo, level[2*i], level[2*i+1])
			if err != nil {
				return nil, err
			}
			next = append(next, h)
		}
		if promoted != nil {
			next = append(next, promoted)
		}
		levels = append(levels, next)
		level = next
	}

	b.levels = levels
	b.finalized = true
	return b.descriptor(), nil
}

func (b *Builder) descriptor() *Descriptor {
	root := b.levels[len(b.levels)-1][0]
	return &Descriptor{
		Root:      root,
		LeafCount: len(b.leaves),
		Height:    len(b.levels) - 1,
		Algorithm: b.algo,
		BuiltAt:   time.Now().UTC(),
	}
}

// Proof returns the inclusion proof for the leaf at index, ordered from leaf
// to root. A level at which the leaf's running node was promoted unpaired
// contributes no step.
func (b *Builder) Proof(index int) ([]ProofStep, error) {
	if !b.finalized {
		return nil, ErrNotFinalized
	}
	if index < 0 || index >= len(b.leaves) {
		return nil, ErrIndexRange
	}

	var steps []ProofStep
	idx := index
	for lvl := 0; lvl < len(b.levels)-1; lvl++ {
		level := b.levels[lvl]
		odd := len(level)%2 == 1
		last := len(level) - 1
		if odd && idx == last {
			// promoted unpaired: no sibling at this level.
			idx = len(b.levels[lvl+1]) - 1
			continue
		}
		var siblingIdx int
		var left bool
		if idx%2 == 0 {
			siblingIdx = idx + 1
			left = false
		} else {
			siblingIdx = idx - 1
			left = true
		}
		steps = append(steps, ProofStep{Sibling: level[siblingIdx], Left: left})
		idx /= 2
	}
	return steps, nil
}

// Verify reconstructs the root from leaf and proof under algo and reports
// whether it equals root.
func Verify(algo Algorithm, root []byte, leaf []byte, proof []ProofStep) bool {
	hash := leaf
	for _, step := range proof {
		var combined []byte
		var err error
		if step.Left {
			combined, err = hashPair(algo, step.Sibling, hash)
		} else {
			combined, err = hashPair(algo, hash, step.Sibling)
		}
		if err != nil {
			return false
		}
		hash = combined
	}
	return bytes.Equal(hash, root)
}
