package core

import (
	"encoding/hex"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"lucid-network/merkle"
)

// rebuiltTreeCacheSize bounds how many sessions' rebuilt Merkle trees stay
// warm at once; a node serving proofs for many concurrent sessions would
// otherwise re-walk every chunk hash on each request.
const rebuiltTreeCacheSize = 256

// rebuiltTree is the cached output of rebuild: the finalized descriptor
// (for its root) and the builder (for proof generation against un-pruned
// internal nodes).
type rebuiltTree struct {
	desc *merkle.Descriptor
	b    *merkle.Builder
}

var (
	ErrSessionUnknown    = errors.New("core: no registered chunk hashes for session")
	ErrLeafHashNotFound  = errors.New("core: leaf hash not present in session's chunk list")
)

// sessionLeaves is what the Merkle Proof Service needs to rebuild a
// session's tree on demand: its declared algorithm and ordered chunk
// ciphertext hashes, exactly as recorded in the session manifest.
type sessionLeaves struct {
	algorithm merkle.Algorithm
	hashes    [][]byte
}

// MerkleProofService serves inclusion proofs against anchored roots for
// external verifiers, given a session id and either a leaf index or a
// chunk ciphertext hash.
type MerkleProofService struct {
	mu       sync.Mutex
	sessions map[string]*sessionLeaves
	anchors  *AnchoringService
	cache    *lru.Cache[string, rebuiltTree]
}

// NewMerkleProofService constructs a MerkleProofService backed by anchors
// for cross-checking a proof's root against the confirmed anchor.
func NewMerkleProofService(anchors *AnchoringService) *MerkleProofService {
	cache, _ := lru.New[string, rebuiltTree](rebuiltTreeCacheSize)
	return &MerkleProofService{sessions: make(map[string]*sessionLeaves), anchors: anchors, cache: cache}
}

// RegisterSession records sessionID's finalized chunk hash list, so proofs
// can be served once its manifest exists (independent of whether it has
// anchored yet).
func (s *MerkleProofService) RegisterSession(sessionID string, algorithm merkle.Algorithm, chunkHashesHex []string) error {
	hashes := make([][]byte, len(chunkHashesHex))
	for i, h := range chunkHashesHex {
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return err
		}
		hashes[i] = decoded
	}
	s.mu.Lock()
	s.sessions[sessionID] = &sessionLeaves{algorithm: algorithm, hashes: hashes}
	s.mu.Unlock()
	s.cache.Remove(sessionID)
	return nil
}

// Proof is a verifiable inclusion proof, bundled with the block the root
// was anchored at.
type Proof struct {
	SessionID  string
	LeafIndex  int
	LeafHash   []byte
	Root       []byte
	Steps      []merkle.ProofStep
	BlockID    string
	BlockHeight uint64
}

func (s *MerkleProofService) rebuild(sessionID string) (*merkle.Descriptor, *merkle.Builder, error) {
	if cached, ok := s.cache.Get(sessionID); ok {
		return cached.desc, cached.b, nil
	}

	s.mu.Lock()
	leaves, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrSessionUnknown
	}

	b, err := merkle.NewBuilder(leaves.algorithm)
	if err != nil {
		return nil, nil, err
	}
	for _, h := range leaves.hashes {
		if err := b.AddLeafHash(h); err != nil {
			return nil, nil, err
		}
	}
	desc, err := b.Finalize()
	if err != nil {
		return nil, nil, err
	}
	s.cache.Add(sessionID, rebuiltTree{desc: desc, b: b})
	return desc, b, nil
}

// ProveByIndex returns the inclusion proof for sessionID's leaf at index.
func (s *MerkleProofService) ProveByIndex(sessionID string, index int) (*Proof, error) {
	desc, b, err := s.rebuild(sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := b.Proof(index)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	leafHash := s.sessions[sessionID].hashes[index]
	s.mu.Unlock()

	proof := &Proof{SessionID: sessionID, LeafIndex: index, LeafHash: leafHash, Root: desc.Root, Steps: steps}
	if s.anchors != nil {
		if anchor, err := s.anchors.Result(sessionID); err == nil {
			proof.BlockID = anchor.BlockID
			proof.BlockHeight = anchor.BlockHeight
		}
	}
	return proof, nil
}

// ProveByHash returns the inclusion proof for the leaf matching
// chunkHashHex within sessionID's chunk list.
func (s *MerkleProofService) ProveByHash(sessionID string, chunkHashHex string) (*Proof, error) {
	s.mu.Lock()
	leaves, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionUnknown
	}
	target, err := hex.DecodeString(chunkHashHex)
	if err != nil {
		return nil, err
	}
	index := -1
	for i, h := range leaves.hashes {
		if hex.EncodeToString(h) == hex.EncodeToString(target) {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, ErrLeafHashNotFound
	}
	return s.ProveByIndex(sessionID, index)
}

// Verify independently checks a Proof under the given algorithm; it does not
// look up the algorithm the proof's session was registered with.
func (s *MerkleProofService) Verify(p *Proof, algorithm merkle.Algorithm) bool {
	return merkle.Verify(algorithm, p.Root, p.LeafHash, p.Steps)
}
