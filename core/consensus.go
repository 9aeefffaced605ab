package core

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// RoundPhase is a PoOT round's current stage.
type RoundPhase string

const (
	PhaseProposal    RoundPhase = "proposal"
	PhaseVoting      RoundPhase = "voting"
	PhaseFinalization RoundPhase = "finalization"
)

// DefaultFinalityDepth is how many confirmed descendant blocks a block
// needs before it transitions CONFIRMED -> FINALIZED.
const DefaultFinalityDepth = 6

// DefaultOrphanDepth is how many blocks a minority-fork block may go
// without being extended before it transitions to ORPHANED.
const DefaultOrphanDepth = 6

var (
	ErrNoQuorum        = errors.New("core: vote set does not reach two-thirds stake quorum")
	ErrUnknownValidator = errors.New("core: vote from a node with no known stake")
)

// StakeTable reports a node's voting weight. Implementations typically wrap
// a staking/authority registry external to this package.
type StakeTable interface {
	StakeOf(nodeID string) uint64
	TotalStake() uint64
}

// Candidate is a proposed block competing for a height, carried alongside
// its cumulative stake-weighted vote mass for tie-break purposes.
type Candidate struct {
	Block      *Block
	VoteMass   uint64
	Depth      int
}

// Round drives one PoOT round's three phases (proposal, voting,
// finalization) over a single proposed block.
type Round struct {
	ID         string
	ProposerID string
	Block      *Block
	Phase      RoundPhase
	votes      map[string]Vote // nodeID -> vote, last one wins
}

// NewRound starts a round in the proposal phase.
func NewRound(id, proposerID string, block *Block) *Round {
	return &Round{ID: id, ProposerID: proposerID, Block: block, Phase: PhaseProposal, votes: make(map[string]Vote)}
}

// CastVote records nodeID's vote, overwriting any earlier vote from the
// same node (last-write-wins within a round).
func (r *Round) CastVote(v Vote) {
	r.Phase = PhaseVoting
	r.votes[v.NodeID] = v
}

// Tally computes the approve stake and total participating stake recorded
// so far, and whether approve-stake exceeds two-thirds of total network
// stake (quorum is measured against total stake, not just participants).
func (r *Round) Tally(stakes StakeTable) ConsensusRecord {
	rec := ConsensusRecord{RoundID: r.ID, ProposerID: r.ProposerID, TotalStake: stakes.TotalStake()}
	for _, v := range r.votes {
		rec.Votes = append(rec.Votes, v)
		if v.Approve {
			rec.ApproveStake += stakes.StakeOf(v.NodeID)
		}
	}
	rec.QuorumReached = rec.TotalStake > 0 && rec.ApproveStake*3 > rec.TotalStake*2
	return rec
}

// Finalize closes the round, attaching its tally to the block as a
// ConsensusRecord. Returns ErrNoQuorum if two-thirds stake approval was not
// reached.
func (r *Round) Finalize(stakes StakeTable) (*ConsensusRecord, error) {
	r.Phase = PhaseFinalization
	rec := r.Tally(stakes)
	if !rec.QuorumReached {
		return &rec, ErrNoQuorum
	}
	r.Block.Consensus = &rec
	return &rec, nil
}

// Consensus tracks competing chain tips and applies the finality and
// tie-break rules of spec §4.9.
type Consensus struct {
	mu            sync.Mutex
	blocks        *BlockService
	stakes        StakeTable
	finalityDepth int
	orphanDepth   int
	log           *logrus.Logger
}

// NewConsensus constructs a Consensus engine.
func NewConsensus(blocks *BlockService, stakes StakeTable, log *logrus.Logger) *Consensus {
	if log == nil {
		log = logrus.New()
	}
	return &Consensus{
		blocks:        blocks,
		stakes:        stakes,
		finalityDepth: DefaultFinalityDepth,
		orphanDepth:   DefaultOrphanDepth,
		log:           log,
	}
}

// SelectTip picks the winning tip among competing candidates: greater depth
// wins; at equal depth, greater cumulative stake-weighted vote mass wins; on
// that tie, the lexicographically smaller tip block id wins.
func SelectTip(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]Candidate{}, candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Depth != sorted[j].Depth {
			return sorted[i].Depth > sorted[j].Depth
		}
		if sorted[i].VoteMass != sorted[j].VoteMass {
			return sorted[i].VoteMass > sorted[j].VoteMass
		}
		return sorted[i].Block.ID < sorted[j].Block.ID
	})
	return &sorted[0]
}

// CheckFinality promotes height's block to FINALIZED once the chain has
// grown finalityDepth blocks past it. It only promotes: no block is moved to
// ORPHANED here, and orphanDepth is not consulted.
func (c *Consensus) CheckFinality(height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.blocks.ByHeight(height)
	if err != nil {
		return err
	}
	if b.Status != BlockConfirmed {
		return nil
	}

	latest := c.blocks.Latest()
	if latest == nil {
		return nil
	}
	if int(latest.Header.Height-height) >= c.finalityDepth {
		b.Status = BlockFinalized
		c.log.WithFields(logrus.Fields{"height": height, "block_id": b.ID}).Info("block finalized")
	}
	return nil
}
