package core

import "testing"

type fakeStakes struct {
	stakes map[string]uint64
	total  uint64
}

func (f *fakeStakes) StakeOf(nodeID string) uint64 { return f.stakes[nodeID] }
func (f *fakeStakes) TotalStake() uint64            { return f.total }

func TestRoundFinalizeReachesQuorum(t *testing.T) {
	stakes := &fakeStakes{stakes: map[string]uint64{"a": 40, "b": 35, "c": 25}, total: 100}
	r := NewRound("round-1", "a", &Block{ID: "block-1"})
	r.CastVote(Vote{NodeID: "a", Approve: true})
	r.CastVote(Vote{NodeID: "b", Approve: true})
	r.CastVote(Vote{NodeID: "c", Approve: false})

	rec, err := r.Finalize(stakes)
	if err != nil {
		t.Fatalf("expected quorum (75 of 100 approve), got %v", err)
	}
	if rec.ApproveStake != 75 {
		t.Fatalf("expected approve stake 75, got %d", rec.ApproveStake)
	}
	if r.Block.Consensus == nil {
		t.Fatalf("expected consensus record attached to block")
	}
}

func TestRoundFinalizeFailsBelowTwoThirds(t *testing.T) {
	stakes := &fakeStakes{stakes: map[string]uint64{"a": 40, "b": 10, "c": 50}, total: 100}
	r := NewRound("round-2", "a", &Block{ID: "block-2"})
	r.CastVote(Vote{NodeID: "a", Approve: true})
	r.CastVote(Vote{NodeID: "b", Approve: true})
	r.CastVote(Vote{NodeID: "c", Approve: false})

	if _, err := r.Finalize(stakes); err != ErrNoQuorum {
		t.Fatalf("expected ErrNoQuorum at 50%% approval, got %v", err)
	}
}

func TestCastVoteLastWriteWins(t *testing.T) {
	stakes := &fakeStakes{stakes: map[string]uint64{"a": 100}, total: 100}
	r := NewRound("round-3", "a", &Block{ID: "block-3"})
	r.CastVote(Vote{NodeID: "a", Approve: false})
	r.CastVote(Vote{NodeID: "a", Approve: true})

	rec := r.Tally(stakes)
	if len(rec.Votes) != 1 {
		t.Fatalf("expected one vote per node after overwrite, got %d", len(rec.Votes))
	}
	if !rec.QuorumReached {
		t.Fatalf("expected the later (approve) vote to win")
	}
}

func TestSelectTipPrefersGreaterDepth(t *testing.T) {
	shallow := Candidate{Block: &Block{ID: "b-shallow"}, Depth: 1, VoteMass: 1000}
	deep := Candidate{Block: &Block{ID: "b-deep"}, Depth: 2, VoteMass: 1}
	tip := SelectTip([]Candidate{shallow, deep})
	if tip.Block.ID != "b-deep" {
		t.Fatalf("expected greater-depth candidate to win, got %s", tip.Block.ID)
	}
}

func TestSelectTipBreaksDepthTieOnVoteMass(t *testing.T) {
	a := Candidate{Block: &Block{ID: "b-a"}, Depth: 3, VoteMass: 10}
	b := Candidate{Block: &Block{ID: "b-b"}, Depth: 3, VoteMass: 20}
	tip := SelectTip([]Candidate{a, b})
	if tip.Block.ID != "b-b" {
		t.Fatalf("expected greater-vote-mass candidate to win the depth tie, got %s", tip.Block.ID)
	}
}

func TestSelectTipBreaksVoteMassTieOnLexicographicID(t *testing.T) {
	a := Candidate{Block: &Block{ID: "zzz"}, Depth: 3, VoteMass: 10}
	b := Candidate{Block: &Block{ID: "aaa"}, Depth: 3, VoteMass: 10}
	tip := SelectTip([]Candidate{a, b})
	if tip.Block.ID != "aaa" {
		t.Fatalf("expected lexicographically smaller id to win the final tie, got %s", tip.Block.ID)
	}
}

func TestSelectTipEmptyReturnsNil(t *testing.T) {
	if tip := SelectTip(nil); tip != nil {
		t.Fatalf("expected nil for no candidates, got %+v", tip)
	}
}

func TestCheckFinalityPromotesAtDepth(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	var first *Block
	for i := 0; i <= DefaultFinalityDepth; i++ {
		tx := stateUpdateTx(t, `{"i":`+string(rune('0'+i))+`}`)
		child := buildChildBlock(t, parent, []*Transaction{tx})
		if err := bs.Confirm(child); err != nil {
			t.Fatalf("confirm block %d: %v", i, err)
		}
		if i == 0 {
			first = child
		}
		parent = child
	}

	stakes := &fakeStakes{stakes: map[string]uint64{"a": 100}, total: 100}
	c := NewConsensus(bs, stakes, nil)
	if err := c.CheckFinality(first.Header.Height); err != nil {
		t.Fatalf("CheckFinality: %v", err)
	}
	stored, err := bs.ByID(first.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if stored.Status != BlockFinalized {
		t.Fatalf("expected block finalized at depth %d, got %s", DefaultFinalityDepth, stored.Status)
	}
}

func TestCheckFinalityLeavesShallowBlockConfirmed(t *testing.T) {
	bs := NewBlockService(nil)
	parent := bs.Latest()
	tx := stateUpdateTx(t, `{"k":"v"}`)
	child := buildChildBlock(t, parent, []*Transaction{tx})
	if err := bs.Confirm(child); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	stakes := &fakeStakes{stakes: map[string]uint64{"a": 100}, total: 100}
	c := NewConsensus(bs, stakes, nil)
	if err := c.CheckFinality(child.Header.Height); err != nil {
		t.Fatalf("CheckFinality: %v", err)
	}
	stored, _ := bs.ByID(child.ID)
	if stored.Status != BlockConfirmed {
		t.Fatalf("expected block to remain CONFIRMED before reaching finality depth, got %s", stored.Status)
	}
}
