package dfs

// proposals.go implements ProposalsAgent (spec.md section 4.4): the per-
// order set of received proposals, gated by a listening flag. It is
// thread-confined behind Controller.mu -- every method here assumes its
// caller already holds that lock, the same contract spec.md section 4.4
// describes.

import (
	"github.com/luxfs/storaged/modules"
)

// ProposalsAgent tracks which orders are currently accepting proposals and
// the proposals received for each.
type ProposalsAgent struct {
	listening map[modules.OrderHash]bool
	proposals map[modules.OrderHash]map[modules.ProposalHash]modules.StorageProposal
}

// newProposalsAgent returns an empty ProposalsAgent.
func newProposalsAgent() *ProposalsAgent {
	return &ProposalsAgent{
		listening: make(map[modules.OrderHash]bool),
		proposals: make(map[modules.OrderHash]map[modules.ProposalHash]modules.StorageProposal),
	}
}

// ListenProposal adds orderHash to the listening set.
func (pa *ProposalsAgent) ListenProposal(orderHash modules.OrderHash) {
	pa.listening[orderHash] = true
}

// StopListenProposal removes orderHash from the listening set. Proposals
// already recorded for it are left in place until EraseOrdersProposals is
// called.
func (pa *ProposalsAgent) StopListenProposal(orderHash modules.OrderHash) {
	delete(pa.listening, orderHash)
}

// IsListening reports whether orderHash is currently accepting proposals.
func (pa *ProposalsAgent) IsListening(orderHash modules.OrderHash) bool {
	return pa.listening[orderHash]
}

// GetListenProposals returns a snapshot of the orders currently listening
// for proposals.
func (pa *ProposalsAgent) GetListenProposals() []modules.OrderHash {
	out := make([]modules.OrderHash, 0, len(pa.listening))
	for h := range pa.listening {
		out = append(out, h)
	}
	return out
}

// AddProposal appends p to the set keyed by p.OrderHash, but only if that
// order is currently listening. It returns whether p was added.
func (pa *ProposalsAgent) AddProposal(p modules.StorageProposal) bool {
	if !pa.listening[p.OrderHash] {
		return false
	}
	if pa.proposals[p.OrderHash] == nil {
		pa.proposals[p.OrderHash] = make(map[modules.ProposalHash]modules.StorageProposal)
	}
	pa.proposals[p.OrderHash][p.Hash()] = p
	return true
}

// GetProposals returns every proposal recorded for orderHash.
func (pa *ProposalsAgent) GetProposals(orderHash modules.OrderHash) []modules.StorageProposal {
	set := pa.proposals[orderHash]
	out := make([]modules.StorageProposal, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	return out
}

// GetProposal looks up a single proposal by order and proposal hash.
func (pa *ProposalsAgent) GetProposal(orderHash modules.OrderHash, proposalHash modules.ProposalHash) (modules.StorageProposal, bool) {
	p, ok := pa.proposals[orderHash][proposalHash]
	return p, ok
}

// EraseOrdersProposals discards every proposal recorded for orderHash and
// removes it from the listening set.
func (pa *ProposalsAgent) EraseOrdersProposals(orderHash modules.OrderHash) {
	delete(pa.listening, orderHash)
	delete(pa.proposals, orderHash)
}
