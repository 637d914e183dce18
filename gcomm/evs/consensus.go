package evs

import (
	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// LocalView is the local state the consensus evaluator checks a candidate
// JOIN/INSTALL message against (spec §4.3 "is_consistent_same_view").
type LocalView struct {
	ViewID        ViewId
	MaxHS         cmn.Seqno
	Nodes         map[uuid.UUID]MessageNode // same-view nodes as seen locally
	Leaving       map[uuid.UUID]struct{}
	NonOperational map[uuid.UUID]struct{}
}

// HighestReachableSafeSeq computes min(max_hs, min leave_seq of leavers not
// all-suspected, min partitioning lu-1, min partitioning safe_seq) per
// spec §4.3 rule 2. For this reimplementation "leave_seq" is modeled as
// the leaving node's SafeSeq entry in the node list (the EVS message
// carries no separate leave_seq field in this codec). recomputeLocalJoin
// fills that entry from the InputMap's per-sender safe seq; Node.LeaveSeq
// is not consulted here.
func (lv LocalView) HighestReachableSafeSeq() cmn.Seqno {
	result := lv.MaxHS
	for id, n := range lv.Nodes {
		if _, leaving := lv.Leaving[id]; leaving {
			if n.SafeSeq < result {
				result = n.SafeSeq
			}
		}
		if _, nonOp := lv.NonOperational[id]; nonOp {
			if n.Range.LU-1 < result {
				result = n.Range.LU - 1
			}
			if n.SafeSeq < result {
				result = n.SafeSeq
			}
		}
	}
	return result
}

// IsConsistentSameView implements spec §4.3's 5-rule consensus check for a
// candidate JOIN/INSTALL's node list against local state.
func IsConsistentSameView(local LocalView, candidate map[uuid.UUID]MessageNode) bool {
	// Rule 1: max_hs across all same-view nodes in the message equals
	// local input_map.max_hs.
	var candidateMaxHS cmn.Seqno = cmn.SeqnoNone
	for id, n := range candidate {
		if !n.CurrentView.Equal(local.ViewID) {
			continue
		}
		if n.Range.HS > candidateMaxHS {
			candidateMaxHS = n.Range.HS
		}
		_ = id
	}
	if candidateMaxHS != local.MaxHS {
		return false
	}

	// Rule 2: highest-reachable-safe-seq equality. We recompute it from
	// the candidate's own node list using the same formula and require
	// it to match the locally computed value.
	candidateView := LocalView{
		ViewID:  local.ViewID,
		MaxHS:   candidateMaxHS,
		Nodes:   candidate,
		Leaving: local.Leaving,
		NonOperational: local.NonOperational,
	}
	if candidateView.HighestReachableSafeSeq() != local.HighestReachableSafeSeq() {
		return false
	}

	// Rule 3: for every same-view node the message's range equals local range.
	for id, n := range candidate {
		if !n.CurrentView.Equal(local.ViewID) {
			continue
		}
		localN, ok := local.Nodes[id]
		if !ok || !localN.Range.Equal(n.Range) {
			return false
		}
	}

	// Rule 4: for every non-leaving non-operational member the message's
	// range equals local range.
	for id := range local.NonOperational {
		if _, leaving := local.Leaving[id]; leaving {
			continue
		}
		ln, lok := local.Nodes[id]
		cn, cok := candidate[id]
		if lok != cok {
			return false
		}
		if lok && cok && !ln.Range.Equal(cn.Range) {
			return false
		}
	}

	// Rule 5: for every leaving member the message's range equals local range.
	for id := range local.Leaving {
		ln, lok := local.Nodes[id]
		cn, cok := candidate[id]
		if lok != cok {
			return false
		}
		if lok && cok && !ln.Range.Equal(cn.Range) {
			return false
		}
	}

	return true
}

// OperationalJoins is the set of (uuid -> JOIN node list) the representative
// or any member has on file for each currently-operational peer.
type OperationalJoins map[uuid.UUID]map[uuid.UUID]MessageNode

// IsConsensus reports whether the local JOIN is consistent with itself and,
// for every operational node, a JOIN on file that IsConsistentSameView's
// with the local JOIN (spec §4.3 "is_consensus").
func IsConsensus(local LocalView, localJoinNodes map[uuid.UUID]MessageNode, operational OperationalJoins) bool {
	if !IsConsistentSameView(local, localJoinNodes) {
		return false
	}
	for id := range local.NonOperational {
		_ = id // non-operational nodes are not required to vote
	}
	for id := range operationalSet(local) {
		peerJoin, ok := operational[id]
		if !ok {
			return false
		}
		if !IsConsistentSameView(local, peerJoin) {
			return false
		}
	}
	return true
}

func operationalSet(local LocalView) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{})
	for id := range local.Nodes {
		if _, nonOp := local.NonOperational[id]; nonOp {
			continue
		}
		if _, leaving := local.Leaving[id]; leaving {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// Representative returns the UUID of the operational node with the
// lexicographically smallest UUID in known (spec §4.3).
func Representative(known map[uuid.UUID]*Node) uuid.UUID {
	var rep uuid.UUID
	first := true
	for id, n := range known {
		if !n.Operational {
			continue
		}
		if first || id.Less(rep) {
			rep = id
			first = false
		}
	}
	return rep
}
