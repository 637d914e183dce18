// Package state implements group state exchange and quorum computation:
// the StateMessage every node broadcasts after a component change, and
// compute_quorum, which decides whether the new component is primary
// (spec §4.4).
package state

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NodeState is the current_state / prim_state enum a StateMessage carries.
type NodeState int

const (
	StateNone NodeState = iota
	StatePrimary
	StateJoiner
	StateDonor
	StateJoined
	StateSynced
)

func (s NodeState) String() string {
	switch s {
	case StatePrimary:
		return "PRIMARY"
	case StateJoiner:
		return "JOINER"
	case StateDonor:
		return "DONOR"
	case StateJoined:
		return "JOINED"
	case StateSynced:
		return "SYNCED"
	default:
		return "NONE"
	}
}

// ProtoRange is the [min,max] protocol version a node supports.
type ProtoRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Message is the per-node StateMessage broadcast after every component
// change (spec §3 "State Message").
type Message struct {
	StateUUID    uuid.UUID  `json:"state_uuid"`
	GroupUUID    uuid.UUID  `json:"group_uuid"`
	PrimUUID     uuid.UUID  `json:"prim_uuid"`
	PrimJoined   int        `json:"prim_joined"`
	PrimSeqno    int64      `json:"prim_seqno"`
	ActSeqno     cmn.Seqno  `json:"act_seqno"`
	PrimState    NodeState  `json:"prim_state"`
	CurrentState NodeState  `json:"current_state"`
	Name         string     `json:"name"`
	IncomingAddr string     `json:"incoming_addr"`
	Proto        ProtoRange `json:"proto"`
	Flags        uint32     `json:"flags"`
}

// Encode serializes m as JSON, matching the teacher's control-plane
// wire convention (SPEC_FULL.md §2.4): binary for hot data, JSON for
// control messages like this one.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, cmn.NewError("state.Encode", cmn.KindProtocol, err)
	}
	return b, nil
}

// Decode parses a Message from JSON.
func Decode(buf []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return Message{}, cmn.NewError("state.Decode", cmn.KindProtocol, err)
	}
	return m, nil
}

// QuorumResult is compute_quorum's verdict.
type QuorumResult struct {
	Primary     bool
	GroupUUID   uuid.UUID
	ActSeqno    cmn.Seqno
	PrimSeqno   int64
	ProtoMin    int
	ProtoMax    int
}

// ComputeQuorum implements spec §4.4's 3-rule algorithm: inherit from the
// highest-act_seqno joined/synced/donor state, else (only when no state is
// joined/synced/donor) remerge if one prim_uuid class contains every member
// of that previous primary, else non-primary. Grounded on original_source's gcs_group.cpp bugfix #486:
// inherit is always tried before remerge, never the reverse.
func ComputeQuorum(states []Message) QuorumResult {
	if len(states) == 0 {
		return QuorumResult{Primary: false}
	}

	if r, ok := inherit(states); ok {
		r.ProtoMin, r.ProtoMax = protoIntersection(states)
		if r.ProtoMin > r.ProtoMax {
			r.Primary = false
		}
		return r
	}
	for _, s := range states {
		switch s.CurrentState {
		case StateDonor, StateJoined, StateSynced:
			// joined states exist, so inherit failed on a split brain
			return QuorumResult{Primary: false}
		}
	}
	if r, ok := remerge(states); ok {
		r.ProtoMin, r.ProtoMax = protoIntersection(states)
		if r.ProtoMin > r.ProtoMax {
			r.Primary = false
		}
		return r
	}
	return QuorumResult{Primary: false}
}

// inherit implements rule 1: elect the highest act_seqno (ties broken by
// highest prim_seqno) among DONOR/JOINED/SYNCED states; all such states
// must share group_uuid or the computation fails (split brain).
func inherit(states []Message) (QuorumResult, bool) {
	var candidates []Message
	for _, s := range states {
		switch s.CurrentState {
		case StateDonor, StateJoined, StateSynced:
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return QuorumResult{}, false
	}
	groupUUID := candidates[0].GroupUUID
	for _, c := range candidates {
		if c.GroupUUID != groupUUID {
			cmn.Log.Errorf("state: split brain, mismatched group_uuid among joined states")
			return QuorumResult{}, false
		}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActSeqno > best.ActSeqno ||
			(c.ActSeqno == best.ActSeqno && c.PrimSeqno > best.PrimSeqno) {
			best = c
		}
	}
	return QuorumResult{
		Primary:   true,
		GroupUUID: best.GroupUUID,
		ActSeqno:  best.ActSeqno,
		PrimSeqno: best.PrimSeqno,
	}, true
}

// remerge implements rule 2: group all states by prim_uuid; if one class
// contains every member that was in that previous primary component
// (found == prim_joined), that class is primary, inheriting its
// representative's identity.
func remerge(states []Message) (QuorumResult, bool) {
	classes := make(map[uuid.UUID][]Message)
	for _, s := range states {
		classes[s.PrimUUID] = append(classes[s.PrimUUID], s)
	}
	for primUUID, members := range classes {
		if primUUID.IsNil() {
			continue
		}
		found := len(members)
		primJoined := members[0].PrimJoined
		if found == primJoined {
			rep := members[0]
			for _, m := range members[1:] {
				if m.PrimSeqno > rep.PrimSeqno {
					rep = m
				}
			}
			return QuorumResult{
				Primary:   true,
				GroupUUID: rep.GroupUUID,
				ActSeqno:  rep.ActSeqno,
				PrimSeqno: rep.PrimSeqno,
			}, true
		}
	}
	return QuorumResult{}, false
}

// protoIntersection selects min(proto_max) across all states but
// >= max(proto_min); an empty range signals non-primary (spec §4.4).
func protoIntersection(states []Message) (min, max int) {
	max = states[0].Proto.Max
	min = states[0].Proto.Min
	for _, s := range states[1:] {
		if s.Proto.Max < max {
			max = s.Proto.Max
		}
		if s.Proto.Min > min {
			min = s.Proto.Min
		}
	}
	return min, max
}

func (r QuorumResult) String() string {
	if !r.Primary {
		return "non-primary"
	}
	return fmt.Sprintf("primary group=%s act_seqno=%d prim_seqno=%d proto=[%d,%d]",
		r.GroupUUID.Short(), r.ActSeqno, r.PrimSeqno, r.ProtoMin, r.ProtoMax)
}
