// Package evs implements the Extended Virtual Synchrony membership and
// reliable causal-total-order multicast layer: the view-change state
// machine, the input map, the node table, the consensus evaluator and the
// message codec (spec §4.1-§4.3).
package evs

import (
	"fmt"
	"sort"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// ViewType distinguishes the kind of view (spec §3).
type ViewType int

const (
	ViewNone ViewType = iota
	ViewTrans
	ViewReg
	ViewNonPrim
	ViewPrim
)

func (t ViewType) String() string {
	switch t {
	case ViewTrans:
		return "TRANS"
	case ViewReg:
		return "REG"
	case ViewNonPrim:
		return "NON_PRIM"
	case ViewPrim:
		return "PRIM"
	default:
		return "NONE"
	}
}

// ViewId = (type, representative, seq), ordered by seq, then representative
// UUID, then type (TRANS < REG) per spec §3.
type ViewId struct {
	Type ViewType
	Rep  uuid.UUID
	Seq  int64
}

// Less implements the ordering rule from spec §3.
func (v ViewId) Less(o ViewId) bool {
	if v.Seq != o.Seq {
		return v.Seq < o.Seq
	}
	if c := v.Rep.Compare(o.Rep); c != 0 {
		return c < 0
	}
	return viewTypeRank(v.Type) < viewTypeRank(o.Type)
}

func (v ViewId) Equal(o ViewId) bool {
	return v.Type == o.Type && v.Rep == o.Rep && v.Seq == o.Seq
}

// viewTypeRank orders TRANS before REG for tie-breaking (spec §3).
func viewTypeRank(t ViewType) int {
	switch t {
	case ViewTrans:
		return 0
	case ViewReg:
		return 1
	case ViewNonPrim:
		return 2
	case ViewPrim:
		return 3
	default:
		return -1
	}
}

func (v ViewId) String() string {
	return fmt.Sprintf("%s,%s,%d", v.Type, v.Rep.Short(), v.Seq)
}

// MemberInfo is the per-member payload tracked in View.Members.
type MemberInfo struct {
	Name    string
	Segment uint16
}

// View is a consistent snapshot of membership (spec §3). Members is kept
// as an ordered slice of UUIDs alongside a map so iteration order is
// deterministic (matching the input map's own deterministic delivery
// order requirement).
type View struct {
	Id          ViewId
	memberOrder []uuid.UUID
	Members     map[uuid.UUID]MemberInfo
	Joined      map[uuid.UUID]struct{}
	Left        map[uuid.UUID]struct{}
	Partitioned map[uuid.UUID]struct{}
}

// NewView constructs an empty view of the given id.
func NewView(id ViewId) *View {
	return &View{
		Id:          id,
		Members:     make(map[uuid.UUID]MemberInfo),
		Joined:      make(map[uuid.UUID]struct{}),
		Left:        make(map[uuid.UUID]struct{}),
		Partitioned: make(map[uuid.UUID]struct{}),
	}
}

// AddMember inserts a member, keeping memberOrder sorted by UUID so
// iteration is deterministic across nodes (spec §3: "ordered mapping").
func (v *View) AddMember(id uuid.UUID, info MemberInfo) {
	if _, exists := v.Members[id]; !exists {
		v.memberOrder = append(v.memberOrder, id)
		sort.Slice(v.memberOrder, func(i, j int) bool {
			return v.memberOrder[i].Less(v.memberOrder[j])
		})
	}
	v.Members[id] = info
}

// MemberIds returns members in deterministic (UUID-sorted) order.
func (v *View) MemberIds() []uuid.UUID {
	out := make([]uuid.UUID, len(v.memberOrder))
	copy(out, v.memberOrder)
	return out
}

func (v *View) IsMember(id uuid.UUID) bool {
	_, ok := v.Members[id]
	return ok
}

// Validate checks the invariants of spec §3: Members non-empty except for
// the distinguished self-leave final view; set-membership disjointness
// rules per view type.
func (v *View) Validate(selfLeaveFinal bool) error {
	if len(v.Members) == 0 && !selfLeaveFinal {
		return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
			fmt.Errorf("members empty in non-final view"))
	}
	switch v.Id.Type {
	case ViewTrans:
		for id := range v.Joined {
			if v.IsMember(id) {
				return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
					fmt.Errorf("joined %s overlaps members in TRANS view", id))
			}
		}
		for id := range v.Left {
			if v.IsMember(id) {
				return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
					fmt.Errorf("left %s overlaps members in TRANS view", id))
			}
		}
		for id := range v.Partitioned {
			if v.IsMember(id) {
				return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
					fmt.Errorf("partitioned %s overlaps members in TRANS view", id))
			}
		}
	case ViewReg:
		for id := range v.Joined {
			if !v.IsMember(id) {
				return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
					fmt.Errorf("joined %s not in members of REG view", id))
			}
		}
		for id := range v.Left {
			if v.IsMember(id) {
				return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
					fmt.Errorf("left %s overlaps members in REG view", id))
			}
		}
		for id := range v.Partitioned {
			if v.IsMember(id) {
				return cmn.NewError("View.Validate", cmn.KindInvariantViolation,
					fmt.Errorf("partitioned %s overlaps members in REG view", id))
			}
		}
	}
	return nil
}
