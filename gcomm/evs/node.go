package evs

import (
	"time"

	"github.com/codership/gcommgo/cmn"
)

// InvalidIndex marks a Node with no InputMap slot yet (spec §3 "index
// into InputMap (or invalid)").
const InvalidIndex = ^uint(0)

// NodeConfig is the small read-only bundle of durations InspectNode needs.
// Grounded on DESIGN NOTES §9 "Cyclic references between Node and Proto":
// rather than have Node hold a back-reference to Proto just to read
// timeout configuration, the relevant durations are injected each time
// InspectNode runs.
type NodeConfig struct {
	SuspectTimeout  time.Duration
	InactiveTimeout time.Duration
}

// Node is the per-member bookkeeping entry in EVS's known table (spec §3).
// Every message-owning field (JoinMessage, LeaveMessage, DelayedListMessage)
// is a uniquely-owned pointer, replaced wholesale (never mutated in place)
// on each new receipt — Go's GC plays the role the teacher's "scoped
// lifetime" move-and-drop plays in the origin C++ (DESIGN NOTES §9).
type Node struct {
	Index uint

	Operational bool
	Suspected   bool
	Inactive    bool
	Committed   bool
	Installed   bool

	// Leaving and LeaveSeq implement spec §4.3's LEAVE handling: "adds
	// sender to the partitioning set; sender is marked non-operational but
	// messages up to its declared seq remain deliverable".
	Leaving  bool
	LeaveSeq cmn.Seqno

	JoinMessage        *JoinMessage
	LeaveMessage       *LeaveMessage
	DelayedListMessage *DelayedListMessage

	Tstamp     time.Time // last time this node advanced our state
	SeenTstamp time.Time // last time we received any message from them

	LastRequestedRange      cmn.Range
	LastRequestedRangeStamp time.Time

	FifoSeq int64
	Segment uint16
}

// NewNode creates a node entry as seen the instant it first appears in a
// component: operational, with no InputMap slot yet.
func NewNode(now time.Time) *Node {
	return &Node{
		Index:       InvalidIndex,
		Operational: true,
		Tstamp:      now,
		SeenTstamp:  now,
		FifoSeq:     -1,
		LeaveSeq:    cmn.SeqnoNone,
	}
}

func (n *Node) SetJoinMessage(msg *JoinMessage)               { n.JoinMessage = msg }
func (n *Node) SetLeaveMessage(msg *LeaveMessage)              { n.LeaveMessage = msg }
func (n *Node) SetDelayedListMessage(msg *DelayedListMessage)  { n.DelayedListMessage = msg }

// IsSuspected reports whether tstamp is older than SuspectTimeout (spec
// §4.3 INACTIVITY timer rule).
func (n *Node) IsSuspected(now time.Time, cfg NodeConfig) bool {
	return now.Sub(n.Tstamp) >= cfg.SuspectTimeout
}

// IsInactive reports whether tstamp is older than InactiveTimeout.
func (n *Node) IsInactive(now time.Time, cfg NodeConfig) bool {
	return now.Sub(n.Tstamp) >= cfg.InactiveTimeout
}

// InspectNode is the periodic INACTIVITY-timer functor from spec §4.3: it
// marks nodes suspected/inactive based on injected config rather than a
// Node->Proto back-reference (DESIGN NOTES §9).
func InspectNode(n *Node, now time.Time, cfg NodeConfig) (becameSuspected, becameInactive bool) {
	if !n.Operational {
		return false, false
	}
	if !n.Suspected && n.IsSuspected(now, cfg) {
		n.Suspected = true
		becameSuspected = true
	}
	if !n.Inactive && n.IsInactive(now, cfg) {
		n.Inactive = true
		becameInactive = true
	}
	return
}
