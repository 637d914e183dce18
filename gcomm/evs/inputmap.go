package evs

import (
	"fmt"
	"sort"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// inputMapNode is the per-sender bookkeeping InputMap keeps internally
// (spec §3 "InputMap ... For each active sender i: a Range, a safe_seq_i,
// a stable index slot" — grounded on original_source's
// evs_input_map2.hpp InputMap::Node).
type inputMapNode struct {
	index   int
	range_  cmn.Range
	safeSeq cmn.Seqno
}

// msgKey orders stored messages first by seqno then by sender index (spec
// §3: "ordered first by seqno then by index").
type msgKey struct {
	seq   cmn.Seqno
	index int
}

func (a msgKey) less(b msgKey) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.index < b.index
}

type storedMsg struct {
	key     msgKey
	sender  uuid.UUID
	msg     UserMessage
	payload []byte
}

// InputMap is the delivery buffer of spec §4.1. It is owned exclusively by
// the EVS engine goroutine — no internal locking, matching spec §5's
// concurrency model ("known table and InputMap are owned by the engine
// thread").
type InputMap struct {
	nodes    map[uuid.UUID]*inputMapNode
	order    []uuid.UUID // insertion order of insert_sender, fixes index assignment
	messages map[msgKey]*storedMsg
	recovery map[msgKey]*storedMsg

	aruSeq  cmn.Seqno
	safeSeq cmn.Seqno

	// WindowSize bounds how far ahead of a sender's lu a message may be
	// accepted (spec §4.1: "message.seq ∈ [lu_i, lu_i+WINDOW)").
	WindowSize cmn.Seqno
}

// NewInputMap constructs an empty InputMap with the given acceptance window.
func NewInputMap(window cmn.Seqno) *InputMap {
	return &InputMap{
		nodes:      make(map[uuid.UUID]*inputMapNode),
		messages:   make(map[msgKey]*storedMsg),
		recovery:   make(map[msgKey]*storedMsg),
		aruSeq:     cmn.SeqnoZero,
		safeSeq:    cmn.SeqnoNone,
		WindowSize: window,
	}
}

// InsertSender registers uuid as an active sender. Allowed only while both
// the message and recovery indices are empty (spec §4.1).
func (m *InputMap) InsertSender(u uuid.UUID) error {
	if len(m.messages) != 0 || len(m.recovery) != 0 {
		return cmn.NewError("InputMap.InsertSender", cmn.KindInvariantViolation,
			fmt.Errorf("message or recovery index non-empty"))
	}
	if _, exists := m.nodes[u]; exists {
		return cmn.NewError("InputMap.InsertSender", cmn.KindInvariantViolation,
			fmt.Errorf("sender %s already registered", u))
	}
	m.nodes[u] = &inputMapNode{
		index:   len(m.order),
		range_:  cmn.NewRange(cmn.SeqnoZero, cmn.SeqnoNone),
		safeSeq: cmn.SeqnoNone,
	}
	m.order = append(m.order, u)
	return nil
}

// Insert inserts a message by (sender, seqno), returning the sender's
// updated Range. Duplicates are accepted idempotently. Out-of-window
// messages fail with OutOfRange (spec §4.1).
func (m *InputMap) Insert(sender uuid.UUID, msg UserMessage, payload []byte) (cmn.Range, error) {
	node, ok := m.nodes[sender]
	if !ok {
		return cmn.Range{}, cmn.NewError("InputMap.Insert", cmn.KindInvariantViolation,
			fmt.Errorf("unknown sender %s", sender))
	}
	seq := msg.Seq
	if seq < node.range_.LU || (node.range_.LU >= 0 && m.WindowSize > 0 && seq >= node.range_.LU+m.WindowSize) {
		return cmn.Range{}, cmn.NewError("InputMap.Insert", cmn.KindOutOfRange,
			fmt.Errorf("seq %d outside window [%d,%d)", seq, node.range_.LU, node.range_.LU+m.WindowSize))
	}
	key := msgKey{seq: seq, index: node.index}
	if _, dup := m.messages[key]; dup {
		return node.range_, nil // idempotent duplicate
	}
	m.messages[key] = &storedMsg{key: key, sender: sender, msg: msg, payload: payload}

	if seq >= node.range_.LU {
		// advance lu past any now-contiguous run
		lu := node.range_.LU
		for {
			if _, present := m.messages[msgKey{seq: lu, index: node.index}]; !present {
				break
			}
			lu++
		}
		node.range_.LU = lu
	}
	if seq > node.range_.HS {
		node.range_.HS = seq
	}
	m.updateARU()
	return node.range_, nil
}

// updateARU recomputes aru_seq = min over operational senders of (lu_i-1),
// skipping senders whose lu is still 0 (spec §4.1 algorithm).
func (m *InputMap) updateARU() {
	var min cmn.Seqno = -2 // sentinel "unset"
	for _, u := range m.order {
		n := m.nodes[u]
		if n.range_.LU == cmn.SeqnoZero {
			min = cmn.SeqnoZero
			continue
		}
		candidate := n.range_.LU - 1
		if min == -2 || candidate < min {
			min = candidate
		}
	}
	if min == -2 {
		min = cmn.SeqnoZero
	}
	// aru only advances through inserts; view-change clear() resets it.
	if min > m.aruSeq {
		m.aruSeq = min
	}
}

// SetSafeSeq declares all messages from sender up to seq stable. seq must
// be <= current aru_seq. Recomputes the global safe_seq as the min across
// all senders (spec §4.1).
func (m *InputMap) SetSafeSeq(sender uuid.UUID, seq cmn.Seqno) error {
	node, ok := m.nodes[sender]
	if !ok {
		return cmn.NewError("InputMap.SetSafeSeq", cmn.KindInvariantViolation,
			fmt.Errorf("unknown sender %s", sender))
	}
	if seq > m.aruSeq {
		return cmn.NewError("InputMap.SetSafeSeq", cmn.KindOutOfRange,
			fmt.Errorf("safe_seq %d exceeds aru_seq %d", seq, m.aruSeq))
	}
	if seq > node.safeSeq {
		node.safeSeq = seq
	}
	var min cmn.Seqno = cmn.SeqnoMax
	for _, u := range m.order {
		n := m.nodes[u]
		if n.safeSeq < min {
			min = n.safeSeq
		}
	}
	if min == cmn.SeqnoMax {
		min = cmn.SeqnoNone
	}
	if min > m.safeSeq {
		m.safeSeq = min
	}
	m.cleanupRecovery()
	return nil
}

func (m *InputMap) ARUSeq() cmn.Seqno  { return m.aruSeq }
func (m *InputMap) SafeSeq() cmn.Seqno { return m.safeSeq }

func (m *InputMap) Range(sender uuid.UUID) (cmn.Range, error) {
	n, ok := m.nodes[sender]
	if !ok {
		return cmn.Range{}, cmn.NewError("InputMap.Range", cmn.KindInvariantViolation, nil)
	}
	return n.range_, nil
}

func (m *InputMap) NodeSafeSeq(sender uuid.UUID) (cmn.Seqno, error) {
	n, ok := m.nodes[sender]
	if !ok {
		return 0, cmn.NewError("InputMap.NodeSafeSeq", cmn.KindInvariantViolation, nil)
	}
	return n.safeSeq, nil
}

// Iterator is a pull iterator over the stable-ordered message index,
// bounded by a predicate (DESIGN NOTES §9: "Generators for safe-delivery
// iteration" — modeled as an explicit stateful iterator with Next()).
type Iterator struct {
	m    *InputMap
	keys []msgKey
	pos  int
}

// Begin returns an iterator over all stored messages in (seqno, sender)
// order (spec §4.1).
func (m *InputMap) Begin() *Iterator {
	keys := make([]msgKey, 0, len(m.messages))
	for k := range m.messages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return &Iterator{m: m, keys: keys}
}

// Next returns the next stored message and advances, or ok=false at end.
func (it *Iterator) Next() (sender uuid.UUID, msg UserMessage, payload []byte, ok bool) {
	if it.pos >= len(it.keys) {
		return uuid.Nil, UserMessage{}, nil, false
	}
	sm := it.m.messages[it.keys[it.pos]]
	it.pos++
	return sm.sender, sm.msg, sm.payload, true
}

// Key re-exposes the current entry's seqno for predicate evaluation without
// re-fetching the message (used by IsFifo/IsAgreed/IsSafe below).
func (it *Iterator) current() (msgKey, *storedMsg, bool) {
	if it.pos == 0 || it.pos > len(it.keys) {
		return msgKey{}, nil, false
	}
	k := it.keys[it.pos-1]
	return k, it.m.messages[k], true
}

// IsFifo reports seqno <= lu_sender-1 for the entry just returned by Next.
func (it *Iterator) IsFifo() bool {
	k, sm, ok := it.current()
	if !ok {
		return false
	}
	n := it.m.nodes[sm.sender]
	_ = k
	return sm.key.seq <= n.range_.LU-1
}

// IsAgreed reports seqno <= aru_seq for the entry just returned by Next.
func (it *Iterator) IsAgreed() bool {
	k, _, ok := it.current()
	if !ok {
		return false
	}
	return k.seq <= it.m.aruSeq
}

// IsSafe reports seqno <= safe_seq for the entry just returned by Next.
func (it *Iterator) IsSafe() bool {
	k, _, ok := it.current()
	if !ok {
		return false
	}
	return k.seq <= it.m.safeSeq
}

// Erase removes the message at key from the message index. If it is not
// yet safe, a copy is retained in the recovery index for retransmission
// (spec §4.1).
func (m *InputMap) Erase(sender uuid.UUID, seq cmn.Seqno) {
	n, ok := m.nodes[sender]
	if !ok {
		return
	}
	key := msgKey{seq: seq, index: n.index}
	sm, present := m.messages[key]
	if !present {
		return
	}
	delete(m.messages, key)
	if seq > m.safeSeq {
		m.recovery[key] = sm
	}
}

func (m *InputMap) cleanupRecovery() {
	for k := range m.recovery {
		if k.seq <= m.safeSeq {
			delete(m.recovery, k)
		}
	}
}

// Recover looks up a previously-erased, not-yet-safe message for
// retransmission by (sender, seqno).
func (m *InputMap) Recover(sender uuid.UUID, seq cmn.Seqno) (UserMessage, []byte, bool) {
	n, ok := m.nodes[sender]
	if !ok {
		return UserMessage{}, nil, false
	}
	key := msgKey{seq: seq, index: n.index}
	if sm, present := m.messages[key]; present {
		return sm.msg, sm.payload, true
	}
	if sm, present := m.recovery[key]; present {
		return sm.msg, sm.payload, true
	}
	return UserMessage{}, nil, false
}

// Find looks up a stored (non-erased) message by (sender, seqno).
func (m *InputMap) Find(sender uuid.UUID, seq cmn.Seqno) (UserMessage, []byte, bool) {
	n, ok := m.nodes[sender]
	if !ok {
		return UserMessage{}, nil, false
	}
	key := msgKey{seq: seq, index: n.index}
	if sm, present := m.messages[key]; present {
		return sm.msg, sm.payload, true
	}
	return UserMessage{}, nil, false
}

// Clear drops all state; used on view change (spec §4.1).
func (m *InputMap) Clear() {
	m.nodes = make(map[uuid.UUID]*inputMapNode)
	m.order = nil
	m.messages = make(map[msgKey]*storedMsg)
	m.recovery = make(map[msgKey]*storedMsg)
	m.aruSeq = cmn.SeqnoZero
	m.safeSeq = cmn.SeqnoNone
}

// MaxHS returns the maximum highest-seen across all senders — used by the
// consensus evaluator's is_consistent_same_view rule 1 (spec §4.3).
func (m *InputMap) MaxHS() cmn.Seqno {
	var max cmn.Seqno = cmn.SeqnoNone
	for _, u := range m.order {
		if hs := m.nodes[u].range_.HS; hs > max {
			max = hs
		}
	}
	return max
}
