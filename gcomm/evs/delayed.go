package evs

import (
	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// json is the jsoniter codec declared once in membership_codec.go, shared
// by every control-plane message type in this package.

type delayedListWire struct {
	FifoSeq int64            `json:"fifo_seq"`
	Delayed map[string]int64 `json:"delayed"`
}

// EncodeDelayedList serializes a DelayedListMessage the same JSON-bodied
// way JOIN/INSTALL are (SPEC_FULL.md §2.4: control-plane bodies go through
// jsoniter, the hot USER/GAP path stays hand-rolled binary).
func EncodeDelayedList(m DelayedListMessage) []byte {
	hs := HeaderWireSize(m.Header)
	delayed := make(map[string]int64, len(m.Delayed))
	for id, n := range m.Delayed {
		delayed[id.String()] = n
	}
	body, err := json.Marshal(delayedListWire{FifoSeq: m.FifoSeq, Delayed: delayed})
	if err != nil {
		cmn.Log.Errorf("EncodeDelayedList: %v", err)
		body = nil
	}
	buf := make([]byte, hs+len(body))
	EncodeHeader(buf, m.Header)
	copy(buf[hs:], body)
	return buf
}

// DecodeDelayedList parses a DelayedListMessage.
func DecodeDelayedList(buf []byte) (DelayedListMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return DelayedListMessage{}, err
	}
	var w delayedListWire
	if len(buf) > n {
		if err := json.Unmarshal(buf[n:], &w); err != nil {
			return DelayedListMessage{}, cmn.NewError("DecodeDelayedList", cmn.KindProtocol, err)
		}
	}
	delayed := make(map[uuid.UUID]int64, len(w.Delayed))
	for k, v := range w.Delayed {
		id, err := parseHexUUID(k)
		if err != nil {
			continue
		}
		delayed[id] = v
	}
	return DelayedListMessage{Header: h, FifoSeq: w.FifoSeq, Delayed: delayed}, nil
}

// TickDelayed is the DELAYED_LIST timer handler (spec §4.3, supplemented):
// a disabled auto_evict (the default) makes it a no-op, matching
// DefaultAutoEvict's "0 disables" contract. Otherwise it bumps this node's
// own suspicion counter for every peer currently SUSPECTed, evicts any
// peer whose counter has reached the threshold (on this node's count
// alone), and broadcasts the updated counts, which peers merge into their
// own in handleDelayedList.
func (p *Proto) TickDelayed() {
	if p.cfg.AutoEvict <= 0 || p.view == nil {
		return
	}
	for id, n := range p.known {
		if id == p.Self || !n.Suspected || !n.Operational {
			continue
		}
		p.delayedCounts[id]++
		if p.delayedCounts[id] >= int64(p.cfg.AutoEvict) {
			p.evict(id)
		}
	}
	_ = p.sendDelayedList()
}

func (p *Proto) sendDelayedList() error {
	if len(p.delayedCounts) == 0 {
		return nil
	}
	snapshot := make(map[uuid.UUID]int64, len(p.delayedCounts))
	for id, n := range p.delayedCounts {
		snapshot[id] = n
	}
	h := p.baseHeader(MsgDelayedList, SPUnreliable)
	buf := EncodeDelayedList(DelayedListMessage{Header: h, FifoSeq: p.nextFifoSeq(), Delayed: snapshot})
	return p.transport.Send(buf)
}

// handleDelayedList merges a peer's reported suspicion counts into our own
// (keeping the max observed count per peer, so one node's count never
// regresses because of a less-suspicious report), evicting anyone who
// crosses the threshold on the corroborated count.
func (p *Proto) handleDelayedList(sender uuid.UUID, m DelayedListMessage) error {
	n, ok := p.known[sender]
	if !ok {
		n = NewNode(p.Now())
		p.known[sender] = n
	}
	msgCopy := m
	n.SetDelayedListMessage(&msgCopy)
	n.SeenTstamp = p.Now()

	if p.cfg.AutoEvict <= 0 {
		return nil
	}
	for id, count := range m.Delayed {
		if id == p.Self {
			continue
		}
		if count > p.delayedCounts[id] {
			p.delayedCounts[id] = count
		}
		if p.delayedCounts[id] >= int64(p.cfg.AutoEvict) {
			p.evict(id)
		}
	}
	return nil
}

// evict forces a chronically delayed peer out the same way a LEAVE would:
// marked non-operational and leaving, which recomputeLocalJoin/localView
// already fold into the next JOIN/INSTALL round without any further
// special-casing.
func (p *Proto) evict(id uuid.UUID) {
	n, ok := p.known[id]
	if !ok || n.Leaving {
		return
	}
	cmn.Log.Warningf("evs: evicting %s, auto_evict threshold (%d) reached", id.Short(), p.cfg.AutoEvict)
	n.Operational = false
	n.Leaving = true
	n.LeaveSeq = p.im.MaxHS()
	delete(p.delayedCounts, id)
	if p.state == StateOperational {
		p.state = StateGather
		p.installAttempts = 0
		_ = p.sendJoin()
	}
}
