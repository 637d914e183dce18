package frag

import (
	"fmt"

	"github.com/codership/gcommgo/cmn"
)

// inflight tracks one action under reassembly (spec §4.2).
type inflight struct {
	actID    uint64
	actType  ActionType
	actSize  uint32
	nextFrag uint32
	buf      []byte // nil for local actions: the sender's own buffer is reused
	written  uint32
}

// Defragmenter reassembles an action from ordered fragments for a single
// sender (spec §4.2: "per (sender, act_id) reassemble an action"). Callers
// keep one Defragmenter per sender.
type Defragmenter struct {
	cur *inflight
}

// NewDefragmenter constructs an empty, ready-to-use defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{}
}

// Handle processes one fragment. Returns (nil, nil) when more fragments are
// needed, (action, nil) with the reassembled action when complete, or a
// KindProtocol error on a framing violation (spec §4.2).
//
// localBuf, when is_local is true, is the application's own buffer for
// this action (frag.Handle never allocates for local actions — it just
// validates frag_no sequencing and returns the caller's buffer back on
// completion, per spec §4.2's "no buffer is allocated" rule).
func (d *Defragmenter) Handle(h Header, payload []byte, isLocal bool, localBuf []byte) ([]byte, error) {
	if h.FragNo == 0 {
		if d.cur != nil && isLocal {
			// a local sender starting a new action silently forgets the
			// previous half-sent one (spec §4.2 view-change abort case).
			d.cur = nil
		}
		if d.cur != nil {
			return nil, cmn.NewError("Defragmenter.Handle", cmn.KindProtocol,
				fmt.Errorf("frag_no=0 while action %d still in progress", d.cur.actID))
		}
		d.cur = &inflight{actID: h.ActID, actType: h.Type, actSize: h.ActSize}
		if !isLocal {
			d.cur.buf = make([]byte, h.ActSize)
		}
		return d.appendAndCheck(payload, localBuf)
	}

	if d.cur == nil || h.ActID != d.cur.actID || h.FragNo != d.cur.nextFrag+1 {
		return nil, cmn.NewError("Defragmenter.Handle", cmn.KindProtocol,
			fmt.Errorf("out-of-order fragment act_id=%d frag_no=%d", h.ActID, h.FragNo))
	}
	d.cur.nextFrag = h.FragNo
	return d.appendAndCheck(payload, localBuf)
}

func (d *Defragmenter) appendAndCheck(payload []byte, localBuf []byte) ([]byte, error) {
	if d.cur.buf != nil {
		copy(d.cur.buf[d.cur.written:], payload)
	}
	d.cur.written += uint32(len(payload))
	if d.cur.written < d.cur.actSize {
		return nil, nil
	}
	var out []byte
	if d.cur.buf != nil {
		out = d.cur.buf
	} else {
		out = localBuf
	}
	d.cur = nil
	return out, nil
}

// Reset forgets any in-progress action, used on view change so a later
// local send starting frag_no=0 isn't rejected as a duplicate start.
func (d *Defragmenter) Reset() {
	d.cur = nil
}
