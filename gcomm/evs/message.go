package evs

import (
	"fmt"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// MsgType enumerates the EVS message codec's wire types (spec §3/§4.3).
type MsgType uint8

const (
	MsgNone MsgType = iota
	MsgUser
	MsgDelegate
	MsgGap
	MsgJoin
	MsgInstall
	MsgLeave
	MsgDelayedList
	MsgStateUUID
	MsgStateMsg
)

// SafetyPrefix is the delivery-safety class carried in the common header.
type SafetyPrefix uint8

const (
	SPUnreliable SafetyPrefix = iota
	SPFifo
	SPAgreed
	SPSafe
)

// Header flags (spec §3 EVS Message).
const (
	FMsgMore uint8 = 0x1
	FResend  uint8 = 0x2
	FSource  uint8 = 0x4
)

const HeaderVersion uint8 = 1

// Header is the versioned fixed header every EVS message carries (spec §3).
type Header struct {
	Version      uint8
	Type         MsgType
	UserType     uint8
	SafetyPrefix SafetyPrefix
	Flags        uint8
	Source       uuid.UUID
	SourceView   ViewId
	Seq          cmn.Seqno
	SeqRange     cmn.Seqno
	ARUSeq       cmn.Seqno
}

// UserMessage carries an application payload (T_USER, spec §4.3).
type UserMessage struct {
	Header
	Payload []byte
}

// DelegateMessage forwards a previously-framed action fragment verbatim.
type DelegateMessage struct {
	Header
	Payload []byte
}

// GapMessage requests/acknowledges retransmission and carries flow-control
// and INSTALL-phase commit votes (spec §4.3).
type GapMessage struct {
	Header
	RangeUUID uuid.UUID
	Range     cmn.Range
	Commit    bool
}

// MessageNode is one entry of a JOIN/INSTALL's node list (spec §3).
type MessageNode struct {
	Operational bool
	Leaving     bool
	CurrentView ViewId
	SafeSeq     cmn.Seqno
	Range       cmn.Range
}

// JoinMessage carries the sender's view of known nodes and their seqnos
// (spec §4.3).
type JoinMessage struct {
	Header
	FifoSeq int64
	Nodes   map[uuid.UUID]MessageNode
}

// InstallMessage is emitted only by the representative (spec §4.3).
type InstallMessage struct {
	Header
	FifoSeq int64
	Nodes   map[uuid.UUID]MessageNode
}

// LeaveMessage adds its sender to the partitioning set (spec §4.3).
type LeaveMessage struct {
	Header
	FifoSeq int64
}

// DelayedListMessage periodically reports chronically delayed peers for
// evs.auto_evict (spec §4.3, supplemented from original_source).
type DelayedListMessage struct {
	Header
	FifoSeq int64
	Delayed map[uuid.UUID]int64 // uuid -> count of observed delays
}

// StateUUIDMessage carries the random state_uuid nominee broadcast at the
// start of group state exchange (spec §4.4 step 1: "pick a random 128-bit
// state_uuid and broadcast it").
type StateUUIDMessage struct {
	Header
	UUID uuid.UUID
}

// StateMsgMessage carries one node's gcs/state.Message, opaque to evs
// (spec §4.4 step 3: "every node broadcasts its StateMessage"). evs only
// ferries the body; package state owns its schema.
type StateMsgMessage struct {
	Header
	Body []byte
}

// --- wire codec -------------------------------------------------------

// headerFixedSize is 1(version<<4|type) + 1(safety_prefix) + 1(user_type)
// + 1(flags) + 8(seq) + 8(seq_range) + 8(aru_seq). The encoded header then
// carries 16 bytes of source UUID iff F_SOURCE is set, then the view id
// (type:1 + rep:16 + seq:8); HeaderWireSize adds those parts.
const headerFixedSize = 1 + 1 + 1 + 1 + 8 + 8 + 8

// EncodeHeader writes h into buf (which must be at least HeaderWireSize(h)
// bytes) and returns the number of bytes written.
func EncodeHeader(buf []byte, h Header) int {
	off := 0
	buf[off] = (h.Version << 4) | (uint8(h.Type) & 0xF)
	off++
	buf[off] = uint8(h.SafetyPrefix)
	off++
	buf[off] = h.UserType
	off++
	flags := h.Flags
	if !h.Source.IsNil() {
		flags |= FSource
	}
	buf[off] = flags
	off++
	cmn.PutSeqno(buf[off:], h.Seq)
	off += 8
	cmn.PutSeqno(buf[off:], h.SeqRange)
	off += 8
	cmn.PutSeqno(buf[off:], h.ARUSeq)
	off += 8
	if flags&FSource != 0 {
		copy(buf[off:], h.Source.Bytes())
		off += uuid.Size
	}
	buf[off] = uint8(h.SourceView.Type)
	off++
	copy(buf[off:], h.SourceView.Rep.Bytes())
	off += uuid.Size
	cmn.PutInt64(buf[off:], h.SourceView.Seq)
	off += 8
	return off
}

// HeaderWireSize returns how many bytes EncodeHeader needs for h.
func HeaderWireSize(h Header) int {
	size := headerFixedSize
	if !h.Source.IsNil() || h.Flags&FSource != 0 {
		size += uuid.Size
	}
	size += 1 + uuid.Size + 8 // view id
	return size
}

// DecodeHeader parses a Header from buf, returning the header and the
// number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < headerFixedSize {
		return Header{}, 0, cmn.NewError("DecodeHeader", cmn.KindProtocol,
			fmt.Errorf("short buffer: %d bytes", len(buf)))
	}
	var h Header
	off := 0
	vt := buf[off]
	h.Version = vt >> 4
	h.Type = MsgType(vt & 0xF)
	off++
	h.SafetyPrefix = SafetyPrefix(buf[off])
	off++
	h.UserType = buf[off]
	off++
	h.Flags = buf[off]
	off++
	if len(buf) < off+24 {
		return Header{}, 0, cmn.NewError("DecodeHeader", cmn.KindProtocol,
			fmt.Errorf("short buffer for seq fields"))
	}
	h.Seq = cmn.GetSeqno(buf[off:])
	off += 8
	h.SeqRange = cmn.GetSeqno(buf[off:])
	off += 8
	h.ARUSeq = cmn.GetSeqno(buf[off:])
	off += 8
	if h.Flags&FSource != 0 {
		if len(buf) < off+uuid.Size {
			return Header{}, 0, cmn.NewError("DecodeHeader", cmn.KindProtocol,
				fmt.Errorf("short buffer for source uuid"))
		}
		src, err := uuid.FromBytes(buf[off : off+uuid.Size])
		if err != nil {
			return Header{}, 0, cmn.NewError("DecodeHeader", cmn.KindProtocol, err)
		}
		h.Source = src
		off += uuid.Size
	}
	if len(buf) < off+1+uuid.Size+8 {
		return Header{}, 0, cmn.NewError("DecodeHeader", cmn.KindProtocol,
			fmt.Errorf("short buffer for view id"))
	}
	h.SourceView.Type = ViewType(buf[off])
	off++
	rep, err := uuid.FromBytes(buf[off : off+uuid.Size])
	if err != nil {
		return Header{}, 0, cmn.NewError("DecodeHeader", cmn.KindProtocol, err)
	}
	h.SourceView.Rep = rep
	off += uuid.Size
	h.SourceView.Seq = cmn.GetInt64(buf[off:])
	off += 8
	return h, off, nil
}

// EncodeUser serializes a UserMessage (header + raw payload, zero-copy on
// the read side: the caller retains ownership of the returned slice's
// backing array when decoding in place).
func EncodeUser(m UserMessage) []byte {
	hs := HeaderWireSize(m.Header)
	buf := make([]byte, hs+len(m.Payload))
	EncodeHeader(buf, m.Header)
	copy(buf[hs:], m.Payload)
	return buf
}

// DecodeUser parses a UserMessage from buf.
func DecodeUser(buf []byte) (UserMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return UserMessage{}, err
	}
	return UserMessage{Header: h, Payload: buf[n:]}, nil
}

// EncodeGap serializes a GapMessage.
func EncodeGap(m GapMessage) []byte {
	hs := HeaderWireSize(m.Header)
	buf := make([]byte, hs+uuid.Size+cmn.RangeSerialSize+1)
	off := EncodeHeader(buf, m.Header)
	copy(buf[off:], m.RangeUUID.Bytes())
	off += uuid.Size
	cmn.PutRange(buf[off:], m.Range)
	off += cmn.RangeSerialSize
	if m.Commit {
		buf[off] = 1
	}
	return buf
}

// DecodeGap parses a GapMessage.
func DecodeGap(buf []byte) (GapMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return GapMessage{}, err
	}
	if len(buf) < n+uuid.Size+cmn.RangeSerialSize+1 {
		return GapMessage{}, cmn.NewError("DecodeGap", cmn.KindProtocol, fmt.Errorf("short buffer"))
	}
	ru, err := uuid.FromBytes(buf[n : n+uuid.Size])
	if err != nil {
		return GapMessage{}, cmn.NewError("DecodeGap", cmn.KindProtocol, err)
	}
	off := n + uuid.Size
	r := cmn.GetRange(buf[off:])
	off += cmn.RangeSerialSize
	commit := buf[off] != 0
	return GapMessage{Header: h, RangeUUID: ru, Range: r, Commit: commit}, nil
}

// IsMembership reports whether t is JOIN/INSTALL/LEAVE (spec §4.3).
func (t MsgType) IsMembership() bool {
	return t == MsgJoin || t == MsgInstall || t == MsgLeave
}
