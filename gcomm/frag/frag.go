// Package frag implements action fragmentation and defragmentation: fixed
// wire framing for splitting an application action across multiple EVS
// user messages, and per-sender reassembly on the receiving side
// (spec §4.2, wire layout spec §6).
package frag

import (
	"encoding/binary"
	"fmt"

	"github.com/codership/gcommgo/cmn"
)

// ActionType distinguishes the kind of framed action (byte 16 of the
// fragment header).
type ActionType uint8

const (
	ActionData ActionType = iota
	ActionService
	ActionCommitCut
	ActionStateReq
	ActionSync
	ActionFlow
)

const (
	// HeaderSize is the 20-byte action fragment header (spec §6).
	HeaderSize = 20
	headerVersion uint8 = 1
)

// Header is the 20-byte action fragment header (spec §6):
// bytes 0-7 act_id, big-endian (byte 0 doubles as version|type on the wire,
// restored to zero when decoded, so only the low 56 bits of act_id survive
// a round trip), bytes 8-11 act_size, bytes 12-15 frag_no, byte
// 16 action type, bytes 17-19 reserved.
type Header struct {
	ActID   uint64
	ActSize uint32
	FragNo  uint32
	Type    ActionType
}

// Encode writes h's 20-byte wire form into buf (len(buf) >= HeaderSize).
func Encode(buf []byte, h Header) {
	idBytes := h.ActID
	binary.BigEndian.PutUint64(buf[0:8], idBytes)
	// overlay version(low 4 bits)|type(high 4 bits) onto byte 0, per
	// spec.md §6's wire note; the overlay is restored to zero on decode.
	buf[0] = (buf[0] &^ 0xFF) | (headerVersion & 0xF) | (uint8(h.Type)<<4)&0xF0
	cmn.PutUint32(buf[8:12], h.ActSize)
	cmn.PutUint32(buf[12:16], h.FragNo)
	buf[16] = uint8(h.Type)
	buf[17], buf[18], buf[19] = 0, 0, 0
}

// Decode parses a Header from buf, restoring byte 0's overlay to zero
// before interpreting act_id (spec §6).
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, cmn.NewError("frag.Decode", cmn.KindProtocol,
			fmt.Errorf("short buffer: %d bytes", len(buf)))
	}
	raw := make([]byte, 8)
	copy(raw, buf[0:8])
	raw[0] = 0
	h := Header{
		ActID:   binary.BigEndian.Uint64(raw),
		ActSize: cmn.GetUint32(buf[8:12]),
		FragNo:  cmn.GetUint32(buf[12:16]),
		Type:    ActionType(buf[16]),
	}
	return h, nil
}

// Fragment splits payload into a sequence of (Header, chunk) fragments no
// larger than maxPayload bytes of action data each.
func Fragment(actID uint64, actType ActionType, payload []byte, maxPayload int) []struct {
	Header Header
	Chunk  []byte
} {
	if maxPayload <= 0 {
		maxPayload = len(payload)
		if maxPayload == 0 {
			maxPayload = 1
		}
	}
	var out []struct {
		Header Header
		Chunk  []byte
	}
	total := uint32(len(payload))
	if len(payload) == 0 {
		out = append(out, struct {
			Header Header
			Chunk  []byte
		}{Header{ActID: actID, ActSize: 0, FragNo: 0, Type: actType}, nil})
		return out
	}
	fragNo := uint32(0)
	for off := 0; off < len(payload); off += maxPayload {
		end := off + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, struct {
			Header Header
			Chunk  []byte
		}{Header{ActID: actID, ActSize: total, FragNo: fragNo, Type: actType}, payload[off:end]})
		fragNo++
	}
	return out
}
