package evs

import (
	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
	jsoniter "github.com/json-iterator/go"
)

// JOIN/INSTALL carry a variable node list and DELAYED_LIST a variable
// delay map rather than a fixed-size payload; LEAVE is header + fifo_seq.
// Per SPEC_FULL.md §2.4 the hot USER/GAP path is hand-rolled binary but control-plane bodies go
// through jsoniter, exactly as the teacher reserves JSON for control
// messages and binary for data paths.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

type joinWire struct {
	FifoSeq int64                     `json:"fifo_seq"`
	Nodes   map[string]MessageNode    `json:"nodes"`
}

func encodeNodeList(nodes map[string]MessageNode, fifoSeq int64) []byte {
	b, err := json.Marshal(joinWire{FifoSeq: fifoSeq, Nodes: nodes})
	if err != nil {
		cmn.Log.Errorf("encodeNodeList: %v", err)
		return nil
	}
	return b
}

func decodeNodeList(buf []byte) (joinWire, error) {
	var w joinWire
	if len(buf) == 0 {
		w.Nodes = map[string]MessageNode{}
		return w, nil
	}
	if err := json.Unmarshal(buf, &w); err != nil {
		return w, cmn.NewError("decodeNodeList", cmn.KindProtocol, err)
	}
	if w.Nodes == nil {
		w.Nodes = map[string]MessageNode{}
	}
	return w, nil
}

// EncodeJoin serializes a JoinMessage: header followed by a JSON node list.
func EncodeJoin(m JoinMessage) []byte {
	hs := HeaderWireSize(m.Header)
	body := encodeNodeList(stringKeyed(m.Nodes), m.FifoSeq)
	buf := make([]byte, hs+len(body))
	EncodeHeader(buf, m.Header)
	copy(buf[hs:], body)
	return buf
}

// DecodeJoin parses a JoinMessage.
func DecodeJoin(buf []byte) (JoinMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return JoinMessage{}, err
	}
	w, err := decodeNodeList(buf[n:])
	if err != nil {
		return JoinMessage{}, err
	}
	return JoinMessage{Header: h, FifoSeq: w.FifoSeq, Nodes: uuidKeyedMust(w.Nodes)}, nil
}

// EncodeInstall serializes an InstallMessage (same shape as JOIN).
func EncodeInstall(m InstallMessage) []byte {
	hs := HeaderWireSize(m.Header)
	body := encodeNodeList(stringKeyed(m.Nodes), m.FifoSeq)
	buf := make([]byte, hs+len(body))
	EncodeHeader(buf, m.Header)
	copy(buf[hs:], body)
	return buf
}

// DecodeInstall parses an InstallMessage.
func DecodeInstall(buf []byte) (InstallMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return InstallMessage{}, err
	}
	w, err := decodeNodeList(buf[n:])
	if err != nil {
		return InstallMessage{}, err
	}
	return InstallMessage{Header: h, FifoSeq: w.FifoSeq, Nodes: uuidKeyedMust(w.Nodes)}, nil
}

// EncodeLeave serializes a LeaveMessage (header + fifo_seq only).
func EncodeLeave(m LeaveMessage) []byte {
	hs := HeaderWireSize(m.Header)
	buf := make([]byte, hs+8)
	EncodeHeader(buf, m.Header)
	cmn.PutInt64(buf[hs:], m.FifoSeq)
	return buf
}

// DecodeLeave parses a LeaveMessage.
func DecodeLeave(buf []byte) (LeaveMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return LeaveMessage{}, err
	}
	if len(buf) < n+8 {
		return LeaveMessage{}, cmn.NewError("DecodeLeave", cmn.KindProtocol, nil)
	}
	return LeaveMessage{Header: h, FifoSeq: cmn.GetInt64(buf[n:])}, nil
}

func stringKeyed(m map[uuid.UUID]MessageNode) map[string]MessageNode {
	out := make(map[string]MessageNode, len(m))
	for k, v := range m {
		out[k.String()] = v
	}
	return out
}

func uuidKeyedMust(m map[string]MessageNode) map[uuid.UUID]MessageNode {
	out := make(map[uuid.UUID]MessageNode, len(m))
	for k, v := range m {
		u, err := parseHexUUID(k)
		if err != nil {
			continue
		}
		out[u] = v
	}
	return out
}

func parseHexUUID(s string) (uuid.UUID, error) {
	b := make([]byte, uuid.Size)
	if len(s) != uuid.Size*2 {
		var z uuid.UUID
		return z, cmn.NewError("parseHexUUID", cmn.KindProtocol, nil)
	}
	for i := 0; i < uuid.Size; i++ {
		hi, err1 := hexNibble(s[i*2])
		lo, err2 := hexNibble(s[i*2+1])
		if err1 != nil || err2 != nil {
			var z uuid.UUID
			return z, cmn.NewError("parseHexUUID", cmn.KindProtocol, nil)
		}
		b[i] = hi<<4 | lo
	}
	return uuid.FromBytes(b)
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, cmn.NewError("hexNibble", cmn.KindProtocol, nil)
	}
}
