package evs

import (
	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// EncodeStateUUID serializes a StateUUIDMessage: header + 16-byte uuid,
// the same fixed-size shape as GapMessage's RangeUUID field.
func EncodeStateUUID(m StateUUIDMessage) []byte {
	hs := HeaderWireSize(m.Header)
	buf := make([]byte, hs+uuid.Size)
	EncodeHeader(buf, m.Header)
	copy(buf[hs:], m.UUID.Bytes())
	return buf
}

// DecodeStateUUID parses a StateUUIDMessage.
func DecodeStateUUID(buf []byte) (StateUUIDMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return StateUUIDMessage{}, err
	}
	if len(buf) < n+uuid.Size {
		return StateUUIDMessage{}, cmn.NewError("DecodeStateUUID", cmn.KindProtocol, nil)
	}
	id, err := uuid.FromBytes(buf[n : n+uuid.Size])
	if err != nil {
		return StateUUIDMessage{}, cmn.NewError("DecodeStateUUID", cmn.KindProtocol, err)
	}
	return StateUUIDMessage{Header: h, UUID: id}, nil
}

// EncodeStateMsg serializes a StateMsgMessage: header + opaque body, the
// same zero-copy shape as EncodeUser/DecodeUser.
func EncodeStateMsg(m StateMsgMessage) []byte {
	hs := HeaderWireSize(m.Header)
	buf := make([]byte, hs+len(m.Body))
	EncodeHeader(buf, m.Header)
	copy(buf[hs:], m.Body)
	return buf
}

// DecodeStateMsg parses a StateMsgMessage.
func DecodeStateMsg(buf []byte) (StateMsgMessage, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return StateMsgMessage{}, err
	}
	return StateMsgMessage{Header: h, Body: buf[n:]}, nil
}

// SendStateUUID broadcasts this node's state_uuid nominee (spec §4.4 step
// 1). Like JOIN/INSTALL/LEAVE/GAP it goes straight to the transport,
// bypassing the InputMap's ordered USER stream -- it's control-plane, not
// application data.
func (p *Proto) SendStateUUID(id uuid.UUID) error {
	h := p.baseHeader(MsgStateUUID, SPUnreliable)
	return p.transport.Send(EncodeStateUUID(StateUUIDMessage{Header: h, UUID: id}))
}

// SendStateMsg broadcasts an opaque state.Message body (spec §4.4 step 3).
func (p *Proto) SendStateMsg(body []byte) error {
	h := p.baseHeader(MsgStateMsg, SPUnreliable)
	return p.transport.Send(EncodeStateMsg(StateMsgMessage{Header: h, Body: body}))
}

// handleStateUUID and handleStateMsg simply forward the decoded content up
// through deliver; evs doesn't interpret a state_uuid nomination or a
// state message body, it only carries them (gcs/group owns the "first
// wins" adoption rule and the N-collected-then-compute_quorum trigger).
func (p *Proto) handleStateUUID(sender uuid.UUID, m StateUUIDMessage) error {
	p.deliver(Delivered{Type: DeliveryStateUUID, Payload: m.UUID.Bytes(), Sender: sender})
	return nil
}

func (p *Proto) handleStateMsg(sender uuid.UUID, m StateMsgMessage) error {
	p.deliver(Delivered{Type: DeliveryStateMsg, Payload: m.Body, Sender: sender})
	return nil
}
