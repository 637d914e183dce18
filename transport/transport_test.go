package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/gcommgo/gcomm/evs"
	"github.com/codership/gcommgo/gcomm/uuid"
)

func newTestHeader(t *testing.T, source uuid.UUID) []byte {
	t.Helper()
	h := evs.Header{Version: evs.HeaderVersion, Type: evs.MsgLeave, Source: source}
	buf := make([]byte, evs.HeaderWireSize(h))
	n := evs.EncodeHeader(buf, h)
	return buf[:n]
}

func TestMulticasterSendReachesPeer(t *testing.T) {
	selfA, selfB := uuid.New(), uuid.New()

	recvCh := make(chan uuid.UUID, 1)
	b, err := NewMulticaster(selfB, "127.0.0.1:0", func(sender uuid.UUID, msgType evs.MsgType, buf []byte) {
		recvCh <- sender
	}, nil)
	require.NoError(t, err)
	defer b.Close()

	var componentCh = make(chan []uuid.UUID, 1)
	a, err := NewMulticaster(selfA, "127.0.0.1:0", func(uuid.UUID, evs.MsgType, []byte) {}, func(members []uuid.UUID, primary bool) {
		componentCh <- members
	})
	require.NoError(t, err)
	defer a.Close()

	a.SetPeers([]Peer{{ID: selfB, Addr: b.listener.Addr().String()}}, true)
	select {
	case members := <-componentCh:
		require.Contains(t, members, selfA)
		require.Contains(t, members, selfB)
	case <-time.After(time.Second):
		t.Fatal("component change not reported")
	}

	require.NoError(t, a.Send(newTestHeader(t, selfA)))

	select {
	case sender := <-recvCh:
		require.Equal(t, selfA, sender)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the frame")
	}
}

func TestMulticasterSendWithNoPeersLoopsBackToSelf(t *testing.T) {
	self := uuid.New()
	recvCh := make(chan uuid.UUID, 1)
	m, err := NewMulticaster(self, "127.0.0.1:0", func(sender uuid.UUID, msgType evs.MsgType, buf []byte) {
		recvCh <- sender
	}, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Send(newTestHeader(t, self)))

	select {
	case sender := <-recvCh:
		require.Equal(t, self, sender)
	case <-time.After(2 * time.Second):
		t.Fatal("Send with no peers never looped the frame back to self")
	}
}
