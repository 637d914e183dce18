package frag

import (
	"bytes"
	"testing"

	"github.com/codership/gcommgo/cmn"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	// byte 0 of act_id carries the version|type overlay, so it is left zero
	h := Header{ActID: 0x0002030405060708, ActSize: 1234, FragNo: 7, Type: ActionData}
	buf := make([]byte, HeaderSize)
	Encode(buf, h)
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, h.ActID, got.ActID)
	require.Equal(t, h.ActSize, got.ActSize)
	require.Equal(t, h.FragNo, got.FragNo)
	require.Equal(t, h.Type, got.Type)
}

func TestDefragmenterReassemblesNonLocalAction(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	frags := Fragment(42, ActionData, payload, 10)
	require.Greater(t, len(frags), 1)

	d := NewDefragmenter()
	var out []byte
	for _, f := range frags {
		res, err := d.Handle(f.Header, f.Chunk, false, nil)
		require.NoError(t, err)
		if res != nil {
			out = res
		}
	}
	require.True(t, bytes.Equal(payload, out))
}

func TestDefragmenterLocalActionReturnsCallerBuffer(t *testing.T) {
	payload := []byte("short")
	frags := Fragment(1, ActionData, payload, 100)
	require.Len(t, frags, 1)

	d := NewDefragmenter()
	out, err := d.Handle(frags[0].Header, frags[0].Chunk, true, payload)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, out))
}

func TestDefragmenterRejectsOutOfOrderFragNo(t *testing.T) {
	d := NewDefragmenter()
	_, err := d.Handle(Header{ActID: 1, ActSize: 10, FragNo: 0, Type: ActionData}, []byte("abcde"), false, nil)
	require.NoError(t, err)

	_, err = d.Handle(Header{ActID: 1, ActSize: 10, FragNo: 2, Type: ActionData}, []byte("fghij"), false, nil)
	require.Error(t, err)
	require.Equal(t, cmn.KindProtocol, cmn.KindOf(err))
}

func TestDefragmenterLocalResetAbortsInProgressAction(t *testing.T) {
	d := NewDefragmenter()
	_, err := d.Handle(Header{ActID: 1, ActSize: 100, FragNo: 0, Type: ActionData}, make([]byte, 10), false, nil)
	require.NoError(t, err)

	// a local sender starting a brand new action silently forgets the old one
	out, err := d.Handle(Header{ActID: 2, ActSize: 5, FragNo: 0, Type: ActionData}, []byte("abcde"), true, []byte("abcde"))
	require.NoError(t, err)
	require.Equal(t, []byte("abcde"), out)
}
