package state

import (
	"testing"

	"github.com/codership/gcommgo/gcomm/uuid"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		StateUUID:    uuid.New(),
		GroupUUID:    uuid.New(),
		PrimUUID:     uuid.New(),
		PrimJoined:   3,
		PrimSeqno:    7,
		ActSeqno:     42,
		PrimState:    StatePrimary,
		CurrentState: StateSynced,
		Name:         "node1",
		IncomingAddr: "10.0.0.1:4567",
		Proto:        ProtoRange{Min: 1, Max: 2},
	}
	buf, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestComputeQuorumInheritsHighestActSeqno(t *testing.T) {
	group := uuid.New()
	states := []Message{
		{GroupUUID: group, CurrentState: StateSynced, ActSeqno: 10, Proto: ProtoRange{Min: 1, Max: 3}},
		{GroupUUID: group, CurrentState: StateJoined, ActSeqno: 20, Proto: ProtoRange{Min: 1, Max: 2}},
		{GroupUUID: group, CurrentState: StateJoiner, ActSeqno: 99, Proto: ProtoRange{Min: 1, Max: 3}},
	}
	r := ComputeQuorum(states)
	require.True(t, r.Primary)
	require.EqualValues(t, 20, r.ActSeqno)
	require.Equal(t, 1, r.ProtoMin)
	require.Equal(t, 2, r.ProtoMax)
}

func TestComputeQuorumSplitBrainOnMismatchedGroupUUID(t *testing.T) {
	states := []Message{
		{GroupUUID: uuid.New(), CurrentState: StateSynced, ActSeqno: 1},
		{GroupUUID: uuid.New(), CurrentState: StateSynced, ActSeqno: 2},
	}
	r := ComputeQuorum(states)
	require.False(t, r.Primary)
}

func TestComputeQuorumRemergeWhenNoJoinedNode(t *testing.T) {
	prim := uuid.New()
	states := []Message{
		{PrimUUID: prim, PrimJoined: 2, CurrentState: StateJoiner, PrimSeqno: 5},
		{PrimUUID: prim, PrimJoined: 2, CurrentState: StateJoiner, PrimSeqno: 5},
	}
	r := ComputeQuorum(states)
	require.True(t, r.Primary)
}

func TestComputeQuorumNonPrimaryWhenNoRemergeClassComplete(t *testing.T) {
	prim := uuid.New()
	states := []Message{
		{PrimUUID: prim, PrimJoined: 3, CurrentState: StateJoiner},
		{PrimUUID: prim, PrimJoined: 3, CurrentState: StateJoiner},
	}
	r := ComputeQuorum(states)
	require.False(t, r.Primary)
}

func TestComputeQuorumEmptyProtoIntersectionIsNonPrimary(t *testing.T) {
	group := uuid.New()
	states := []Message{
		{GroupUUID: group, CurrentState: StateSynced, ActSeqno: 1, Proto: ProtoRange{Min: 3, Max: 4}},
		{GroupUUID: group, CurrentState: StateSynced, ActSeqno: 1, Proto: ProtoRange{Min: 1, Max: 2}},
	}
	r := ComputeQuorum(states)
	require.False(t, r.Primary)
}
