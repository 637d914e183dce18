package evs

import (
	"testing"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
	"github.com/stretchr/testify/require"
)

func TestInputMapInsertSenderPreconditions(t *testing.T) {
	m := NewInputMap(100)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))

	_, err := m.Insert(a, UserMessage{Header: Header{Seq: 1}}, nil)
	require.NoError(t, err)

	b := uuid.New()
	err = m.InsertSender(b)
	require.Error(t, err, "insert_sender must fail once the message index is non-empty")
	require.Equal(t, cmn.KindInvariantViolation, cmn.KindOf(err))
}

func TestInputMapAruAdvancesOnContiguousInsert(t *testing.T) {
	m := NewInputMap(1000)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))

	for i := cmn.Seqno(0); i < 5; i++ {
		_, err := m.Insert(a, UserMessage{Header: Header{Seq: i}}, nil)
		require.NoError(t, err)
	}
	require.EqualValues(t, 4, m.ARUSeq())
}

func TestInputMapAruWaitsForSlowestSender(t *testing.T) {
	m := NewInputMap(1000)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, m.InsertSender(a))
	require.NoError(t, m.InsertSender(b))

	for i := cmn.Seqno(0); i < 5; i++ {
		_, err := m.Insert(a, UserMessage{Header: Header{Seq: i}}, nil)
		require.NoError(t, err)
	}
	_, err := m.Insert(b, UserMessage{Header: Header{Seq: 0}}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, m.ARUSeq(), "aru bounded by b's lagging range")
}

func TestInputMapOutOfWindowRejected(t *testing.T) {
	m := NewInputMap(2)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))
	_, err := m.Insert(a, UserMessage{Header: Header{Seq: 10}}, nil)
	require.Error(t, err)
	require.Equal(t, cmn.KindOutOfRange, cmn.KindOf(err))
}

func TestInputMapDuplicateInsertIdempotent(t *testing.T) {
	m := NewInputMap(100)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))
	_, err := m.Insert(a, UserMessage{Header: Header{Seq: 0}}, []byte("x"))
	require.NoError(t, err)
	r2, err := m.Insert(a, UserMessage{Header: Header{Seq: 0}}, []byte("x"))
	require.NoError(t, err)
	require.EqualValues(t, 1, r2.LU)
}

func TestInputMapSafeSeqNeverExceedsARU(t *testing.T) {
	m := NewInputMap(100)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))
	_, _ = m.Insert(a, UserMessage{Header: Header{Seq: 0}}, nil)
	err := m.SetSafeSeq(a, m.ARUSeq()+1)
	require.Error(t, err)
	require.LessOrEqual(t, int64(m.SafeSeq()), int64(m.ARUSeq()))
}

func TestInputMapIteratorPredicatesOrdering(t *testing.T) {
	m := NewInputMap(100)
	a, b := uuid.New(), uuid.New()
	if b.Less(a) {
		a, b = b, a
	}
	require.NoError(t, m.InsertSender(a))
	require.NoError(t, m.InsertSender(b))

	_, _ = m.Insert(a, UserMessage{Header: Header{Seq: 0}}, nil)
	_, _ = m.Insert(b, UserMessage{Header: Header{Seq: 0}}, nil)
	_, _ = m.Insert(a, UserMessage{Header: Header{Seq: 1}}, nil)

	require.NoError(t, m.SetSafeSeq(a, 0))
	require.NoError(t, m.SetSafeSeq(b, 0))

	it := m.Begin()
	var seen []cmn.Seqno
	for {
		_, msg, _, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, msg.Seq)
		if msg.Seq == 0 {
			require.True(t, it.IsSafe())
		}
	}
	require.Equal(t, []cmn.Seqno{0, 0, 1}, seen)
}

func TestInputMapEraseRetainsForRecoveryUntilSafe(t *testing.T) {
	m := NewInputMap(100)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))
	_, _ = m.Insert(a, UserMessage{Header: Header{Seq: 0}}, []byte("payload"))

	m.Erase(a, 0)
	_, _, ok := m.Recover(a, 0)
	require.True(t, ok, "message not yet safe should be recoverable after erase")

	require.NoError(t, m.SetSafeSeq(a, 0))
	_, _, ok = m.Recover(a, 0)
	require.False(t, ok, "recovery entries at or below safe_seq are cleaned up")
}

func TestInputMapClearResetsState(t *testing.T) {
	m := NewInputMap(100)
	a := uuid.New()
	require.NoError(t, m.InsertSender(a))
	_, _ = m.Insert(a, UserMessage{Header: Header{Seq: 0}}, nil)
	m.Clear()
	require.EqualValues(t, 0, m.ARUSeq())
	require.Equal(t, cmn.SeqnoNone, m.SafeSeq())
	require.NoError(t, m.InsertSender(a))
}
