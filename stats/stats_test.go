package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerCounters(t *testing.T) {
	tr, err := New("test-channel-counters")
	require.NoError(t, err)
	defer Unregister("test-channel-counters")

	tr.ViewChange()
	tr.MessageSent(100)
	tr.MessageReceived(50)
	tr.WouldBlock()
	tr.Retransmit()
	tr.SetInputMapDepth(7)
	tr.SetGCacheOccupied(4096)
	tr.ObserveSendLatency(2 * time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(tr.viewChanges))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.messagesSent))
	require.Equal(t, float64(100), testutil.ToFloat64(tr.bytesSent))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.messagesRecv))
	require.Equal(t, float64(50), testutil.ToFloat64(tr.bytesRecv))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.wouldBlocks))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.retransmits))
	require.Equal(t, float64(7), testutil.ToFloat64(tr.inputMapDepth))
	require.Equal(t, float64(4096), testutil.ToFloat64(tr.gcacheOccupied))
}

func TestTwoChannelsDontShareSeries(t *testing.T) {
	a, err := New("test-channel-a")
	require.NoError(t, err)
	defer Unregister("test-channel-a")
	b, err := New("test-channel-b")
	require.NoError(t, err)
	defer Unregister("test-channel-b")

	a.ViewChange()
	require.Equal(t, float64(1), testutil.ToFloat64(a.viewChanges))
	require.Equal(t, float64(0), testutil.ToFloat64(b.viewChanges))
}
