package group

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/evs"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// loopbackTransport hands every sent buffer back to the same Handle on a
// fresh goroutine, the way a real transport would deliver a message back
// over the wire -- asynchronously, never by re-entering the sender's own
// call stack (which would deadlock on Handle.mu).
type loopbackTransport struct {
	h *Handle
}

func (t *loopbackTransport) Send(buf []byte) error {
	hdr, _, err := evs.DecodeHeader(buf)
	if err != nil {
		return err
	}
	go func() {
		_ = t.h.HandleWireMessage(hdr.Source, hdr.Type, buf)
	}()
	return nil
}

func waitForState(t *testing.T, h *Handle, want evs.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := h.proto.State()
		h.mu.Unlock()
		if got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s", want)
}

func TestGroupOpenAloneAndSendRecv(t *testing.T) {
	dir := t.TempDir()
	self := uuid.New()
	cfg := cmn.DefaultConfig()

	tr := &loopbackTransport{}
	h, err := Open("test-channel-alone", self, cfg, tr, filepath.Join(dir, "ring.gcache"))
	require.NoError(t, err)
	tr.h = h
	defer h.Close()

	require.NoError(t, h.HandleComponent([]uuid.UUID{self}, true))
	waitForState(t, h, evs.StateOperational)

	_, err = h.Send([]byte("hello world"), 0)
	require.NoError(t, err)

	item, err := h.Recv()
	require.NoError(t, err)
	require.Equal(t, ItemConfChange, item.Type)
}

func TestGroupCloseReachesClosed(t *testing.T) {
	dir := t.TempDir()
	self := uuid.New()
	cfg := cmn.DefaultConfig()

	tr := &loopbackTransport{}
	h, err := Open("test-channel-close", self, cfg, tr, filepath.Join(dir, "ring.gcache"))
	require.NoError(t, err)
	tr.h = h

	require.NoError(t, h.HandleComponent([]uuid.UUID{self}, true))
	waitForState(t, h, evs.StateOperational)

	require.NoError(t, h.Close())
}
