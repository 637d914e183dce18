package gcache

import (
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/codership/gcommgo/cmn"
	"github.com/stretchr/testify/require"
)

func TestRingPutAndSeqno2Ptr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.gcache")
	r, err := Open(path, 1<<20)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Put([]byte("hello"), 1))
	require.NoError(t, r.Put([]byte("world"), 2))

	got, ok := r.Seqno2Ptr(1)
	require.True(t, ok)
	require.Equal(t, "hello", string(got))

	got, ok = r.Seqno2Ptr(2)
	require.True(t, ok)
	require.Equal(t, "world", string(got))

	_, ok = r.Seqno2Ptr(3)
	require.False(t, ok)

	min, max := r.SeqnoRange()
	require.EqualValues(t, 1, min)
	require.EqualValues(t, 2, max)
}

func TestRingReleaseAndCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.gcache")
	r, err := Open(path, 1<<20)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Put([]byte("a"), 1))
	require.NoError(t, r.Release(1))
	require.NoError(t, r.Cancel(1))

	err = r.Release(99)
	require.Error(t, err)
	require.Equal(t, cmn.KindOutOfRange, cmn.KindOf(err))
}

func TestRingRecoverAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.gcache")
	r, err := Open(path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, r.Put([]byte("persisted"), 1))
	require.NoError(t, r.Close())

	r2, err := Recover(path)
	require.NoError(t, err)
	defer r2.Close()
	got, ok := r2.Seqno2Ptr(1)
	require.True(t, ok)
	require.Equal(t, "persisted", string(got))
}

func TestRingRecoverResetsOnDirtyOpenFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.gcache")
	r, err := Open(path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, r.Put([]byte("abandoned"), 1))
	// simulate a crash: do not call Close(), so open_flag stays 1 on disk
	r.mu.Lock()
	require.NoError(t, unix.Msync(r.data, unix.MS_SYNC))
	r.mu.Unlock()

	r2, err := Recover(path)
	require.NoError(t, err)
	defer r2.Close()
	_, ok := r2.Seqno2Ptr(1)
	require.False(t, ok, "dirty reopen must reset the ring")
	min, max := r2.SeqnoRange()
	require.Equal(t, cmn.SeqnoNone, min)
	require.Equal(t, cmn.SeqnoNone, max)
}
