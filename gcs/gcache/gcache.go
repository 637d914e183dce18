// Package gcache implements the GCache ring: an append-only,
// mmap'd, bounded, sequentially-addressable log of delivered actions
// that lets a donor feed a lagging joiner incremental state (spec §4.5).
package gcache

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sys/unix"

	"github.com/codership/gcommgo/cmn"
)

const (
	preambleSize = 4096
	headerFields = 9
	headerSize   = headerFields * 8
	bufferHeaderSize = 24 // size(int64) + seqno(int64) + flags(uint64)
	version      = 1

	flagReleased uint64 = 0x1
	flagCanceled uint64 = 0x2
)

// bufferHeader is the per-record header inlined before every payload in
// the data region (spec §3 "Buffer Header (GCache)").
type bufferHeader struct {
	Size  int64
	Seqno cmn.Seqno
	Flags uint64
}

func encodeBufferHeader(buf []byte, h bufferHeader) {
	cmn.PutInt64(buf[0:8], h.Size)
	cmn.PutSeqno(buf[8:16], h.Seqno)
	cmn.PutUint64(buf[16:24], h.Flags)
}

func decodeBufferHeader(buf []byte) bufferHeader {
	return bufferHeader{
		Size:  cmn.GetInt64(buf[0:8]),
		Seqno: cmn.GetSeqno(buf[8:16]),
		Flags: cmn.GetUint64(buf[16:24]),
	}
}

// fileHeader mirrors spec §4.5's 9-field u64 header record.
type fileHeader struct {
	HeaderLen   uint64
	Version     uint64
	OpenFlag    uint64
	FileSize    uint64
	DataOffset  uint64
	FirstOffset uint64
	NextOffset  uint64
	SeqnoMin    cmn.Seqno
	SeqnoMax    cmn.Seqno
}

func (h fileHeader) encode(buf []byte) {
	cmn.PutUint64(buf[0:8], h.HeaderLen)
	cmn.PutUint64(buf[8:16], h.Version)
	cmn.PutUint64(buf[16:24], h.OpenFlag)
	cmn.PutUint64(buf[24:32], h.FileSize)
	cmn.PutUint64(buf[32:40], h.DataOffset)
	cmn.PutUint64(buf[40:48], h.FirstOffset)
	cmn.PutUint64(buf[48:56], h.NextOffset)
	cmn.PutSeqno(buf[56:64], h.SeqnoMin)
	cmn.PutSeqno(buf[64:72], h.SeqnoMax)
}

func decodeFileHeader(buf []byte) fileHeader {
	return fileHeader{
		HeaderLen:   cmn.GetUint64(buf[0:8]),
		Version:     cmn.GetUint64(buf[8:16]),
		OpenFlag:    cmn.GetUint64(buf[16:24]),
		FileSize:    cmn.GetUint64(buf[24:32]),
		DataOffset:  cmn.GetUint64(buf[32:40]),
		FirstOffset: cmn.GetUint64(buf[40:48]),
		NextOffset:  cmn.GetUint64(buf[48:56]),
		SeqnoMin:    cmn.GetSeqno(buf[56:64]),
		SeqnoMax:    cmn.GetSeqno(buf[64:72]),
	}
}

// Ring is the mmap'd ring buffer. Guarded by a mutex exactly as spec §5
// requires ("GCache keeps its own sync.Mutex").
type Ring struct {
	mu   sync.Mutex
	f    *os.File
	data []byte // mmap'd region, len == file size
	hdr  fileHeader

	index map[cmn.Seqno]int64 // seqno -> byte offset of its BufferHeader
}

// Open creates (or truncates to) a file of the given size, preallocates
// it page by page, mmaps it MAP_SHARED, and writes the preamble and
// header (spec §4.5 "open").
func Open(path string, size int64) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, cmn.NewError("gcache.Open", cmn.KindIOError, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, cmn.NewError("gcache.Open", cmn.KindIOError, err)
	}
	pageSize := int64(os.Getpagesize())
	zero := make([]byte, 1)
	for off := int64(0); off < size; off += pageSize {
		if _, err := f.WriteAt(zero, off); err != nil {
			f.Close()
			return nil, cmn.NewError("gcache.Open", cmn.KindIOError, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cmn.NewError("gcache.Open", cmn.KindIOError, err)
	}
	r := &Ring{f: f, data: data, index: make(map[cmn.Seqno]int64)}
	r.hdr = fileHeader{
		HeaderLen:   headerSize,
		Version:     version,
		OpenFlag:    1,
		FileSize:    uint64(size),
		DataOffset:  preambleSize + headerSize,
		FirstOffset: preambleSize + headerSize,
		NextOffset:  preambleSize + headerSize,
		SeqnoMin:    cmn.SeqnoNone,
		SeqnoMax:    cmn.SeqnoNone,
	}
	r.writePreamble()
	r.writeHeader()
	return r, nil
}

// writePreamble renders a human-readable dump of the header fields,
// grounded on original_source's GCache_header.cpp field order; nothing
// reads it back at runtime.
func (r *Ring) writePreamble() {
	text := fmt.Sprintf(
		"GCACHE ring version=%d open_flag=%d file_size=%d data_offset=%d first=%d next=%d seqno=[%d,%d]\n",
		r.hdr.Version, r.hdr.OpenFlag, r.hdr.FileSize, r.hdr.DataOffset,
		r.hdr.FirstOffset, r.hdr.NextOffset, r.hdr.SeqnoMin, r.hdr.SeqnoMax)
	copy(r.data[0:preambleSize], make([]byte, preambleSize))
	copy(r.data[0:preambleSize], text)
}

func (r *Ring) writeHeader() {
	r.hdr.encode(r.data[preambleSize : preambleSize+headerSize])
}

// Put writes payload as a new record under the caller-supplied seqno.
// Ensures free space by advancing `first` past RELEASED records when
// the ring has wrapped into contention (spec §4.5 "put").
func (r *Ring) Put(payload []byte, seqno cmn.Seqno) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	need := int64(bufferHeaderSize + len(payload))
	dataStart := int64(r.hdr.DataOffset)
	dataEnd := int64(r.hdr.FileSize)
	dataLen := dataEnd - dataStart
	if need > dataLen {
		return cmn.NewError("gcache.Put", cmn.KindOutOfMemory,
			fmt.Errorf("record of %d bytes larger than ring capacity %d", need, dataLen))
	}

	next := int64(r.hdr.NextOffset)
	if next+need > dataEnd {
		next = dataStart // spec §4.5 invariant: records never straddle EOF
	}
	r.reclaimUntilFree(next, need, dataStart, dataEnd)

	buf := r.data[next : next+need]
	encodeBufferHeader(buf, bufferHeader{Size: need, Seqno: seqno, Flags: 0})
	copy(buf[bufferHeaderSize:], payload)

	r.index[seqno] = next
	if r.hdr.SeqnoMin == cmn.SeqnoNone || seqno < r.hdr.SeqnoMin {
		r.hdr.SeqnoMin = seqno
	}
	if seqno > r.hdr.SeqnoMax {
		r.hdr.SeqnoMax = seqno
	}
	r.hdr.NextOffset = uint64(next + need)
	r.writeHeader()
	return nil
}

// reclaimUntilFree advances `first` past RELEASED records until there is
// enough contiguous room for a new record of size `need` starting at next.
func (r *Ring) reclaimUntilFree(next, need, dataStart, dataEnd int64) {
	first := int64(r.hdr.FirstOffset)
	for first != next {
		avail := first - next
		if avail < 0 {
			avail += dataEnd - dataStart
		}
		if avail >= need || first == int64(r.hdr.NextOffset) {
			break
		}
		h := decodeBufferHeader(r.data[first : first+bufferHeaderSize])
		if h.Flags&flagReleased == 0 {
			break // oldest record not released yet; cannot reclaim further
		}
		delete(r.index, h.Seqno)
		first += h.Size
		if first >= dataEnd {
			first = dataStart
		}
	}
	r.hdr.FirstOffset = uint64(first)
}

// Seqno2Ptr looks up the payload for seqno via the seqno -> offset index
// map (spec §4.5 "seqno2ptr").
func (r *Ring) Seqno2Ptr(seqno cmn.Seqno) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, ok := r.index[seqno]
	if !ok {
		return nil, false
	}
	h := decodeBufferHeader(r.data[off : off+bufferHeaderSize])
	return r.data[off+bufferHeaderSize : off+h.Size], true
}

// Release marks seqno's record RELEASED, permitting reclamation once it
// reaches `first`.
func (r *Ring) Release(seqno cmn.Seqno) error {
	return r.setFlag(seqno, flagReleased)
}

// Cancel marks seqno's record CANCELED: the action was aborted and a
// donor must skip it.
func (r *Ring) Cancel(seqno cmn.Seqno) error {
	return r.setFlag(seqno, flagCanceled)
}

func (r *Ring) setFlag(seqno cmn.Seqno, flag uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, ok := r.index[seqno]
	if !ok {
		return cmn.NewError("gcache.setFlag", cmn.KindOutOfRange,
			fmt.Errorf("unknown seqno %d", seqno))
	}
	h := decodeBufferHeader(r.data[off : off+bufferHeaderSize])
	h.Flags |= flag
	encodeBufferHeader(r.data[off:off+bufferHeaderSize], h)
	return nil
}

// Close msyncs, clears open_flag, munmaps, and closes the backing file
// (spec §4.5 "close").
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hdr.OpenFlag = 0
	r.writeHeader()
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return cmn.NewError("gcache.Close", cmn.KindIOError, err)
	}
	if err := unix.Munmap(r.data); err != nil {
		return cmn.NewError("gcache.Close", cmn.KindIOError, err)
	}
	return r.f.Close()
}

// Checksum returns an xxhash64 digest of the binary file-header record, a
// fingerprint of the ring's current state (SPEC_FULL.md §2.5). Nothing in
// this package calls it; Recover does not.
func (r *Ring) Checksum() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := xxhash.New64()
	h.Write(r.data[preambleSize : preambleSize+headerSize])
	return h.Sum64()
}

// Recover reopens an existing ring file. A file whose open_flag is still
// set (unclean shutdown) is reset to empty; otherwise [first, next) is
// re-scanned, rebuilding seqno2ptr and checking that seqnos strictly
// increase. On any inconsistency the ring is reset to empty (spec §4.5
// "recover").
func Recover(path string) (*Ring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cmn.NewError("gcache.Recover", cmn.KindIOError, err)
	}
	if len(data) < preambleSize+headerSize {
		return nil, cmn.NewError("gcache.Recover", cmn.KindProtocol,
			fmt.Errorf("file too small to be a gcache ring"))
	}
	hdr := decodeFileHeader(data[preambleSize : preambleSize+headerSize])
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, cmn.NewError("gcache.Recover", cmn.KindIOError, err)
	}
	mapped, err := unix.Mmap(int(f.Fd()), 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cmn.NewError("gcache.Recover", cmn.KindIOError, err)
	}
	r := &Ring{f: f, data: mapped, hdr: hdr, index: make(map[cmn.Seqno]int64)}

	if hdr.OpenFlag == 1 {
		cmn.Log.Warningf("gcache: open_flag set on recover (%s), dirty close — resetting ring", path)
		r.reset()
		return r, nil
	}

	dataStart := int64(hdr.DataOffset)
	dataEnd := int64(hdr.FileSize)
	off := int64(hdr.FirstOffset)
	var prevSeqno cmn.Seqno = cmn.SeqnoNone
	consistent := true
	for off != int64(hdr.NextOffset) {
		if off+bufferHeaderSize > dataEnd {
			consistent = false
			break
		}
		h := decodeBufferHeader(r.data[off : off+bufferHeaderSize])
		if h.Size <= 0 {
			consistent = false
			break
		}
		if h.Flags&flagCanceled == 0 {
			if prevSeqno != cmn.SeqnoNone && h.Seqno <= prevSeqno {
				consistent = false
				break
			}
			prevSeqno = h.Seqno
			r.index[h.Seqno] = off
		}
		off += h.Size
		if off >= dataEnd {
			off = dataStart
		}
	}
	if !consistent {
		cmn.Log.Warningf("gcache: inconsistent ring on recover (%s) — resetting", path)
		r.reset()
	}
	r.hdr.OpenFlag = 1
	r.writeHeader()
	return r, nil
}

func (r *Ring) reset() {
	r.index = make(map[cmn.Seqno]int64)
	r.hdr.FirstOffset = r.hdr.DataOffset
	r.hdr.NextOffset = r.hdr.DataOffset
	r.hdr.SeqnoMin = cmn.SeqnoNone
	r.hdr.SeqnoMax = cmn.SeqnoNone
	r.writeHeader()
}

// SeqnoRange returns the ring's current [seqno_min, seqno_max].
func (r *Ring) SeqnoRange() (min, max cmn.Seqno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hdr.SeqnoMin, r.hdr.SeqnoMax
}

// Seqnos returns all stored seqnos in ascending order.
func (r *Ring) Seqnos() []cmn.Seqno {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cmn.Seqno, 0, len(r.index))
	for s := range r.index {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
