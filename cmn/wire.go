package cmn

import "encoding/binary"

// Wire pack/unpack helpers, little-endian per spec §3/§6, grounded on the
// teacher's explicit packed-struct wire layout (BufferHeader, GCache file
// header) rather than on encoding/json for hot-path bytes.

func PutUint16(buf []byte, v uint16) { binary.LittleEndian.PutUint16(buf, v) }
func GetUint16(buf []byte) uint16    { return binary.LittleEndian.Uint16(buf) }

func PutUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func GetUint32(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }

func PutUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func GetUint64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

func PutInt64(buf []byte, v int64) { binary.LittleEndian.PutUint64(buf, uint64(v)) }
func GetInt64(buf []byte) int64    { return int64(binary.LittleEndian.Uint64(buf)) }

func PutSeqno(buf []byte, s Seqno) { PutInt64(buf, int64(s)) }
func GetSeqno(buf []byte) Seqno    { return Seqno(GetInt64(buf)) }

// PutRange writes [lu,hs] in 16 bytes.
func PutRange(buf []byte, r Range) {
	PutSeqno(buf[0:8], r.LU)
	PutSeqno(buf[8:16], r.HS)
}

// GetRange reads [lu,hs] from 16 bytes.
func GetRange(buf []byte) Range {
	return Range{LU: GetSeqno(buf[0:8]), HS: GetSeqno(buf[8:16])}
}

// PutFixedString writes s into a fixed-width, zero-padded field of n bytes.
// Grounded on spec §3's "fixed-length strings" serialization primitive.
func PutFixedString(buf []byte, s string, n int) {
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	copy(buf[:n], s)
}

// GetFixedString reads a NUL-terminated (or full-width) string from buf.
func GetFixedString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}
