// Package gz reads and writes the gzip container format.
//
// Reader and Writer are incremental state machines: the caller hands over
// input (or collects output) in chunks of any size and acts on the
// [arcfmt.Result] directives they return. Neither performs I/O. The
// deflate payload codec is the klauspost flate implementation.
package gz

import (
	"encoding/binary"
	"time"
)

// Format constants.
const (
	magic0, magic1 = 0x1F, 0x8B
	methodDeflate  = 8

	hdrSize = 10
	trlSize = 8

	flagHdrCRC  = 0x02
	flagExtra   = 0x04
	flagName    = 0x08
	flagComment = 0x10
	flagsKnown  = 0x1E
)

// Info carries the archive metadata from the member header and trailer.
type Info struct {
	// Name and Comment are the optional NUL-terminated header strings.
	Name    string
	Comment string
	// Extra is the optional FEXTRA payload.
	Extra []byte
	// Mtime is the header modification time.
	Mtime time.Time

	// CRC and UncompressedSize come from the trailer. The size field is
	// stored modulo 2^32; when the total input size was known at open the
	// reader widens it with the trailer offset's high bits.
	CRC              uint32
	UncompressedSize uint64

	// CompressedSize counts payload bytes consumed so far.
	CompressedSize uint64
}

func putHeader(dst []byte, info *Info) []byte {
	var flags byte
	if info.Name != "" {
		flags |= flagName
	}
	if info.Comment != "" {
		flags |= flagComment
	}
	hdr := [hdrSize]byte{magic0, magic1, methodDeflate, flags}
	if !info.Mtime.IsZero() {
		binary.LittleEndian.PutUint32(hdr[4:], uint32(info.Mtime.Unix()))
	}
	hdr[9] = 255 // OS unknown
	dst = append(dst, hdr[:]...)
	if info.Name != "" {
		dst = append(dst, info.Name...)
		dst = append(dst, 0)
	}
	if info.Comment != "" {
		dst = append(dst, info.Comment...)
		dst = append(dst, 0)
	}
	return dst
}

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func putTrailer(dst []byte, crc uint32, size uint64) []byte {
	var trl [trlSize]byte
	binary.LittleEndian.PutUint32(trl[:4], crc)
	binary.LittleEndian.PutUint32(trl[4:], uint32(size))
	return append(dst, trl[:]...)
}
