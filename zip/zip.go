// Package zip reads and writes the zip container format: central
// directory discovery from the end of the archive, zip64 records, the
// stored/deflate/zstandard compression methods, and the NTFS, unix-time
// and new-unix extra fields.
//
// Reading is table-of-contents first: Process enumerates the central
// directory, then [Reader.ReadFile] streams one member through the
// matching decoder. Writing supports both seekable output (local headers
// are patched in place) and non-seekable output (zip64 data descriptors).
package zip

import (
	"encoding/binary"
	"time"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/ftime"
)

// Compression methods.
const (
	MethodStored    uint16 = 0
	MethodDeflated  uint16 = 8
	MethodZstandard uint16 = 93
)

// Record sizes and signatures.
const (
	fhdrSize    = 30
	cdirSize    = 46
	eocdSize    = 22
	eocd64Size  = 56
	loc64Size   = 20
	trlMaxSize  = eocdSize + 0xFFFF
	minVer      = 20
	flagDataDesc = 0x0008
	flagUTF8     = 0x0800
	flagEncrypted = 0x0001
)

var (
	sigFhdr   = []byte{'P', 'K', 3, 4}
	sigCdir   = []byte{'P', 'K', 1, 2}
	sigEOCD   = []byte{'P', 'K', 5, 6}
	sigEOCD64 = []byte{'P', 'K', 6, 6}
	sigLoc64  = []byte{'P', 'K', 6, 7}
	sigDesc   = []byte{'P', 'K', 7, 8}
)

// Extra field IDs.
const (
	extraZip64    = 0x0001
	extraNTFS     = 0x000A
	extraUnixTime = 0x5455
	extraNewUnix  = 0x7875
)

// FileInfo is one member's metadata.
type FileInfo struct {
	arcfmt.File

	// Method is the compression method.
	Method uint16
	// CompressedSize is the member's on-disk payload size.
	CompressedSize uint64
	// HdrOffset is the local file header's offset, from the central
	// directory.
	HdrOffset uint64
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// readCdir parses a central directory entry up to the variable-length
// tail, returning the full record size.
func readCdir(b []byte, info *FileInfo, loc *time.Location) (int, error) {
	if string(b[:4]) != string(sigCdir) {
		return 0, arcfmt.Errf("zip", arcfmt.ErrBadMagic, "bad central directory entry")
	}
	info.Mtime = ftime.FromDos(le16(b[14:]), le16(b[12:]), loc)
	info.Method = le16(b[10:])
	info.CRC = le32(b[16:])
	info.CompressedSize = uint64(le32(b[20:]))
	info.Size = uint64(le32(b[24:]))
	info.WinAttr = uint32(b[38])
	info.Attr = uint32(le16(b[40:]))
	info.HdrOffset = uint64(le32(b[42:]))
	return cdirSize + int(le16(b[28:])) + int(le16(b[30:])) + int(le16(b[32:])), nil
}

// readFhdr parses a local file header, returning the full record size and
// the flags word.
func readFhdr(b []byte, info *FileInfo, loc *time.Location) (int, uint16, error) {
	if string(b[:4]) != string(sigFhdr) {
		return 0, 0, arcfmt.Errf("zip", arcfmt.ErrBadMagic, "bad local file header")
	}
	flags := le16(b[6:])
	if flags&flagEncrypted != 0 {
		return 0, 0, arcfmt.Errf("zip", arcfmt.ErrUnsupportedCodec, "encrypted entry")
	}
	info.Mtime = ftime.FromDos(le16(b[12:]), le16(b[10:]), loc)
	info.Method = le16(b[8:])
	info.CRC = le32(b[14:])
	info.CompressedSize = uint64(le32(b[18:]))
	info.Size = uint64(le32(b[22:]))
	return fhdrSize + int(le16(b[26:])) + int(le16(b[28:])), flags, nil
}

// extras iterates the extra-field records of b, calling fn with each id
// and payload.
func extras(b []byte, fn func(id uint16, val []byte)) {
	for len(b) >= 4 {
		id := le16(b)
		n := int(le16(b[2:]))
		if 4+n > len(b) {
			return
		}
		fn(id, b[4:4+n])
		b = b[4+n:]
	}
}

// readExtraZip64 widens the 0xFFFFFFFF-sentinel fields from the zip64
// extra. sentUsize/sentCsize/sentOff say which fixed fields held the
// sentinel, in field order.
func readExtraZip64(val []byte, info *FileInfo, sentUsize, sentCsize, sentOff bool) {
	if sentUsize {
		if len(val) < 8 {
			return
		}
		info.Size = le64(val)
		val = val[8:]
	}
	if sentCsize {
		if len(val) < 8 {
			return
		}
		info.CompressedSize = le64(val)
		val = val[8:]
	}
	if sentOff {
		if len(val) < 8 {
			return
		}
		info.HdrOffset = le64(val)
	}
}

func readExtraNTFS(val []byte, info *FileInfo) {
	if len(val) < 32 || le16(val[4:]) != 1 || le16(val[6:]) < 24 {
		return
	}
	info.Mtime = ftime.FromFiletime(le64(val[8:]))
}

func readExtraUnixTime(val []byte, info *FileInfo) {
	if len(val) < 5 || val[0]&0x01 == 0 {
		return
	}
	info.Mtime = time.Unix(int64(int32(le32(val[1:]))), 0).UTC()
}

func readExtraNewUnix(val []byte, info *FileInfo) {
	if len(val) < 2 || val[0] != 1 {
		return
	}
	val = val[1:]
	n := int(val[0])
	if len(val) < 1+n {
		return
	}
	if n == 4 {
		info.UID = le32(val[1:])
	}
	val = val[1+n:]
	if len(val) < 1 {
		return
	}
	n = int(val[0])
	if n == 4 && len(val) >= 5 {
		info.GID = le32(val[1:])
	}
}

// Serialized extra sizes for the writer.
const (
	extraZip64FhdrLen = 4 + 16
	extraZip64CdirLen = 4 + 24
	extraUnixTimeLen  = 4 + 5
	extraNewUnixLen   = 4 + 11
)

func putExtraZip64Fhdr(b []byte, usize, csize uint64) {
	binary.LittleEndian.PutUint16(b, extraZip64)
	binary.LittleEndian.PutUint16(b[2:], 16)
	binary.LittleEndian.PutUint64(b[4:], usize)
	binary.LittleEndian.PutUint64(b[12:], csize)
}

func putExtraZip64Cdir(b []byte, usize, csize, off uint64) {
	binary.LittleEndian.PutUint16(b, extraZip64)
	binary.LittleEndian.PutUint16(b[2:], 24)
	binary.LittleEndian.PutUint64(b[4:], usize)
	binary.LittleEndian.PutUint64(b[12:], csize)
	binary.LittleEndian.PutUint64(b[20:], off)
}

func putExtraUnixTime(b []byte, t time.Time) {
	binary.LittleEndian.PutUint16(b, extraUnixTime)
	binary.LittleEndian.PutUint16(b[2:], 5)
	b[4] = 0x01
	binary.LittleEndian.PutUint32(b[5:], uint32(t.Unix()))
}

func putExtraNewUnix(b []byte, uid, gid uint32) {
	binary.LittleEndian.PutUint16(b, extraNewUnix)
	binary.LittleEndian.PutUint16(b[2:], 11)
	b[4] = 1
	b[5] = 4
	binary.LittleEndian.PutUint32(b[6:], uid)
	b[10] = 4
	binary.LittleEndian.PutUint32(b[11:], gid)
}

// putFhdr serializes a local file header with zip64 size slots.
func putFhdr(dst []byte, info *FileInfo, dataDesc bool, loc *time.Location) {
	copy(dst, sigFhdr)
	binary.LittleEndian.PutUint16(dst[4:], minVer)
	if dataDesc {
		binary.LittleEndian.PutUint16(dst[6:], flagDataDesc)
	}
	binary.LittleEndian.PutUint16(dst[8:], info.Method)
	date, tod := ftime.ToDos(info.Mtime, loc)
	binary.LittleEndian.PutUint16(dst[10:], tod)
	binary.LittleEndian.PutUint16(dst[12:], date)
	binary.LittleEndian.PutUint32(dst[14:], info.CRC)
	binary.LittleEndian.PutUint32(dst[18:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(dst[22:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint16(dst[26:], uint16(len(info.Name)))
	extralen := extraZip64FhdrLen + extraUnixTimeLen + extraNewUnixLen
	binary.LittleEndian.PutUint16(dst[28:], uint16(extralen))
	n := fhdrSize + copy(dst[fhdrSize:], info.Name)
	putExtraZip64Fhdr(dst[n:], info.Size, info.CompressedSize)
	putExtraUnixTime(dst[n+extraZip64FhdrLen:], info.Mtime)
	putExtraNewUnix(dst[n+extraZip64FhdrLen+extraUnixTimeLen:], info.UID, info.GID)
}

func fhdrLen(name string) int {
	return fhdrSize + len(name) + extraZip64FhdrLen + extraUnixTimeLen + extraNewUnixLen
}

// patchFhdr updates the CRC field and the zip64 size slots of a header
// produced by putFhdr.
func patchFhdr(b []byte, usize, csize uint64, crc uint32) {
	binary.LittleEndian.PutUint32(b[14:], crc)
	namelen := int(le16(b[26:]))
	putExtraZip64Fhdr(b[fhdrSize+namelen:], usize, csize)
}

// putCdir serializes a central directory entry with zip64 slots.
func putCdir(dst []byte, info *FileInfo, dataDesc bool, loc *time.Location) {
	copy(dst, sigCdir)
	dst[4] = minVer
	dst[5] = 3 // UNIX
	binary.LittleEndian.PutUint16(dst[6:], minVer)
	if dataDesc {
		binary.LittleEndian.PutUint16(dst[8:], flagDataDesc)
	}
	binary.LittleEndian.PutUint16(dst[10:], info.Method)
	date, tod := ftime.ToDos(info.Mtime, loc)
	binary.LittleEndian.PutUint16(dst[12:], tod)
	binary.LittleEndian.PutUint16(dst[14:], date)
	binary.LittleEndian.PutUint32(dst[16:], info.CRC)
	binary.LittleEndian.PutUint32(dst[20:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(dst[24:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint16(dst[28:], uint16(len(info.Name)))
	extralen := extraZip64CdirLen + extraUnixTimeLen + extraNewUnixLen
	binary.LittleEndian.PutUint16(dst[30:], uint16(extralen))
	dst[38] = byte(info.WinAttr)
	binary.LittleEndian.PutUint16(dst[40:], uint16(info.Attr))
	binary.LittleEndian.PutUint32(dst[42:], 0xFFFFFFFF)
	n := cdirSize + copy(dst[cdirSize:], info.Name)
	putExtraZip64Cdir(dst[n:], info.Size, info.CompressedSize, info.HdrOffset)
	putExtraUnixTime(dst[n+extraZip64CdirLen:], info.Mtime)
	putExtraNewUnix(dst[n+extraZip64CdirLen+extraUnixTimeLen:], info.UID, info.GID)
}

func cdirLen(name string) int {
	return cdirSize + len(name) + extraZip64CdirLen + extraUnixTimeLen + extraNewUnixLen
}

// patchCdir updates the CRC and the zip64 size slots of an entry produced
// by putCdir.
func patchCdir(b []byte, usize, csize uint64, crc uint32) {
	binary.LittleEndian.PutUint32(b[16:], crc)
	namelen := int(le16(b[28:]))
	ext := b[cdirSize+namelen:]
	binary.LittleEndian.PutUint64(ext[4:], usize)
	binary.LittleEndian.PutUint64(ext[12:], csize)
}

// putDesc64 serializes a zip64 data descriptor with signature.
func putDesc64(dst []byte, usize, csize uint64, crc uint32) {
	copy(dst, sigDesc)
	binary.LittleEndian.PutUint32(dst[4:], crc)
	binary.LittleEndian.PutUint64(dst[8:], csize)
	binary.LittleEndian.PutUint64(dst[16:], usize)
}

const desc64Size = 4 + 20

// putTrailers serializes the zip64 EOCD, its locator and the sentinel
// EOCD.
func putTrailers(dst []byte, cdirLen, cdirOff uint64, items uint64) {
	loc64Off := cdirOff + cdirLen
	copy(dst, sigEOCD64)
	binary.LittleEndian.PutUint64(dst[4:], eocd64Size-12)
	binary.LittleEndian.PutUint16(dst[12:], minVer)
	binary.LittleEndian.PutUint16(dst[14:], minVer)
	binary.LittleEndian.PutUint64(dst[24:], items)
	binary.LittleEndian.PutUint64(dst[32:], items)
	binary.LittleEndian.PutUint64(dst[40:], cdirLen)
	binary.LittleEndian.PutUint64(dst[48:], cdirOff)

	b := dst[eocd64Size:]
	copy(b, sigLoc64)
	binary.LittleEndian.PutUint64(b[8:], loc64Off)
	binary.LittleEndian.PutUint32(b[16:], 1)

	b = b[loc64Size:]
	copy(b, sigEOCD)
	binary.LittleEndian.PutUint16(b[8:], 0xFFFF)
	binary.LittleEndian.PutUint16(b[10:], 0xFFFF)
	binary.LittleEndian.PutUint32(b[12:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(b[16:], 0xFFFFFFFF)
}

const trailersLen = eocd64Size + loc64Size + eocdSize
