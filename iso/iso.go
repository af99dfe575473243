// Package iso reads and writes ISO-9660 volumes with the Joliet and
// Rock-Ridge extensions: the volume descriptor sequence, LE/BE path
// tables, directory records (8.3 names, UTF-16BE Joliet names, RR
// SP/RR/NM/PX/CL/RE records), and sector-aligned file payloads.
//
// Reading is table-of-contents first: Process enumerates every directory
// record breadth-first, then [Reader.ReadFile] streams one payload.
// Writing takes the complete file list up front, computes the sector
// layout, and emits the volume front to back with one final seek to patch
// the volume descriptors.
package iso

import (
	"encoding/binary"
	"strings"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/ftime"
	"github.com/arcfmt/arcfmt/internal/names"
)

// Sector is the logical block size; only 2048 is supported.
const Sector = 2048

// attrDir is the POSIX directory bit pattern used in [arcfmt.File.Attr].
const attrDir = 0040000

// Volume descriptor types.
const (
	vdPrimary    = 1
	vdSupplement = 2 // Joliet
	vdTerminator = 0xFF
)

const (
	sysName      = "LINUX"
	ucs2L3Escape = "%/E"
)

// Directory record flag bits.
const entFlagDir = 0x02

// entHdrLen is the fixed part of a directory record before the name.
const entHdrLen = 33

// FileInfo is one volume entry.
type FileInfo struct {
	arcfmt.File

	// Off is the payload's absolute byte offset on the volume.
	Off uint64
}

// entLen is a directory record's length for a given name length,
// including the even-length pad byte.
func entLen(namelen int) int {
	n := entHdrLen + namelen
	if namelen%2 == 0 {
		n++
	}
	return n
}

func put32LEBE(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
	binary.BigEndian.PutUint32(b[4:], v)
}

func put16LEBE(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
	binary.BigEndian.PutUint16(b[2:], v)
}

// entName recovers the real name from an ISO directory record name:
// "NAME.EXT;1" loses the version suffix, "NAME." the trailing dot.
func entName(s string) string {
	if i := strings.LastIndexByte(s, ';'); i >= 0 && s[i+1:] == "1" {
		s = s[:i]
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// copyName renders a name component in the d-character set: letters
// uppercase, digits kept, everything else collapsed to '_'.
func copyName(dst []byte, src string) int {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		c := src[i]
		switch {
		case c >= 'a' && c <= 'z':
			dst[i] = c &^ 0x20
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			dst[i] = c
		default:
			dst[i] = '_'
		}
	}
	return n
}

// splitName splits a file name into base and extension at the last dot.
func splitName(s string) (base, ext string) {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// isoNameLen is the 8.3-rendered length of name.
func isoNameLen(name string, dir bool) int {
	base, ext := splitName(name)
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	n := len(base) + len(ext)
	if !dir || ext != "" {
		n++ // '.'
	}
	if !dir {
		n += 2 // ";1"
	}
	return n
}

// putISOName renders name in 8.3 form into dst, returning the length.
func putISOName(dst []byte, name string, dir bool) int {
	base, ext := splitName(name)
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	p := copyName(dst, base)
	if !dir || ext != "" {
		dst[p] = '.'
		p++
	}
	p += copyName(dst[p:], ext)
	if !dir {
		p += copy(dst[p:], ";1")
	}
	return p
}

// Rock-Ridge record sizes (header + payload).
const (
	rrHdrLen = 4
	rrSPLen  = rrHdrLen + 3
	rrRRLen  = rrHdrLen + 1
	rrPXLen  = rrHdrLen + 32
)

// RR capability flag bits for the "RR" record.
const (
	rrHavePX = 1
	rrHaveNM = 8
)

// readRR applies the Rock-Ridge records in b to f. A RE record hides the
// entry by clearing its name; a CL record redirects its payload offset to
// the relocated child directory.
func readRR(b []byte, f *FileInfo) error {
	for len(b) > 0 && b[0] != 0 {
		if len(b) < rrHdrLen || int(b[2]) > len(b) || int(b[2]) < rrHdrLen {
			return arcfmt.Errf("iso", arcfmt.ErrBadStructure, "bad Rock-Ridge record")
		}
		id, l := string(b[:2]), int(b[2])
		data := b[rrHdrLen:l]
		b = b[l:]

		switch id {
		case "NM":
			if len(data) < 1 {
				continue
			}
			if data[0] != 0 {
				// CONTINUE and the self/parent shorthand flags.
				return arcfmt.Errf("iso", arcfmt.ErrBadStructure, "unsupported NM flags %#x", data[0])
			}
			f.Name = string(data[1:])
		case "PX":
			if len(data) < rrPXLen-rrHdrLen {
				continue
			}
			f.Attr = binary.LittleEndian.Uint32(data)
			f.UID = binary.LittleEndian.Uint32(data[16:])
			f.GID = binary.LittleEndian.Uint32(data[24:])
		case "CL":
			if len(data) < 8 {
				continue
			}
			f.Off = uint64(binary.LittleEndian.Uint32(data)) * Sector
		case "RE":
			f.Name = ""
		}
	}
	return nil
}

// readEnt parses one directory record. It returns the record length, or
// zero when b begins with a zero length byte (no more records in this
// sector).
func readEnt(b []byte, f *FileInfo) (int, error) {
	if len(b) == 0 || b[0] == 0 {
		return 0, nil
	}
	l := int(b[0])
	if len(b) < entHdrLen+1 || len(b) < l || b[32] == 0 || l < entLen(int(b[32])) {
		return 0, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "bad directory record")
	}
	if b[1] != 0 {
		return 0, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "extended attribute records")
	}
	namelen := int(b[32])
	*f = FileInfo{}
	f.Off = uint64(binary.LittleEndian.Uint32(b[2:])) * Sector
	f.Size = uint64(binary.LittleEndian.Uint32(b[10:]))
	f.Mtime = ftime.FromISODate(b[18:25])
	f.Name = string(b[33 : 33+namelen])
	if b[25]&entFlagDir != 0 {
		if namelen == 1 && (b[33] == 0 || b[33] == 1) {
			f.Name = ""
		}
		f.Attr = attrDir
	}
	return l, nil
}

// entWrite flags.
const (
	entRR = 1 << iota
	entJoliet
	entRRSP
)

// entSize returns the rendered record size for f, or an error when it
// cannot fit.
func entSize(f *FileInfo, flags int) (int, error) {
	n, _, err := entWrite(nil, f, flags)
	return n, err
}

// entWrite renders a directory record. A nil dst sizes the record. The
// bool result reports whether Rock-Ridge records were included.
func entWrite(dst []byte, f *FileInfo, flags int) (int, bool, error) {
	reserved := f.Attr&attrDir != 0 && len(f.Name) == 1 && (f.Name[0] == 0 || f.Name[0] == 1)
	dir := f.Attr&attrDir != 0

	var fnlen int
	switch {
	case reserved:
		fnlen = 1
	case flags&entJoliet != 0:
		fnlen = names.UTF16Len(f.Name)
	default:
		fnlen = isoNameLen(f.Name, dir)
	}

	rrlen := 0
	if flags&entRR != 0 {
		rrlen = rrRRLen
		if !reserved {
			rrlen += rrHdrLen + 1 + len(f.Name) // NM
		}
		if flags&entRRSP != 0 {
			rrlen += rrSPLen
		}
	}

	total := entLen(fnlen) + rrlen
	if total > 255 {
		return 0, false, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "directory record for %q exceeds 255 bytes", f.Name)
	}
	if dst == nil {
		return total, rrlen != 0, nil
	}
	if len(dst) < total {
		return 0, false, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "directory record for %q exceeds 255 bytes", f.Name)
	}

	dst[0] = byte(total)
	put32LEBE(dst[2:], uint32(f.Off/Sector))
	put32LEBE(dst[10:], uint32(f.Size))
	ftime.PutISODate(dst[18:25], f.Mtime)
	if dir {
		dst[25] = entFlagDir
	}
	put16LEBE(dst[28:], 1)
	dst[32] = byte(fnlen)

	switch {
	case reserved:
		dst[33] = f.Name[0]
	case flags&entJoliet != 0:
		names.AppendUTF16(dst[33:33:33+fnlen], f.Name, true)
	default:
		putISOName(dst[33:], f.Name, dir)
	}

	if rrlen != 0 {
		p := dst[entLen(fnlen):]
		if flags&entRRSP != 0 {
			putRRHdr(p, "SP", rrSPLen)
			p[4], p[5], p[6] = 0xBE, 0xEF, 0
			p = p[rrSPLen:]
		}
		putRRHdr(p, "RR", rrRRLen)
		rrFlags := p[4:]
		p = p[rrRRLen:]
		if !reserved {
			nmLen := rrHdrLen + 1 + len(f.Name)
			putRRHdr(p, "NM", nmLen)
			p[4] = 0
			copy(p[5:], f.Name)
			rrFlags[0] |= rrHaveNM
		}
	}
	return total, rrlen != 0, nil
}

func putRRHdr(b []byte, id string, total int) {
	b[0], b[1] = id[0], id[1]
	b[2] = byte(total)
	b[3] = 1
}

// pathEntSize is the rendered path table record size for a directory
// name.
func pathEntSize(name string, joliet bool) (int, error) {
	var fnlen int
	switch {
	case name == "\x00":
		fnlen = 1
	case joliet:
		fnlen = names.UTF16Len(name)
	default:
		fnlen = isoNameLen(name, true)
	}
	n := 8 + fnlen + fnlen%2
	if n > 255 {
		return 0, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "path table record for %q exceeds 255 bytes", name)
	}
	return n, nil
}

// putPathEnt renders one path table record.
func putPathEnt(dst []byte, name string, extent uint32, parent uint16, joliet, bigEndian bool) (int, error) {
	n, err := pathEntSize(name, joliet)
	if err != nil {
		return 0, err
	}
	fnlen := n - 8
	if bigEndian {
		binary.BigEndian.PutUint32(dst[2:], extent)
		binary.BigEndian.PutUint16(dst[6:], parent)
	} else {
		binary.LittleEndian.PutUint32(dst[2:], extent)
		binary.LittleEndian.PutUint16(dst[6:], parent)
	}
	switch {
	case name == "\x00":
		dst[8] = 0
		dst[0] = 1
	case joliet:
		names.AppendUTF16(dst[8:8:8+fnlen], name, true)
		dst[0] = byte(names.UTF16Len(name))
	default:
		dst[0] = byte(putISOName(dst[8:], name, true))
	}
	return n, nil
}

// putVolDesc writes the descriptor preamble, returning the body.
func putVolDesc(sector []byte, typ byte) []byte {
	sector[0] = typ
	copy(sector[1:], "CD001")
	sector[6] = 1
	return sector[7:]
}

// primHost collects what a primary (or Joliet supplementary) volume
// descriptor needs.
type primHost struct {
	typ         byte
	name        string
	rootDirOff  uint64
	rootDirSize uint64
	volSectors  uint32
	pathTblSize uint32
	pathTblLE   uint32
	pathTblBE   uint32
}

func putSpacePadded(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func putSpacePadded16(dst []byte, s string) {
	b := names.AppendUTF16(dst[:0], s, true)
	for i := len(b); i+1 < len(dst); i += 2 {
		dst[i] = 0
		dst[i+1] = ' '
	}
}

// putPrimVolDesc renders a primary or Joliet volume descriptor into a
// zeroed sector.
func putPrimVolDesc(sector []byte, info *primHost) {
	body := putVolDesc(sector, info.typ)
	if info.typ == vdSupplement {
		putSpacePadded16(body[1:33], sysName)
		putSpacePadded16(body[33:65], info.name)
		copy(body[81:], ucs2L3Escape)
	} else {
		putSpacePadded(body[1:33], sysName)
		putSpacePadded(body[33:65], info.name)
	}
	put32LEBE(body[73:], info.volSectors)
	put16LEBE(body[113:], 1)
	put16LEBE(body[117:], 1)
	put16LEBE(body[121:], Sector)
	put32LEBE(body[125:], info.pathTblSize)
	binary.LittleEndian.PutUint32(body[133:], info.pathTblLE)
	binary.BigEndian.PutUint32(body[141:], info.pathTblBE)

	root := FileInfo{File: arcfmt.File{Name: "\x00", Attr: attrDir, Size: info.rootDirSize}, Off: info.rootDirOff}
	entWrite(body[149:149+34], &root, 0)
}

// Primary volume descriptor body offsets (relative to the sector):
// system id 8, volume id 40, volume size 80, escape sequences 88, volume
// set size 120, sequence number 124, block size 128, path table size 132,
// LE path table 140, BE path table 148, root record 156. The body slice
// above starts at 7, hence the -7 offsets in putPrimVolDesc.

// readPrimVolDesc validates a primary descriptor and returns its root
// directory record.
func readPrimVolDesc(sector []byte) (FileInfo, error) {
	var root FileInfo
	if string(sector[1:6]) != "CD001" {
		return root, arcfmt.Errf("iso", arcfmt.ErrBadMagic, "bad volume descriptor id")
	}
	if sector[6] != 1 {
		return root, arcfmt.Errf("iso", arcfmt.ErrUnsupportedVersion, "volume descriptor version %d", sector[6])
	}
	if binary.LittleEndian.Uint16(sector[128:]) != Sector {
		return root, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "logical block size %d", binary.LittleEndian.Uint16(sector[128:]))
	}
	n, err := readEnt(sector[156:156+34], &root)
	if err != nil {
		return root, err
	}
	if n == 0 {
		return root, arcfmt.Errf("iso", arcfmt.ErrBadStructure, "empty root directory record")
	}
	return root, nil
}
