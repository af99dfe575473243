// Package tar reads and writes the ustar/GNU tar format: 512-byte records,
// octal and base-256 number fields, GNU LongLink long names, and the
// two-zero-block terminator. File data passes through untransformed.
package tar

import (
	"bytes"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/vint"
)

// Block is the tar record size.
const Block = 512

// Entry type flags.
const (
	TypeFile    = '0'
	TypeFile0   = 0 // old tar regular file
	TypeHardlink = '1'
	TypeSymlink = '2'
	TypeChar    = '3'
	TypeBlock   = '4'
	TypeDir     = '5'
	TypeFifo    = '6'
	TypeLong    = 'L' // GNU: record data is the next entry's name
	TypeExtHdr  = 'g' // global extended header, skipped
	TypeNextHdr = 'x' // per-file extended header, skipped
)

// Header field layout.
const (
	offName     = 0
	offMode     = 100
	offUID      = 108
	offGID      = 116
	offSize     = 124
	offMtime    = 136
	offChksum   = 148
	offTypeflag = 156
	offLinkname = 157
	offMagic    = 257
	offUname    = 265
	offGname    = 297
	offPrefix   = 345
	lenPrefix   = 155
)

var (
	gnuMagic   = []byte("ustar  \x00")
	ustarMagic = []byte("ustar\x0000")
)

// typeMode maps type flags '0'..'6' to the file-type nibble of a mode.
var typeMode = [7]uint32{
	0100000, 0100000, 0120000, 0020000, 0060000, 0040000, 0010000,
}

// Header is one tar entry.
type Header struct {
	arcfmt.File

	// Type is the raw type flag.
	Type byte
	// LinkTarget is the hardlink/symlink target.
	LinkTarget string
	// UserName and GroupName come from the ustar/GNU extension block.
	UserName  string
	GroupName string
}

// Defects found while parsing a header; any combination surfaces as a
// warning, except a bad size field which is fatal.
type defects uint

const (
	defNumber defects = 1 << iota
	defChecksum
	defHaveData
	defSize
)

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// checksum computes the header checksum with the chksum field replaced by
// spaces.
func checksum(b []byte) uint64 {
	var c uint64
	for i, v := range b {
		if i >= offChksum && i < offChksum+8 {
			v = ' '
		}
		c += uint64(v)
	}
	return c
}

// readHeader parses one 512-byte record into h.
func readHeader(b []byte, h *Header) defects {
	var d defects
	h.Type = b[offTypeflag]
	h.Name = cstr(b[offName : offName+100])

	num := func(field []byte) uint64 {
		v, err := vint.TarNum(field)
		if err != nil {
			d |= defNumber
		}
		return v
	}
	mode := num(b[offMode : offMode+8])
	h.Attr = uint32(mode) & 0777
	if h.Type >= '0' && h.Type <= '6' {
		h.Attr |= typeMode[h.Type-'0']
	} else {
		h.Attr |= 0100000
	}
	h.UID = uint32(num(b[offUID : offUID+8]))
	h.GID = uint32(num(b[offGID : offGID+8]))
	if v, err := vint.TarNum(b[offSize : offSize+12]); err != nil {
		d |= defSize
	} else {
		h.Size = v
	}
	h.Mtime = unixTime(int64(num(b[offMtime : offMtime+12])))

	switch h.Type {
	case TypeDir, TypeHardlink, TypeSymlink:
		if h.Size != 0 {
			d |= defHaveData
		}
		if h.Type == TypeHardlink || h.Type == TypeSymlink {
			h.LinkTarget = cstr(b[offLinkname : offLinkname+100])
		}
	}

	switch {
	case bytes.Equal(b[offMagic:offMagic+8], gnuMagic):
		h.UserName = cstr(b[offUname : offUname+32])
		h.GroupName = cstr(b[offGname : offGname+32])
	case bytes.Equal(b[offMagic:offMagic+8], ustarMagic):
		h.UserName = cstr(b[offUname : offUname+32])
		h.GroupName = cstr(b[offGname : offGname+32])
		if b[offPrefix] != 0 {
			h.Name = cstr(b[offPrefix:offPrefix+lenPrefix]) + "/" + h.Name
		}
	}

	want, err := vint.TarNum(b[offChksum : offChksum+8])
	if err != nil || want != checksum(b) {
		d |= defChecksum
	}
	return d
}

// writeHeader serializes h into the 512-byte record b; b must be zeroed.
func writeHeader(b []byte, h *Header, typ byte) error {
	b[offTypeflag] = typ
	copy(b[offName:offName+100], h.Name)

	ok := vint.PutTarNum(b[offMode:offMode+8], uint64(h.Attr&0777))
	ok = vint.PutTarNum(b[offUID:offUID+8], uint64(h.UID)) && ok
	ok = vint.PutTarNum(b[offGID:offGID+8], uint64(h.GID)) && ok
	size := h.Size
	if h.Attr&0170000 == 0040000 {
		size = 0
	}
	ok = vint.PutTarNum(b[offSize:offSize+12], size) && ok
	mt := int64(0)
	if !h.Mtime.IsZero() {
		mt = h.Mtime.Unix()
	}
	ok = vint.PutTarNum(b[offMtime:offMtime+12], uint64(mt)) && ok
	if !ok {
		return arcfmt.Errf("tar", arcfmt.ErrBadStructure, "number field overflow")
	}

	if len(h.LinkTarget) > 100 {
		return arcfmt.Errf("tar", arcfmt.ErrBadStructure, "link target too long")
	}
	copy(b[offLinkname:offLinkname+100], h.LinkTarget)

	copy(b[offMagic:offMagic+8], gnuMagic)
	un, gn := h.UserName, h.GroupName
	if un == "" {
		un = "root"
	}
	if gn == "" {
		gn = "root"
	}
	copy(b[offUname:offUname+32], un)
	copy(b[offGname:offGname+32], gn)

	vint.PutTarNum(b[offChksum:offChksum+7], checksum(b[:Block]))
	b[offChksum+6] = 0
	b[offChksum+7] = ' '
	return nil
}
