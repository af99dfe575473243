// Package xz reads the .xz container format: stream header/footer, block
// headers with their filter chains, and the index. Block payloads decode
// through the shared filter pipeline (LZMA2, optionally behind the x86
// BCJ filter); the index supplies the total uncompressed size up front.
//
// Multi-stream files are rejected, matching the common single-stream
// producer behavior.
package xz

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/vint"
)

const (
	stmHdrSize = 12
	stmFtrSize = 12
)

var (
	hdrMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	ftrMagic = []byte{'Y', 'Z'}
)

// Check methods from the stream header flags.
const (
	checkNone   = 0x00
	checkCRC32  = 0x01
	checkCRC64  = 0x04
	checkSHA256 = 0x0A
)

// checkSize gives the on-disk size of a block's check field.
func checkSize(method int) int {
	if method == 0 {
		return 0
	}
	// 4 << ((m-1)/3): 4, 8 or 32 bytes.
	return 4 << ((method - 1) / 3)
}

// Filter IDs used in block headers.
const (
	filtX86   = 0x04
	filtLZMA2 = 0x21
)

type filterProps struct {
	id    uint64
	props []byte
}

// readStreamHeader validates the magic and flags CRC, returning the check
// method.
func readStreamHeader(b []byte) (int, error) {
	if !bytes.Equal(b[:6], hdrMagic) {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadMagic, "bad stream header")
	}
	if crc32.ChecksumIEEE(b[6:8]) != binary.LittleEndian.Uint32(b[8:]) {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadHeaderCRC, "stream header flags")
	}
	if b[6] != 0 || b[7]&0xF0 != 0 {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "bad stream header flags")
	}
	return int(b[7] & 0x0F), nil
}

// readStreamFooter validates the footer, returning the index size in
// bytes.
func readStreamFooter(b []byte) (uint64, error) {
	if crc32.ChecksumIEEE(b[4:10]) != binary.LittleEndian.Uint32(b[:4]) {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadHeaderCRC, "stream footer")
	}
	if !bytes.Equal(b[10:12], ftrMagic) {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadMagic, "bad stream footer")
	}
	return (uint64(binary.LittleEndian.Uint32(b[4:8])) + 1) * 4, nil
}

// readBlockHeader parses a complete block header record (its length is
// known from the leading size byte), returning the filter chain.
func readBlockHeader(b []byte) ([]filterProps, error) {
	if len(b) < 8 {
		return nil, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "short block header")
	}
	flags := b[1]
	if flags&0x3C != 0 {
		return nil, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "reserved block header flags")
	}
	d := b[2 : len(b)-4]
	if flags&0x40 != 0 { // compressed size
		if _, n, err := vint.XZ(d); err != nil {
			return nil, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
		} else {
			d = d[n:]
		}
	}
	if flags&0x80 != 0 { // uncompressed size
		if _, n, err := vint.XZ(d); err != nil {
			return nil, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
		} else {
			d = d[n:]
		}
	}
	nfilt := int(flags&0x03) + 1
	filts := make([]filterProps, 0, nfilt)
	for i := 0; i < nfilt; i++ {
		id, n, err := vint.XZ(d)
		if err != nil {
			return nil, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
		}
		d = d[n:]
		plen, n, err := vint.XZ(d)
		if err != nil {
			return nil, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
		}
		d = d[n:]
		if uint64(len(d)) < plen {
			return nil, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "filter properties run past header")
		}
		filts = append(filts, filterProps{id: id, props: append([]byte(nil), d[:plen]...)})
		d = d[plen:]
	}
	for _, c := range d {
		if c != 0 {
			return nil, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "nonzero block header padding")
		}
	}
	if crc32.ChecksumIEEE(b[:len(b)-4]) != binary.LittleEndian.Uint32(b[len(b)-4:]) {
		return nil, arcfmt.Errf("xz", arcfmt.ErrBadHeaderCRC, "block header")
	}
	return filts, nil
}

// readIndex sums the uncompressed sizes of the index records.
func readIndex(b []byte) (uint64, error) {
	if len(b) == 0 || b[0] != 0 {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "bad index indicator")
	}
	d := b[1:]
	nrec, n, err := vint.XZ(d)
	if err != nil {
		return 0, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
	}
	d = d[n:]
	var total uint64
	for i := uint64(0); i < nrec; i++ {
		if _, n, err = vint.XZ(d); err != nil {
			return 0, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
		}
		d = d[n:]
		osize, n, err := vint.XZ(d)
		if err != nil {
			return 0, arcfmt.ErrWrap("xz", arcfmt.ErrBadVarint, err)
		}
		d = d[n:]
		total += osize
	}
	if len(d) < 4 {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "truncated index")
	}
	for _, c := range d[:len(d)-4] {
		if c != 0 {
			return 0, arcfmt.Errf("xz", arcfmt.ErrBadStructure, "nonzero index padding")
		}
	}
	if crc32.ChecksumIEEE(b[:len(b)-4]) != binary.LittleEndian.Uint32(b[len(b)-4:]) {
		return 0, arcfmt.Errf("xz", arcfmt.ErrBadHeaderCRC, "index")
	}
	return total, nil
}
