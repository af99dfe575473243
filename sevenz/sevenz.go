// Package sevenz reads the .7z container format.
//
// The archive metadata is a recursive tagged-block stream; it is parsed
// against a declarative grammar ([blockSpec] tables) with an explicit
// context stack. A metadata block compressed behind an EncodedHeader is
// unpacked through the shared filter pipeline and reparsed in place.
// File payloads decode through the same pipeline: the folder's coder
// chain (store, lzma1, lzma2 or deflate, optionally behind the x86 BCJ
// filter) clipped by a bounds stage to the file's window inside the
// folder's unpacked stream. Complex BCJ2 folders are rejected.
package sevenz

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/ftime"
	"github.com/arcfmt/arcfmt/internal/fspath"
	"github.com/arcfmt/arcfmt/internal/names"
	"github.com/arcfmt/arcfmt/internal/vint"
)

// ghdrSize is the global header length.
const ghdrSize = 32

var sigMagic = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}

// Coder methods.
const (
	mUnknown = iota
	mStore
	mLZMA1
	mX86
	mX86BCJ2
	mDeflate
	mLZMA2
)

// methodIDs maps on-disk coder IDs to the method enumeration.
var methodIDs = []struct {
	id     string
	method int
}{
	{"\x00", mStore},
	{"\x03\x01\x01", mLZMA1},
	{"\x03\x03\x01\x03", mX86},
	{"\x03\x03\x01\x1b", mX86BCJ2},
	{"\x04\x01\x08", mDeflate},
	{"\x21", mLZMA2},
}

// Block IDs.
const (
	idEnd               = 0x00
	idHeader            = 0x01
	idAdditionalStreams = 0x03
	idMainStreamsInfo   = 0x04
	idFilesInfo         = 0x05
	idPackInfo          = 0x06
	idUnPackInfo        = 0x07
	idSubStreamsInfo    = 0x08
	idSize              = 0x09
	idCRC               = 0x0A
	idFolder            = 0x0B
	idUnPackSize        = 0x0C
	idNumUnPackStream   = 0x0D
	idEmptyStream       = 0x0E
	idEmptyFile         = 0x0F
	idName              = 0x11
	idMTime             = 0x14
	idWinAttributes     = 0x15
	idEncodedHeader     = 0x17
	idDummy             = 0x19
)

const (
	maxBlockDepth = 5
	maxCoders     = 4
)

// FileInfo is one archive member.
type FileInfo struct {
	arcfmt.File

	// Off is the member's offset inside its folder's unpacked stream.
	Off uint64
}

type stream struct {
	off      uint64
	packSize uint64
}

type coder struct {
	method      int
	props       []byte
	stream      stream
	inputCoders [maxCoders]byte
	unpackSize  uint64
}

// folder is one coder chain over one packed stream, plus the files cut
// out of its unpacked output. The final folder may be the synthetic one
// holding empty files and directories.
type folder struct {
	coders     []coder
	crc        uint32
	files      []FileInfo
	ifile      int
	unpackSize uint64
	empty      []byte // bit per archive file; set on the empty-files folder
}

// ghdr is the parsed global header.
type ghdr struct {
	hdrOff  uint64
	hdrSize uint64
	hdrCRC  uint32
}

func readGhdr(b []byte) (ghdr, error) {
	var g ghdr
	if string(b[:6]) != string(sigMagic) {
		return g, arcfmt.Errf("7z", arcfmt.ErrBadMagic, "bad signature")
	}
	if b[6] != 0 {
		return g, arcfmt.Errf("7z", arcfmt.ErrUnsupportedVersion, "major version %d", b[6])
	}
	if crc32.ChecksumIEEE(b[12:32]) != binary.LittleEndian.Uint32(b[8:]) {
		return g, arcfmt.Errf("7z", arcfmt.ErrBadHeaderCRC, "signature header")
	}
	g.hdrOff = binary.LittleEndian.Uint64(b[12:]) + ghdrSize
	g.hdrSize = binary.LittleEndian.Uint64(b[20:])
	g.hdrCRC = binary.LittleEndian.Uint32(b[28:])
	return g, nil
}

// cursor walks a metadata byte window.
type cursor struct {
	b []byte
}

func (c *cursor) readByte() (byte, error) {
	if len(c.b) == 0 {
		return 0, arcfmt.Errf("7z", arcfmt.ErrTruncated, "incomplete block")
	}
	v := c.b[0]
	c.b = c.b[1:]
	return v, nil
}

func (c *cursor) readInt() (uint64, error) {
	v, n := vint.SevenZ(c.b)
	if n == 0 {
		return 0, arcfmt.Errf("7z", arcfmt.ErrBadVarint, "truncated varint")
	}
	c.b = c.b[n:]
	return v, nil
}

func (c *cursor) read32() (uint32, error) {
	if len(c.b) < 4 {
		return 0, arcfmt.Errf("7z", arcfmt.ErrTruncated, "incomplete block")
	}
	v := binary.LittleEndian.Uint32(c.b)
	c.b = c.b[4:]
	return v, nil
}

// meta is the metadata being assembled during the block-stream parse.
type meta struct {
	streams []stream
	si      int // next stream to hand to a folder
	folders []folder
}

// emptyFolder returns the synthetic empty-files folder, or nil.
func (m *meta) emptyFolder() *folder {
	if len(m.folders) == 0 {
		return nil
	}
	fo := &m.folders[len(m.folders)-1]
	if fo.empty == nil {
		return nil
	}
	return fo
}

func bitSet(bm []byte, i int) bool {
	if i/8 >= len(bm) {
		return false
	}
	return bm[i/8]&(0x80>>(i%8)) != 0
}

// readPackInfo parses the PackInfo preamble: pack position and stream
// count.
func readPackInfo(m *meta, c *cursor) error {
	off, err := c.readInt()
	if err != nil {
		return err
	}
	n, err := c.readInt()
	if err != nil {
		return err
	}
	if n == 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "no packed streams")
	}
	m.streams = make([]stream, n)
	m.streams[0].off = off + ghdrSize
	return nil
}

// readPackSizes parses the Size child of PackInfo, laying streams out
// back to back.
func readPackSizes(m *meta, c *cursor) error {
	off := m.streams[0].off
	for i := range m.streams {
		n, err := c.readInt()
		if err != nil {
			return err
		}
		m.streams[i].off = off
		m.streams[i].packSize = n
		off += n
	}
	return nil
}

// readFolder parses one folder's coder list and binds its packed
// streams.
func readFolder(fo *folder, c *cursor, m *meta) error {
	ncoders, err := c.readInt()
	if err != nil {
		return err
	}
	if ncoders == 0 || ncoders > maxCoders {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "%d coders", ncoders)
	}
	inStreams := int(ncoders)
	fo.coders = make([]coder, ncoders)

	for i := range fo.coders {
		cod := &fo.coders[i]
		flags, err := c.readByte()
		if err != nil {
			return err
		}
		methlen := int(flags & 0x0F)
		flags &= 0xF0
		if len(c.b) < methlen {
			return arcfmt.Errf("7z", arcfmt.ErrTruncated, "incomplete coder id")
		}
		id := string(c.b[:methlen])
		c.b = c.b[methlen:]
		for _, mm := range methodIDs {
			if mm.id == id {
				cod.method = mm.method
				break
			}
		}

		if flags&0x10 != 0 { // complex coder
			in, err := c.readInt()
			if err != nil {
				return err
			}
			out, err := c.readInt()
			if err != nil {
				return err
			}
			if in > maxCoders || out != 1 {
				return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "complex coder %d in, %d out", in, out)
			}
			inStreams += int(in) - 1
			flags &^= 0x10
		}
		if flags&0x20 != 0 { // attributes
			n, err := c.readInt()
			if err != nil {
				return err
			}
			if uint64(len(c.b)) < n {
				return arcfmt.Errf("7z", arcfmt.ErrTruncated, "incomplete coder properties")
			}
			if n > 8 {
				return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "%d property bytes", n)
			}
			cod.props = append([]byte(nil), c.b[:n]...)
			c.b = c.b[n:]
			flags &^= 0x20
		}
		if flags != 0 {
			return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "coder flags %#x", flags)
		}
	}

	bonds := int(ncoders) - 1
	for i := 0; i < bonds; i++ {
		if _, err := c.readInt(); err != nil {
			return err
		}
		if _, err := c.readInt(); err != nil {
			return err
		}
		fo.coders[ncoders-1].inputCoders[i] = byte(i + 1)
	}

	packStreams := inStreams - bonds
	if packStreams > len(m.streams)-m.si {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "folder wants %d packed streams", packStreams)
	}
	if packStreams != 1 {
		for i := 0; i < packStreams; i++ {
			if _, err := c.readInt(); err != nil {
				return err
			}
		}
	}
	for i := 0; i < packStreams; i++ {
		fo.coders[i].stream = m.streams[m.si]
		m.si++
	}
	return nil
}

// readFolders parses the Folder block.
func readFolders(m *meta, c *cursor) error {
	nfolders, err := c.readInt()
	if err != nil {
		return err
	}
	ext, err := c.readByte()
	if err != nil {
		return err
	}
	if ext != 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "external folder data")
	}
	m.folders = make([]folder, nfolders)
	m.si = 0
	for i := range m.folders {
		if err := readFolder(&m.folders[i], c, m); err != nil {
			return err
		}
	}
	return nil
}

// readUnpackSizes parses per-coder unpacked sizes; the folder's size is
// its last coder's.
func readUnpackSizes(m *meta, c *cursor) error {
	for i := range m.folders {
		var n uint64
		for j := range m.folders[i].coders {
			var err error
			if n, err = c.readInt(); err != nil {
				return err
			}
			m.folders[i].coders[j].unpackSize = n
		}
		m.folders[i].unpackSize = n
	}
	return nil
}

// readFolderCRCs parses the folder CRC list; only the all-defined form
// is accepted.
func readFolderCRCs(m *meta, c *cursor) error {
	all, err := c.readByte()
	if err != nil {
		return err
	}
	if all == 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "partial folder CRC list")
	}
	for i := range m.folders {
		v, err := c.read32()
		if err != nil {
			return err
		}
		m.folders[i].crc = v
	}
	return nil
}

// readNumUnpackStreams parses the per-folder file counts.
func readNumUnpackStreams(m *meta, c *cursor) error {
	for i := range m.folders {
		n, err := c.readInt()
		if err != nil {
			return err
		}
		if n == 0 {
			return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "folder with no streams")
		}
		m.folders[i].files = make([]FileInfo, n)
	}
	return nil
}

// readFileSizes parses per-file sizes; the last file of each folder
// takes the remainder of the folder's unpacked stream.
func readFileSizes(m *meta, c *cursor) error {
	for i := range m.folders {
		fo := &m.folders[i]
		if len(fo.files) == 0 {
			continue
		}
		var off uint64
		for j := 0; j < len(fo.files)-1; j++ {
			n, err := c.readInt()
			if err != nil {
				return err
			}
			fo.files[j].Off = off
			fo.files[j].Size = n
			off += n
			if off > fo.unpackSize {
				return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "file sizes exceed folder size")
			}
		}
		last := len(fo.files) - 1
		fo.files[last].Off = off
		fo.files[last].Size = fo.unpackSize - off
	}
	return nil
}

// readFileCRCs parses per-file CRCs. A folder that never saw a
// NumUnPackStream block holds a single file spanning the whole stream.
func readFileCRCs(m *meta, c *cursor) error {
	all, err := c.readByte()
	if err != nil {
		return err
	}
	if all == 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "partial file CRC list")
	}
	for i := range m.folders {
		fo := &m.folders[i]
		if len(fo.files) == 0 {
			fo.files = make([]FileInfo, 1)
			fo.files[0].Size = fo.unpackSize
		}
		for j := range fo.files {
			v, err := c.read32()
			if err != nil {
				return err
			}
			fo.files[j].CRC = v
		}
	}
	return nil
}

// readFilesInfo parses the FilesInfo preamble: the total file count,
// growing a synthetic folder for empty files and directories.
func readFilesInfo(m *meta, c *cursor) error {
	n, err := c.readInt()
	if err != nil {
		return err
	}
	if n == 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "no files")
	}
	var have uint64
	for i := range m.folders {
		have += uint64(len(m.folders[i].files))
	}
	if n < have {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "%d files declared, %d in folders", n, have)
	}
	if n > have {
		fo := folder{
			files: make([]FileInfo, n-have),
			empty: make([]byte, (n+7)/8),
		}
		m.folders = append(m.folders, fo)
	}
	return nil
}

// readEmptyStreams parses the empty-entry bitmap.
func readEmptyStreams(m *meta, c *cursor) error {
	var count int
	for _, b := range c.b {
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				count++
			}
		}
	}
	fo := m.emptyFolder()
	if fo == nil || count != len(fo.files) {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "empty-stream bitmap disagrees with file count")
	}
	copy(fo.empty, c.b)
	c.b = nil
	return nil
}

func skipBlock(m *meta, c *cursor) error {
	c.b = nil
	return nil
}

// distribute walks all files in archive order, dispatching to either the
// next empty-folder slot or the next in-folder slot.
func (m *meta) distribute(fn func(f *FileInfo) error) error {
	fe := m.emptyFolder()
	feLive := fe
	ife := 0
	cnt := 0
	for i := range m.folders {
		fo := &m.folders[i]
		j := 0
		if feLive != nil && fo == feLive {
			// Remaining slots of the empty-files folder fill in order.
			j = ife
			feLive = nil
		}
		for j < len(fo.files) {
			if feLive != nil && bitSet(feLive.empty, cnt) {
				if err := fn(&fe.files[ife]); err != nil {
					return err
				}
				ife++
			} else {
				if err := fn(&fo.files[j]); err != nil {
					return err
				}
				j++
			}
			cnt++
		}
	}
	return nil
}

// readNames parses the NUL-terminated UTF-16LE name list.
func readNames(m *meta, c *cursor) error {
	ext, err := c.readByte()
	if err != nil {
		return err
	}
	if ext != 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "external name data")
	}
	return m.distribute(func(f *FileInfo) error {
		end := -1
		for i := 0; i+1 < len(c.b); i += 2 {
			if c.b[i] == 0 && c.b[i+1] == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			return arcfmt.Errf("7z", arcfmt.ErrTruncated, "unterminated name")
		}
		s, err := names.DecodeUTF16(c.b[:end], false)
		if err != nil {
			return arcfmt.ErrWrap("7z", arcfmt.ErrNameInvalid, err)
		}
		c.b = c.b[end+2:]
		f.Name = fspath.Normalize(s, fspath.Backslashes|fspath.Simple)
		return nil
	})
}

// readMTimes parses the modification time list; only the all-defined
// internal form is accepted.
func readMTimes(m *meta, c *cursor) error {
	all, err := c.readByte()
	if err != nil {
		return err
	}
	if all == 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "partial time list")
	}
	ext, err := c.readByte()
	if err != nil {
		return err
	}
	if ext != 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "external time data")
	}
	return m.distribute(func(f *FileInfo) error {
		if len(c.b) < 8 {
			return arcfmt.Errf("7z", arcfmt.ErrTruncated, "incomplete time list")
		}
		f.Mtime = ftime.FromFiletime(binary.LittleEndian.Uint64(c.b))
		c.b = c.b[8:]
		return nil
	})
}

// readWinAttrs parses the attribute list, keeping the low byte.
func readWinAttrs(m *meta, c *cursor) error {
	all, err := c.readByte()
	if err != nil {
		return err
	}
	if all == 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "partial attribute list")
	}
	ext, err := c.readByte()
	if err != nil {
		return err
	}
	if ext != 0 {
		return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "external attribute data")
	}
	return m.distribute(func(f *FileInfo) error {
		if len(c.b) < 4 {
			return arcfmt.Errf("7z", arcfmt.ErrTruncated, "incomplete attribute list")
		}
		f.WinAttr = binary.LittleEndian.Uint32(c.b) & 0xFF
		c.b = c.b[4:]
		return nil
	})
}
